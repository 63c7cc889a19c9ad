package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"image-worker/internal/entity"
	"image-worker/internal/repository/redisjob"
	"image-worker/internal/service"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var (
		req          service.CreateJobRequest
		jobType      string
		format       string
		payload      string
		postprocess  string
		webhookURL   string
		webhookToken string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a job record and push it to a queue",
		Example: `  image-worker enqueue --type txt2img --payload '{"prompt":"a cat"}'
  image-worker enqueue --type img2img --payload @payload.json --worker gpu-01 --format png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readJSONArg(payload)
			if err != nil {
				return fmt.Errorf("payload: %w", err)
			}
			steps, err := readJSONArg(postprocess)
			if err != nil {
				return fmt.Errorf("postprocess: %w", err)
			}
			req.Type = entity.JobType(jobType)
			req.Format = entity.ImageFormat(format)
			req.Payload = body
			req.Postprocess = steps
			if webhookURL != "" {
				req.Webhook = &entity.Webhook{URL: webhookURL, Token: webhookToken}
			}

			rdb, err := ctx.redisClient()
			if err != nil {
				return err
			}
			defer rdb.Close()

			svc := service.NewJobService(redisjob.NewJobRepository(rdb), service.NewProducer(rdb))
			id, err := svc.CreateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s queued on %s\n", id, req.Target.Key())
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&jobType, "type", "t", string(entity.JobTypeTxt2Img), "Job type (TXT2IMG, IMG2IMG, EXTRA, INTERROGATE, CONTROLNET_DETECT, PROMPTGEN)")
	flags.StringVarP(&payload, "payload", "p", "{}", "Engine payload as JSON, or @file")
	flags.StringVarP(&format, "format", "f", string(entity.DefaultFormat), "Output format")
	flags.StringVar(&postprocess, "postprocess", "", "Postprocess steps as a JSON array, or @file")
	flags.StringVar(&webhookURL, "webhook", "", "Webhook URL notified when the job closes")
	flags.StringVar(&webhookToken, "webhook-token", "", "Bearer token sent with the webhook")
	flags.StringVar(&req.Tag, "tag", "", "Free-form job label")
	flags.StringVar(&req.Target.Worker, "worker", "", "Queue on this worker's private queue")
	flags.StringVar(&req.Target.Group, "group", "", "Queue on this group's queue")
	return cmd
}

// readJSONArg accepts inline JSON or @path.
func readJSONArg(arg string) (json.RawMessage, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		if data, err = os.ReadFile(arg[1:]); err != nil {
			return nil, err
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("not valid JSON")
	}
	return json.RawMessage(data), nil
}
