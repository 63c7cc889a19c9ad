package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"image-worker/internal/entity"
	"image-worker/internal/service"
)

func newCommandCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "command <worker> <STOP|RESTART_BACKEND|FLUSH_QUEUE>",
		Short: "Send a control command to a worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			command, ok := entity.ParseCommand(args[1])
			if !ok {
				return fmt.Errorf("unknown command %q", args[1])
			}

			rdb, err := ctx.redisClient()
			if err != nil {
				return err
			}
			defer rdb.Close()

			if err := service.NewProducer(rdb).SendCommand(cmd.Context(), args[0], command); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s sent to %s\n", command, service.CommandKey(args[0]))
			return nil
		},
	}
}
