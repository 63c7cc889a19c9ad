// Package job implements the lifecycle of one generation job: payload
// normalization, engine dispatch, postprocessing and the close path.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"image-worker/internal/engine"
	"image-worker/internal/entity"
	"image-worker/internal/pipeline"
)

const (
	KeyInfo         = "info"
	KeyError        = "error"
	KeyGenerateTime = "generate_time"
	KeyTotalTime    = "total_time"
	KeyQueue        = "queue"
	KeyWorker       = "worker"
)

// prunedInfoKeys repeat the prompt once per sample.
var prunedInfoKeys = []string{
	"all_prompts",
	"all_negative_prompts",
	"infotexts",
	"all_hr_prompts",
	"all_hr_negative_prompts",
}

type Engine interface {
	Generate(ctx context.Context, jobType entity.JobType, payload *entity.Map) (*engine.Result, error)
	SetModel(ctx context.Context, name string) error
	RecoversOutputOnDisk() bool
}

type Postprocessor interface {
	Run(ctx context.Context, frames []image.Image, name string, format entity.ImageFormat, steps []pipeline.Step, sink pipeline.Sink) error
}

type Deps struct {
	Engine   Engine
	Pipeline Postprocessor

	// HTTPClient fetches remote payload images and delivers webhooks.
	HTTPClient        *http.Client
	ImageFetchTimeout time.Duration
	WebhookTimeout    time.Duration

	Worker string
	Logger *slog.Logger

	// OnClose runs last in Close, after the webhook.
	OnClose func(ctx context.Context, j *Job)
	Now     func() time.Time
}

type Job struct {
	ID        string
	Type      entity.JobType
	Payload   *entity.Map
	Format    entity.ImageFormat
	Steps     []pipeline.Step
	Webhook   *entity.Webhook
	Tag       string
	CreatedAt time.Time
	QueueKey  string

	status     entity.JobStatus
	result     *entity.Map
	groups     [][]image.Image
	resources  []io.Closer
	normalized bool
	closed     bool
	startedAt  time.Time

	deps   Deps
	logger *slog.Logger
}

// New builds a job from its stored record and moves it to PROCESSING.
func New(rec entity.JobRecord, queueKey string, deps Deps) (*Job, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Engine == nil || deps.Pipeline == nil {
		return nil, errors.New("job: engine and pipeline are required")
	}

	if !rec.Type.Valid() {
		return nil, fmt.Errorf("job %s: unknown type %q", rec.ID, rec.Type)
	}
	format := rec.Format
	if format == "" {
		format = entity.DefaultFormat
	}
	if !format.Valid() {
		return nil, fmt.Errorf("job %s: unknown format %q", rec.ID, format)
	}

	payload, err := entity.ParseMap(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("job %s: payload: %w", rec.ID, err)
	}
	webhook, err := parseWebhook(rec.Webhook)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", rec.ID, err)
	}
	steps, err := pipeline.ParseSteps(rec.Postprocess)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", rec.ID, err)
	}

	now := deps.Now()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	j := &Job{
		ID:        rec.ID,
		Type:      rec.Type,
		Payload:   payload,
		Format:    format,
		Webhook:   webhook,
		Tag:       rec.Tag,
		CreatedAt: createdAt,
		QueueKey:  queueKey,
		status:    entity.StatusProcessing,
		result:    entity.NewMap(),
		startedAt: now,
		deps:      deps,
	}
	j.logger = deps.Logger.With(
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
		slog.String("queue", queueKey),
	)
	j.Steps = j.buildSteps(steps)
	return j, nil
}

// buildSteps adds NSFW detection for image-generating jobs and appends the
// job's own upload step last.
func (j *Job) buildSteps(steps []pipeline.Step) []pipeline.Step {
	if j.Type.GeneratesImages() {
		hasNSFW := false
		for _, s := range steps {
			if s.Kind() == pipeline.KindNSFWDetection {
				hasNSFW = true
				break
			}
		}
		if !hasNSFW {
			steps = append(steps, pipeline.NSFWDetection{})
		}
	}

	var fallback pipeline.Upload
	if args, ok := animateDiffArgs(j.Payload); ok {
		fallback.FPS = args.NumberOr("fps", 0)
	}
	upload := pipeline.MergeUpload(steps, fallback)
	out, dropped := pipeline.EnsureUpload(steps, upload)
	if dropped > 1 {
		j.logger.Warn("multiple upload steps supplied, last one wins", slog.Int("count", dropped))
	}
	return out
}

func parseWebhook(raw json.RawMessage) (*entity.Webhook, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == "{}" {
		return nil, nil
	}
	var wh entity.Webhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	if wh.URL == "" {
		return nil, nil
	}
	if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
		return nil, fmt.Errorf("webhook: invalid url %q", wh.URL)
	}
	return &wh, nil
}

func (j *Job) Status() entity.JobStatus { return j.status }

func (j *Job) Result() *entity.Map { return j.result }

// Groups returns the generated frames; each group becomes one artifact.
func (j *Job) Groups() [][]image.Image { return j.groups }

func (j *Job) Closed() bool { return j.closed }

// DumpResult writes v under key in the result, or in its info map when
// insideInfo is set. In append mode values accumulate in a list.
func (j *Job) DumpResult(key string, v entity.Value, appendMode, insideInfo bool) {
	target := j.result
	if insideInfo {
		info, ok := j.result.Map(KeyInfo)
		if !ok {
			info = entity.NewMap()
			j.result.Set(KeyInfo, info)
		}
		target = info
	}
	if !appendMode {
		target.Set(key, v)
		return
	}
	list, _ := target.List(key)
	target.Set(key, append(list, v))
}

// Generate runs the engine call. On failure the job is closed as FAILED and
// false is returned.
func (j *Job) Generate(ctx context.Context) bool {
	j.logger.Info("generating")

	if err := j.generate(ctx); err != nil {
		j.fail(ctx, err)
		return false
	}
	return true
}

func (j *Job) generate(ctx context.Context) error {
	if err := j.normalizePayload(ctx); err != nil {
		return err
	}

	if model, ok := j.checkpoint(); ok {
		j.Payload.Delete("model")
		if model != "" {
			if err := j.deps.Engine.SetModel(ctx, model); err != nil {
				return fmt.Errorf("set model %q: %w", model, err)
			}
		}
	}

	res, err := j.deps.Engine.Generate(ctx, j.Type, j.Payload)
	var onDisk *engine.OutputOnDiskError
	if errors.As(err, &onDisk) && j.deps.Engine.RecoversOutputOnDisk() {
		j.logger.Warn("engine left output on disk, recovering", slog.Int("files", len(onDisk.Paths)))
		res, err = j.recoverOutput(onDisk.Paths)
	}
	if err != nil {
		return err
	}
	if res == nil {
		return errors.New("no result returned")
	}

	info := res.Info
	if info == nil {
		info = entity.NewMap()
	}
	for _, k := range prunedInfoKeys {
		info.Delete(k)
	}
	j.DumpResult(KeyInfo, info, false, false)

	j.groups = j.groupImages(res.Images)
	j.logger.Info("generated", slog.Int("images", len(res.Images)), slog.Int("groups", len(j.groups)))
	return nil
}

// checkpoint returns the model to load before a txt2img or img2img call.
// Other types own the model key: interrogate reads it as the captioner.
func (j *Job) checkpoint() (string, bool) {
	if j.Type != entity.JobTypeTxt2Img && j.Type != entity.JobTypeImg2Img {
		return "", false
	}
	return j.Payload.String("model")
}

// groupImages treats AnimateDiff output as one animated group and every other
// image as a group of its own.
func (j *Job) groupImages(images []image.Image) [][]image.Image {
	if len(images) == 0 {
		return nil
	}
	if _, ok := animateDiffArgs(j.Payload); ok {
		return [][]image.Image{images}
	}
	groups := make([][]image.Image, len(images))
	for i, img := range images {
		groups[i] = []image.Image{img}
	}
	return groups
}

// Postprocess runs the pipeline over every group. On failure the job is
// closed as FAILED and false is returned.
func (j *Job) Postprocess(ctx context.Context) bool {
	j.logger.Info("postprocessing", slog.Int("steps", len(j.Steps)))

	for n, group := range j.groups {
		if err := j.deps.Pipeline.Run(ctx, group, j.artifactName(n), j.Format, j.Steps, j); err != nil {
			j.fail(ctx, err)
			return false
		}
	}
	j.DumpResult(KeyGenerateTime, entity.Number(j.deps.Now().Sub(j.startedAt).Seconds()), false, false)
	return true
}

func (j *Job) artifactName(n int) string {
	if n == 0 {
		return j.ID
	}
	return fmt.Sprintf("%s_%d", j.ID, n)
}

func (j *Job) fail(ctx context.Context, err error) {
	j.logger.Error("job failed", slog.Any("error", err))
	j.DumpResult(KeyError, entity.String(err.Error()), false, false)
	j.Close(ctx, true)
}

// Close finalizes the job. Only the first call has any effect.
func (j *Job) Close(ctx context.Context, failed bool) {
	if j.closed {
		return
	}
	j.closed = true

	j.DumpResult(KeyTotalTime, entity.Number(j.deps.Now().Sub(j.CreatedAt).Seconds()), false, false)
	j.DumpResult(KeyQueue, entity.String(j.QueueKey), false, false)
	if j.deps.Worker != "" {
		j.DumpResult(KeyWorker, entity.String(j.deps.Worker), false, false)
	}
	if err := j.checkSerializable(); err != nil {
		j.logger.Error("result not serializable", slog.Any("error", err))
		j.result = ErrorResult(err)
		failed = true
	}

	next := entity.StatusDone
	if failed {
		next = entity.StatusFailed
		if !j.result.Has(KeyError) {
			j.result.Set(KeyError, entity.String("job failed"))
		}
	}
	j.transition(next)
	j.releaseResources()

	if j.status == entity.StatusDone {
		j.logger.Info("job done")
	} else {
		j.logger.Error("job closed as failed", slog.String("error", j.result.StringOr(KeyError, "")))
	}

	j.emitWebhook(ctx)
	if j.deps.OnClose != nil {
		j.deps.OnClose(ctx, j)
	}
}

func (j *Job) transition(next entity.JobStatus) {
	if !j.status.CanTransition(next) {
		j.logger.Warn("ignored status transition", slog.String("from", string(j.status)), slog.String("to", string(next)))
		return
	}
	j.status = next
}

func (j *Job) checkSerializable() error {
	if _, err := json.Marshal(j.result); err != nil {
		return fmt.Errorf("serialize result: %w", err)
	}
	return nil
}

// ErrorResult is the result stored when the real one cannot be encoded.
func ErrorResult(err error) *entity.Map {
	m := entity.NewMap()
	m.Set(KeyError, entity.String(err.Error()))
	return m
}

func (j *Job) releaseResources() {
	for _, r := range j.resources {
		if err := r.Close(); err != nil {
			j.logger.Warn("release resource", slog.Any("error", err))
		}
	}
	j.resources = nil
}
