package service

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-worker/internal/engine"
	"image-worker/internal/entity"
	"image-worker/internal/job"
	"image-worker/internal/pipeline"
	"image-worker/internal/repository/redisjob"
)

type nopEngine struct{}

func (nopEngine) Generate(context.Context, entity.JobType, *entity.Map) (*engine.Result, error) {
	return &engine.Result{Info: entity.NewMap()}, nil
}
func (nopEngine) SetModel(context.Context, string) error { return nil }
func (nopEngine) RecoversOutputOnDisk() bool            { return false }

type nopPipeline struct{}

func (nopPipeline) Run(context.Context, []image.Image, string, entity.ImageFormat, []pipeline.Step, pipeline.Sink) error {
	return nil
}

type recordingIndexer struct {
	docs []entity.JobDocument
	err  error
}

func (r *recordingIndexer) Name() string { return "recording" }

func (r *recordingIndexer) Index(_ context.Context, doc entity.JobDocument) error {
	r.docs = append(r.docs, doc)
	return r.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newCoordinator(t *testing.T, cfg CoordinatorConfig, indexers ...Indexer) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	mr.RPush("command_gpu_1", "STOP")

	deps := job.Deps{Engine: nopEngine{}, Pipeline: nopPipeline{}, Logger: discard()}
	c, err := NewCoordinator(context.Background(), rdb, redisjob.NewJobRepository(rdb), cfg, deps, discard(), indexers...)
	require.NoError(t, err)
	return c, mr
}

func TestNewCoordinatorRegisters(t *testing.T) {
	c, mr := newCoordinator(t, CoordinatorConfig{Worker: "GPU 1", Groups: []string{"Fast Lane"}, Version: "1.2.3"})

	assert.False(t, mr.Exists("command_gpu_1"))

	var state entity.WorkerState
	require.NoError(t, json.Unmarshal([]byte(mustGet(t, mr, "worker_gpu_1")), &state))
	assert.Equal(t, entity.WorkerInitial, state.Status)
	assert.Equal(t, "1.2.3", state.Version)
	assert.Equal(t, DefaultStatusTTL, mr.TTL("worker_gpu_1"))

	assert.Equal(t, []string{"command_gpu_1", "queue_gpu_1", "queue_group_fast_lane", "queue"}, c.Keys().Watch())
}

func TestKeysExcludeGlobal(t *testing.T) {
	k := NewKeys("w", []string{"a", "A", " "}, false)
	assert.Equal(t, []string{"command_w", "queue_w", "queue_group_a"}, k.Watch())
}

func TestGroupsReloadedFromConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	groups, err := LoadGroups(context.Background(), rdb, "gpu_1")
	assert.Error(t, err)
	assert.Empty(t, groups)

	require.NoError(t, mr.Set(GroupConfigKey, `[{"name":"fast","workers":["GPU 1","gpu_2"]},{"name":"slow","workers":["gpu_3"]}]`))
	groups, err = LoadGroups(context.Background(), rdb, "gpu_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"fast"}, groups)

	deps := job.Deps{Engine: nopEngine{}, Pipeline: nopPipeline{}}
	c, err := NewCoordinator(context.Background(), rdb, redisjob.NewJobRepository(rdb),
		CoordinatorConfig{Worker: "gpu_1", Groups: []string{"static"}, ReloadGroups: true}, deps, discard())
	require.NoError(t, err)
	assert.Equal(t, []string{"queue_group_fast"}, c.Keys().Groups)

	require.NoError(t, mr.Set(GroupConfigKey, `not json`))
	c, err = NewCoordinator(context.Background(), rdb, redisjob.NewJobRepository(rdb),
		CoordinatorConfig{Worker: "gpu_1", Groups: []string{"static"}, ReloadGroups: true}, deps, discard())
	require.NoError(t, err)
	assert.Equal(t, []string{"queue_group_static"}, c.Keys().Groups)
}

func TestWaitSignalPriority(t *testing.T) {
	c, mr := newCoordinator(t, CoordinatorConfig{Worker: "gpu_1", Groups: []string{"fast"}})
	ctx := context.Background()

	mr.RPush("queue", "global-job")
	mr.RPush("queue_group_fast", "group-job")
	mr.RPush("queue_gpu_1", "private-job")
	mr.RPush("command_gpu_1", "FLUSH_QUEUE")

	want := []entity.QueueSignal{
		{Kind: entity.SignalCommand, Payload: "FLUSH_QUEUE", SourceKey: "command_gpu_1"},
		{Kind: entity.SignalJob, Payload: "private-job", SourceKey: "queue_gpu_1"},
		{Kind: entity.SignalJob, Payload: "group-job", SourceKey: "queue_group_fast"},
		{Kind: entity.SignalJob, Payload: "global-job", SourceKey: "queue"},
	}
	for _, w := range want {
		sig, err := c.WaitSignal(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, sig)
		assert.Equal(t, w, *sig)
	}

	var state entity.WorkerState
	require.NoError(t, json.Unmarshal([]byte(mustGet(t, mr, "worker_gpu_1")), &state))
	assert.Equal(t, entity.WorkerStandby, state.Status)
}

func TestWaitSignalTimeout(t *testing.T) {
	c, _ := newCoordinator(t, CoordinatorConfig{Worker: "gpu_1"})

	sig, err := c.WaitSignal(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestClassifySignal(t *testing.T) {
	tests := []struct {
		key      string
		wantKind entity.SignalKind
		wantErr  bool
	}{
		{key: "command_w", wantKind: entity.SignalCommand},
		{key: "queue", wantKind: entity.SignalJob},
		{key: "queue_w", wantKind: entity.SignalJob},
		{key: "queue_group_fast", wantKind: entity.SignalJob},
		{key: "command_other", wantErr: true},
		{key: "jobs", wantErr: true},
		{key: "queues", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			sig, err := ClassifySignal("command_w", tt.key, "payload")
			if tt.wantErr {
				var perr *ProtocolError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, tt.key, perr.Key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, sig.Kind)
			assert.Equal(t, tt.key, sig.SourceKey)
		})
	}
}

func TestClaimJob(t *testing.T) {
	c, mr := newCoordinator(t, CoordinatorConfig{Worker: "gpu_1"})
	ctx := context.Background()

	j, err := c.ClaimJob(ctx, "missing", "queue")
	require.NoError(t, err)
	assert.Nil(t, j)

	mr.HSet("bad", "type", "UPSCALE", "payload", "{}", "status", "PENDING")
	j, err = c.ClaimJob(ctx, "bad", "queue")
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.Equal(t, "FAILED", mr.HGet("bad", "status"))
	assert.Contains(t, mr.HGet("bad", "result"), "unknown type")

	mr.HSet("good", "type", "TXT2IMG", "payload", `{"prompt":"cat"}`, "format", "PNG", "status", "PENDING")
	j, err = c.ClaimJob(ctx, "good", "queue_gpu_1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, entity.StatusProcessing, j.Status())
	assert.Equal(t, "queue_gpu_1", j.QueueKey)
	assert.Equal(t, "PROCESSING", mr.HGet("good", "status"))
	assert.Equal(t, "gpu_1", mr.HGet("good", "worker"))
}

func TestPersistOnClose(t *testing.T) {
	idx := &recordingIndexer{err: errors.New("index down")}
	c, mr := newCoordinator(t, CoordinatorConfig{Worker: "gpu_1"}, idx)
	ctx := context.Background()

	mr.HSet("job1", "type", "TXT2IMG", "payload", `{"prompt":"cat","negative_prompt":"dog"}`, "status", "PENDING")
	j, err := c.ClaimJob(ctx, "job1", "queue")
	require.NoError(t, err)
	require.NotNil(t, j)

	require.True(t, j.Generate(ctx))
	require.True(t, j.Postprocess(ctx))
	j.DumpResult("images", entity.String("https://cdn.test/job1.webp"), true, false)
	j.Close(ctx, false)

	assert.Equal(t, "DONE", mr.HGet("job1", "status"))
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(mr.HGet("job1", "result")), &result))
	assert.Equal(t, "queue", result["queue"])
	assert.NotContains(t, result, "error")

	require.Len(t, idx.docs, 1)
	doc := idx.docs[0]
	assert.Equal(t, "cat", doc.Prompt)
	assert.Equal(t, "dog", doc.NegativePrompt)
	assert.Equal(t, []string{"https://cdn.test/job1.webp"}, doc.Images)
	assert.Equal(t, entity.StatusDone, doc.Status)
	assert.Equal(t, "gpu_1", doc.Worker)
}

func TestFlushAndClose(t *testing.T) {
	c, mr := newCoordinator(t, CoordinatorConfig{Worker: "gpu_1"})
	ctx := context.Background()

	mr.RPush("queue_gpu_1", "a")
	mr.RPush("queue", "b")
	require.NoError(t, c.FlushQueue(ctx))
	assert.False(t, mr.Exists("queue_gpu_1"))
	assert.True(t, mr.Exists("queue"))

	mr.RPush("command_gpu_1", "STOP")
	require.NoError(t, c.Close(ctx))
	assert.False(t, mr.Exists("worker_gpu_1"))
	assert.False(t, mr.Exists("command_gpu_1"))
	assert.True(t, mr.Exists("queue"))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
