package redisjob

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-worker/internal/entity"
)

func newRepo(t *testing.T) (*JobRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := NewJobRepository(rdb)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }
	return repo, mr
}

func TestCreateAndGet(t *testing.T) {
	repo, mr := newRepo(t)
	ctx := context.Background()

	err := repo.Create(ctx, entity.JobRecord{
		ID:          "job1",
		Type:        entity.JobTypeTxt2Img,
		Payload:     json.RawMessage(`{"prompt":"cat"}`),
		Format:      entity.FormatPNG,
		Postprocess: json.RawMessage(`[{"type":"WATERMARK"}]`),
		Tag:         "demo",
	})
	require.NoError(t, err)
	assert.Equal(t, "PENDING", mr.HGet("job1", FieldStatus))
	assert.Empty(t, mr.HGet("job1", FieldWebhook))

	rec, err := repo.GetByID(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, entity.JobTypeTxt2Img, rec.Type)
	assert.Equal(t, entity.FormatPNG, rec.Format)
	assert.JSONEq(t, `{"prompt":"cat"}`, string(rec.Payload))
	assert.Equal(t, "demo", rec.Tag)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), rec.CreatedAt)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaim(t *testing.T) {
	repo, mr := newRepo(t)
	ctx := context.Background()

	mr.HSet("job1", FieldType, "txt2img", FieldPayload, `{}`, FieldStatus, "PENDING", FieldCreatedAt, "1700000000")

	rec, err := repo.Claim(ctx, "job1", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, entity.JobTypeTxt2Img, rec.Type)
	assert.Equal(t, entity.StatusProcessing, rec.Status)
	assert.Equal(t, "worker-1", rec.Worker)
	assert.Equal(t, int64(1700000000), rec.CreatedAt.Unix())
	assert.Equal(t, "PROCESSING", mr.HGet("job1", FieldStatus))
	assert.Equal(t, "worker-1", mr.HGet("job1", FieldWorker))

	_, err = repo.Claim(ctx, "nope", "worker-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimFinishedRecord(t *testing.T) {
	repo, mr := newRepo(t)
	mr.HSet("job1", FieldType, "TXT2IMG", FieldStatus, "DONE")

	_, err := repo.Claim(context.Background(), "job1", "worker-2")
	assert.True(t, errors.Is(err, ErrFinished))
	assert.Equal(t, "DONE", mr.HGet("job1", FieldStatus))
	assert.Empty(t, mr.HGet("job1", FieldWorker))
}

func TestClaimDefaultsCreatedAtToNow(t *testing.T) {
	repo, mr := newRepo(t)
	mr.HSet("job1", FieldType, "EXTRA", FieldStatus, "PENDING")

	rec, err := repo.Claim(context.Background(), "job1", "w")
	require.NoError(t, err)
	assert.Equal(t, repo.now(), rec.CreatedAt)
}

func TestFinishAndFail(t *testing.T) {
	repo, mr := newRepo(t)
	ctx := context.Background()
	mr.HSet("job1", FieldStatus, "PROCESSING")

	require.NoError(t, repo.Finish(ctx, "job1", entity.StatusDone, []byte(`{"images":["u"]}`)))
	assert.Equal(t, "DONE", mr.HGet("job1", FieldStatus))
	assert.Equal(t, `{"images":["u"]}`, mr.HGet("job1", FieldResult))
	assert.NotEmpty(t, mr.HGet("job1", FieldUpdatedAt))

	require.NoError(t, repo.Fail(ctx, "job2", errors.New("bad payload")))
	assert.Equal(t, "FAILED", mr.HGet("job2", FieldStatus))
	assert.JSONEq(t, `{"error":"bad payload"}`, mr.HGet("job2", FieldResult))
}

func TestParseTime(t *testing.T) {
	def := time.Unix(1, 0)
	assert.Equal(t, def, parseTime("", def))
	assert.Equal(t, def, parseTime("yesterday", def))
	assert.Equal(t, int64(1700000000), parseTime("1700000000.5", def).Unix())
	assert.Equal(t, 2024, parseTime("2024-01-02T03:04:05Z", def).Year())
}
