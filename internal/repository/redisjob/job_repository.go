// Package redisjob stores job records as Redis hashes keyed by job id.
package redisjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"image-worker/internal/entity"
)

var (
	ErrNotFound = errors.New("job record not found")
	ErrFinished = errors.New("job record already finished")
)

const (
	FieldType        = "type"
	FieldPayload     = "payload"
	FieldFormat      = "format"
	FieldPostprocess = "postprocess"
	FieldWebhook     = "webhook"
	FieldStatus      = "status"
	FieldWorker      = "worker"
	FieldTag         = "tag"
	FieldCreatedAt   = "created_at"
	FieldUpdatedAt   = "updated_at"
	FieldResult      = "result"
)

// claimScript marks the record PROCESSING and returns it in one round trip.
// Missing records return an empty reply; finished ones return the status.
var claimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return {}
end
local status = redis.call("HGET", KEYS[1], "status")
if status == "DONE" or status == "FAILED" then
	return status
end
redis.call("HSET", KEYS[1], "status", "PROCESSING", "worker", ARGV[1], "updated_at", ARGV[2])
return redis.call("HGETALL", KEYS[1])
`)

type JobRepository struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewJobRepository(rdb redis.Cmdable) *JobRepository {
	return &JobRepository{rdb: rdb, now: time.Now}
}

// Create writes a new PENDING record.
func (r *JobRepository) Create(ctx context.Context, rec entity.JobRecord) error {
	if rec.ID == "" {
		return errors.New("redisjob: id is required")
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage(`{}`)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	if rec.Status == "" {
		rec.Status = entity.StatusPending
	}

	fields := []any{
		FieldType, string(rec.Type),
		FieldPayload, string(rec.Payload),
		FieldFormat, string(rec.Format),
		FieldStatus, string(rec.Status),
		FieldCreatedAt, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(rec.Postprocess) > 0 {
		fields = append(fields, FieldPostprocess, string(rec.Postprocess))
	}
	if len(rec.Webhook) > 0 {
		fields = append(fields, FieldWebhook, string(rec.Webhook))
	}
	if rec.Tag != "" {
		fields = append(fields, FieldTag, rec.Tag)
	}
	return r.rdb.HSet(ctx, rec.ID, fields...).Err()
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*entity.JobRecord, error) {
	fields, err := r.rdb.HGetAll(ctx, id).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rec := r.decode(id, fields)
	return &rec, nil
}

// Claim atomically moves the record to PROCESSING under worker and returns
// it. Finished records are left untouched and reported with ErrFinished.
func (r *JobRepository) Claim(ctx context.Context, id, worker string) (*entity.JobRecord, error) {
	now := r.now().UTC().Format(time.RFC3339Nano)
	reply, err := claimScript.Run(ctx, r.rdb, []string{id}, worker, now).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}

	switch v := reply.(type) {
	case string:
		return nil, fmt.Errorf("claim %s: status %s: %w", id, v, ErrFinished)
	case []any:
		if len(v) == 0 {
			return nil, ErrNotFound
		}
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[k] = val
		}
		rec := r.decode(id, fields)
		return &rec, nil
	}
	return nil, ErrNotFound
}

// Finish writes the terminal status and encoded result in one HSET.
func (r *JobRepository) Finish(ctx context.Context, id string, status entity.JobStatus, result []byte) error {
	return r.rdb.HSet(ctx, id,
		FieldStatus, string(status),
		FieldResult, string(result),
		FieldUpdatedAt, r.now().UTC().Format(time.RFC3339Nano),
	).Err()
}

// Fail marks a record that could not be turned into a job.
func (r *JobRepository) Fail(ctx context.Context, id string, cause error) error {
	result, err := json.Marshal(map[string]string{"error": cause.Error()})
	if err != nil {
		return err
	}
	return r.Finish(ctx, id, entity.StatusFailed, result)
}

func (r *JobRepository) decode(id string, f map[string]string) entity.JobRecord {
	rec := entity.JobRecord{
		ID:     id,
		Type:   entity.JobType(strings.ToUpper(f[FieldType])),
		Format: entity.ImageFormat(strings.ToUpper(f[FieldFormat])),
		Status: entity.JobStatus(f[FieldStatus]),
		Worker: f[FieldWorker],
		Tag:    f[FieldTag],
	}
	if v := f[FieldPayload]; v != "" {
		rec.Payload = json.RawMessage(v)
	}
	if v := f[FieldPostprocess]; v != "" {
		rec.Postprocess = json.RawMessage(v)
	}
	if v := f[FieldWebhook]; v != "" {
		rec.Webhook = json.RawMessage(v)
	}
	if v := f[FieldResult]; v != "" {
		rec.Result = json.RawMessage(v)
	}
	rec.CreatedAt = parseTime(f[FieldCreatedAt], r.now())
	rec.UpdatedAt = parseTime(f[FieldUpdatedAt], time.Time{})
	return rec
}

// parseTime accepts RFC 3339 or unix seconds, falling back to def.
func parseTime(s string, def time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
	}
	return def
}
