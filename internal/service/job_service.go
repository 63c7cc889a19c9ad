package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"image-worker/internal/entity"
	"image-worker/internal/pipeline"
)

var ErrInvalidJob = errors.New("invalid job")

// JobRepository is implemented by redisjob.JobRepository.
type JobRepository interface {
	Create(ctx context.Context, rec entity.JobRecord) error
	GetByID(ctx context.Context, id string) (*entity.JobRecord, error)
}

// JobQueue only pushes ids.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, target Target) error
}

type JobService struct {
	repo  JobRepository
	queue JobQueue
}

func NewJobService(repo JobRepository, queue JobQueue) *JobService {
	return &JobService{repo: repo, queue: queue}
}

type CreateJobRequest struct {
	Type        entity.JobType
	Payload     json.RawMessage
	Format      entity.ImageFormat
	Postprocess json.RawMessage
	Webhook     *entity.Webhook
	Tag         string
	Target      Target
}

// CreateJob validates the request, writes a PENDING record and queues its id.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (string, error) {
	req.Type = entity.JobType(strings.ToUpper(string(req.Type)))
	if !req.Type.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidJob, req.Type)
	}
	if req.Format == "" {
		req.Format = entity.DefaultFormat
	}
	req.Format = entity.ImageFormat(strings.ToUpper(string(req.Format)))
	if !req.Format.Valid() {
		return "", fmt.Errorf("%w: unknown format %q", ErrInvalidJob, req.Format)
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if _, err := entity.ParseMap(req.Payload); err != nil {
		return "", fmt.Errorf("%w: payload: %v", ErrInvalidJob, err)
	}
	if _, err := pipeline.ParseSteps(req.Postprocess); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	rec := entity.JobRecord{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Payload:     req.Payload,
		Format:      req.Format,
		Postprocess: req.Postprocess,
		Status:      entity.StatusPending,
		Tag:         req.Tag,
	}
	if req.Webhook != nil && req.Webhook.URL != "" {
		wh, err := json.Marshal(req.Webhook)
		if err != nil {
			return "", err
		}
		rec.Webhook = wh
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		return "", err
	}
	if err := s.queue.Enqueue(ctx, rec.ID, req.Target); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *JobService) GetJob(ctx context.Context, id string) (*entity.JobRecord, error) {
	return s.repo.GetByID(ctx, id)
}
