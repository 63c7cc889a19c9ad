package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"image-worker/internal/entity"
	"image-worker/internal/repository/redisjob"
	"image-worker/internal/service"
)

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type StateReader interface {
	WorkerState(ctx context.Context, worker string) (*entity.WorkerState, error)
}

type Handler struct {
	jobSvc *service.JobService
	health HealthChecker
	states StateReader
	worker string
	logger *slog.Logger
}

func NewHandler(jobSvc *service.JobService, health HealthChecker, states StateReader, worker string, logger *slog.Logger) *Handler {
	return &Handler{jobSvc: jobSvc, health: health, states: states, worker: worker, logger: logger}
}

type healthResp struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health probes the inference backends.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.health.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResp{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResp{Status: "ok"})
}

// Status returns this worker's heartbeat record.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	state, err := h.states.WorkerState(r.Context(), h.worker)
	if errors.Is(err, redis.Nil) {
		writeErr(w, http.StatusNotFound, "worker status expired")
		return
	}
	if err != nil {
		h.logger.Error("read worker status", slog.Any("error", err))
		writeErr(w, http.StatusInternalServerError, "failed to read worker status")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type createJobDTO struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Format      string          `json:"format,omitempty"`
	Postprocess json.RawMessage `json:"postprocess,omitempty"`
	Webhook     *entity.Webhook `json:"webhook,omitempty"`
	Tag         string          `json:"tag,omitempty"`
	Worker      string          `json:"worker,omitempty"`
	Group       string          `json:"group,omitempty"`
}

type createJobResp struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

type jobResp struct {
	ID          string           `json:"id"`
	Type        entity.JobType   `json:"type"`
	Status      entity.JobStatus `json:"status"`
	Format      string           `json:"format,omitempty"`
	Worker      string           `json:"worker,omitempty"`
	Tag         string           `json:"tag,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Postprocess json.RawMessage  `json:"postprocess,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	CreatedAt   string           `json:"created_at,omitempty"`
	UpdatedAt   string           `json:"updated_at,omitempty"`
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := readJSON(w, r, &dto); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	target := service.Target{Worker: dto.Worker, Group: dto.Group}
	id, err := h.jobSvc.CreateJob(r.Context(), service.CreateJobRequest{
		Type:        entity.JobType(dto.Type),
		Payload:     dto.Payload,
		Format:      entity.ImageFormat(dto.Format),
		Postprocess: dto.Postprocess,
		Webhook:     dto.Webhook,
		Tag:         dto.Tag,
		Target:      target,
	})
	if errors.Is(err, service.ErrInvalidJob) {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("create job", slog.Any("error", err))
		writeErr(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusCreated, createJobResp{ID: id, Queue: target.Key()})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	resp := jobResp{
		ID:          rec.ID,
		Type:        rec.Type,
		Status:      rec.Status,
		Format:      string(rec.Format),
		Worker:      rec.Worker,
		Tag:         rec.Tag,
		Payload:     validJSON(rec.Payload),
		Postprocess: validJSON(rec.Postprocess),
		CreatedAt:   formatTime(rec.CreatedAt),
		UpdatedAt:   formatTime(rec.UpdatedAt),
	}
	if rec.Status.Terminal() {
		resp.Result = validJSON(rec.Result)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJobResult returns the stored result verbatim once the job is DONE or
// FAILED.
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if !rec.Status.Terminal() {
		writeErr(w, http.StatusConflict, "job not finished")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Result)
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*entity.JobRecord, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return nil, false
	}

	rec, err := h.jobSvc.GetJob(r.Context(), id)
	if errors.Is(err, redisjob.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("get job", slog.String("job_id", id), slog.Any("error", err))
		writeErr(w, http.StatusInternalServerError, "failed to read job")
		return nil, false
	}
	return rec, true
}

func validJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
