package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"image-worker/internal/entity"
	"image-worker/internal/job"
	"image-worker/internal/repository/redisjob"
)

const DefaultStatusTTL = 30 * time.Minute

// JobStore is the job-record side of the coordination store.
type JobStore interface {
	Claim(ctx context.Context, id, worker string) (*entity.JobRecord, error)
	Finish(ctx context.Context, id string, status entity.JobStatus, result []byte) error
	Fail(ctx context.Context, id string, cause error) error
}

// Indexer receives one document per closed job. Failures never fail the job.
type Indexer interface {
	Name() string
	Index(ctx context.Context, doc entity.JobDocument) error
}

type CoordinatorConfig struct {
	Worker        string
	Groups        []string
	ExcludeGlobal bool
	// ReloadGroups reads membership from queue:config, falling back to Groups.
	ReloadGroups bool
	StatusTTL    time.Duration
	Version      string
}

// Coordinator is the worker's single point of contact with Redis: status
// heartbeat, signal wait, job claim and result persistence.
type Coordinator struct {
	rdb       *redis.Client
	jobs      JobStore
	keys      Keys
	statusTTL time.Duration
	version   string
	jobDeps   job.Deps
	indexers  []Indexer
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoordinator computes the key layout, clears stale commands and
// publishes INITIAL.
func NewCoordinator(ctx context.Context, rdb *redis.Client, jobs JobStore, cfg CoordinatorConfig, deps job.Deps, logger *slog.Logger, indexers ...Indexer) (*Coordinator, error) {
	if NormalizeName(cfg.Worker) == "" {
		return nil, errors.New("coordinator: worker name is required")
	}

	groups := cfg.Groups
	if cfg.ReloadGroups {
		loaded, err := LoadGroups(ctx, rdb, cfg.Worker)
		if err != nil {
			logger.Warn("using static queue groups", slog.Any("error", err), slog.Any("groups", cfg.Groups))
		} else {
			groups = loaded
		}
	}

	ttl := cfg.StatusTTL
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	c := &Coordinator{
		rdb:       rdb,
		jobs:      jobs,
		keys:      NewKeys(cfg.Worker, groups, !cfg.ExcludeGlobal),
		statusTTL: ttl,
		version:   cfg.Version,
		jobDeps:   deps,
		indexers:  indexers,
		logger:    logger,
		now:       time.Now,
	}
	c.jobDeps.Worker = c.keys.Worker
	c.jobDeps.OnClose = c.Persist

	logger.Info("coordinator registered",
		slog.String("worker", c.keys.Worker),
		slog.Any("queues", c.keys.Queues()),
	)

	if err := rdb.Del(ctx, c.keys.Command).Err(); err != nil {
		return nil, fmt.Errorf("clear command key: %w", err)
	}
	if err := c.UpdateStatus(ctx, entity.WorkerInitial); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) Keys() Keys { return c.keys }

// UpdateStatus rewrites the heartbeat record with a fresh expiry.
func (c *Coordinator) UpdateStatus(ctx context.Context, status entity.WorkerStatus) error {
	state := entity.WorkerState{
		Worker:    c.keys.Worker,
		Status:    status,
		Version:   c.version,
		Queues:    c.keys.Queues(),
		UpdatedAt: c.now().UTC(),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := c.rdb.SetEx(ctx, c.keys.Status, data, c.statusTTL).Err(); err != nil {
		return fmt.Errorf("update status %s: %w", status, err)
	}
	return nil
}

// WaitSignal publishes STANDBY and blocks on the watched keys for at most
// timeout. A nil signal means the wait timed out.
func (c *Coordinator) WaitSignal(ctx context.Context, timeout time.Duration) (*entity.QueueSignal, error) {
	if err := c.UpdateStatus(ctx, entity.WorkerStandby); err != nil {
		return nil, err
	}

	res, err := c.rdb.BLPop(ctx, timeout, c.keys.Watch()...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("wait signal: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("wait signal: unexpected reply %v", res)
	}
	return ClassifySignal(c.keys.Command, res[0], res[1])
}

// ClassifySignal maps a popped key to a signal kind.
func ClassifySignal(commandKey, key, payload string) (*entity.QueueSignal, error) {
	switch {
	case key == commandKey:
		return &entity.QueueSignal{Kind: entity.SignalCommand, Payload: payload, SourceKey: key}, nil
	case key == GlobalQueueKey || strings.HasPrefix(key, queuePrefix):
		return &entity.QueueSignal{Kind: entity.SignalJob, Payload: payload, SourceKey: key}, nil
	}
	return nil, &ProtocolError{Key: key, Payload: payload}
}

// ClaimJob marks the record PROCESSING and builds the Job. It returns a nil
// job when the record is gone, already finished or invalid; only store
// errors are returned.
func (c *Coordinator) ClaimJob(ctx context.Context, jobID, queueKey string) (*job.Job, error) {
	logger := c.logger.With(slog.String("job_id", jobID), slog.String("queue", queueKey))

	rec, err := c.jobs.Claim(ctx, jobID, c.keys.Worker)
	switch {
	case errors.Is(err, redisjob.ErrNotFound):
		logger.Error("job not found")
		return nil, nil
	case errors.Is(err, redisjob.ErrFinished):
		logger.Warn("job already finished", slog.Any("error", err))
		return nil, nil
	case err != nil:
		return nil, err
	}

	j, err := job.New(*rec, queueKey, c.jobDeps)
	if err != nil {
		logger.Error("failed to create job", slog.Any("error", err))
		if ferr := c.jobs.Fail(ctx, jobID, err); ferr != nil {
			logger.Error("failed to mark job failed", slog.Any("error", ferr))
		}
		return nil, nil
	}
	return j, nil
}

// Persist writes the final status and result. It is the close callback of
// every job this coordinator claims.
func (c *Coordinator) Persist(ctx context.Context, j *job.Job) {
	logger := c.logger.With(slog.String("job_id", j.ID))

	status := j.Status()
	result, err := json.Marshal(j.Result())
	if err != nil {
		logger.Error("failed to encode result", slog.Any("error", err))
		status = entity.StatusFailed
		result, _ = json.Marshal(job.ErrorResult(err))
	}

	if err := c.jobs.Finish(ctx, j.ID, status, result); err != nil {
		logger.Error("failed to persist job", slog.Any("error", err))
	}

	if len(c.indexers) == 0 {
		return
	}
	doc := BuildDocument(j, status)
	for _, idx := range c.indexers {
		if err := idx.Index(ctx, doc); err != nil {
			logger.Warn("index failed", slog.String("index", idx.Name()), slog.Any("error", err))
		}
	}
}

// FlushQueue drops every job waiting in this worker's private queue.
func (c *Coordinator) FlushQueue(ctx context.Context) error {
	return c.rdb.Del(ctx, c.keys.Private).Err()
}

// Close removes the worker's keys and releases the connection.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.rdb.Del(ctx, c.keys.Status, c.keys.Command, c.keys.Private).Err()
	return errors.Join(err, c.rdb.Close())
}
