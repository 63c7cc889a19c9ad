// Package worker drives one worker process: backend health, signal wait,
// command handling and job dispatch.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"image-worker/internal/entity"
	"image-worker/internal/job"
	"image-worker/internal/service"
)

const (
	DefaultWaitTimeout         = 5 * time.Second
	DefaultDisconnectedDelay   = 5 * time.Second
	DefaultRestartGrace        = 3 * time.Second
	DefaultRestartPollInterval = 5 * time.Second
	DefaultErrorBackoff        = time.Second
)

type Coordinator interface {
	UpdateStatus(ctx context.Context, status entity.WorkerStatus) error
	WaitSignal(ctx context.Context, timeout time.Duration) (*entity.QueueSignal, error)
	ClaimJob(ctx context.Context, jobID, queueKey string) (*job.Job, error)
	FlushQueue(ctx context.Context) error
}

// Backend is the inference engine as seen by the loop.
type Backend interface {
	HealthCheck(ctx context.Context) error
	Restart(ctx context.Context) error
}

type Config struct {
	WaitTimeout         time.Duration
	DisconnectedDelay   time.Duration
	RestartGrace        time.Duration
	RestartPollInterval time.Duration
	// ErrorBackoff is the pause after a failed signal wait.
	ErrorBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.DisconnectedDelay <= 0 {
		c.DisconnectedDelay = DefaultDisconnectedDelay
	}
	if c.RestartGrace < 0 {
		c.RestartGrace = 0
	}
	if c.RestartPollInterval <= 0 {
		c.RestartPollInterval = DefaultRestartPollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	return c
}

type Loop struct {
	coord   Coordinator
	backend Backend
	cfg     Config
	logger  *slog.Logger

	stop         atomic.Bool
	disconnected bool

	sleep func(ctx context.Context, d time.Duration) error
}

func NewLoop(coord Coordinator, backend Backend, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		coord:   coord,
		backend: backend,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Shutdown asks the loop to exit at the next iteration boundary. A job in
// flight runs to completion first. Safe to call from a signal handler.
func (l *Loop) Shutdown() { l.stop.Store(true) }

func (l *Loop) Stopping() bool { return l.stop.Load() }

// Run loops until Shutdown, a STOP command or ctx cancellation. Only a
// protocol violation is returned as an error.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("worker loop started")
	defer l.logger.Info("worker loop stopped")

	for !l.stop.Load() && ctx.Err() == nil {
		if err := l.iterate(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) iterate(ctx context.Context) error {
	if err := l.backend.HealthCheck(ctx); err != nil {
		if !l.disconnected {
			l.logger.Error("backend is not alive, waiting", slog.Any("error", err))
			l.disconnected = true
		}
		l.publish(ctx, entity.WorkerDisconnected)
		_ = l.sleep(ctx, l.cfg.DisconnectedDelay)
		return nil
	}
	if l.disconnected {
		l.logger.Info("backend is alive")
		l.disconnected = false
	}

	sig, err := l.coord.WaitSignal(ctx, l.cfg.WaitTimeout)
	if err != nil {
		var perr *service.ProtocolError
		if errors.As(err, &perr) {
			return err
		}
		l.logger.Error("failed to wait signal", slog.Any("error", err))
		_ = l.sleep(ctx, l.cfg.ErrorBackoff)
		return nil
	}
	if sig == nil {
		return nil
	}

	l.publish(ctx, entity.WorkerProcessing)
	switch sig.Kind {
	case entity.SignalCommand:
		l.handleCommand(ctx, sig.Payload)
	case entity.SignalJob:
		l.processJob(ctx, sig.Payload, sig.SourceKey)
	}
	return nil
}

func (l *Loop) publish(ctx context.Context, status entity.WorkerStatus) {
	if err := l.coord.UpdateStatus(ctx, status); err != nil {
		l.logger.Warn("failed to publish status", slog.String("status", string(status)), slog.Any("error", err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
