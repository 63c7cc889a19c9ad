package worker

import (
	"context"
	"log/slog"

	"image-worker/internal/entity"
)

// Recover restarts the backends and blocks until every one answers its
// health probe. The first probe runs without delay, so a backend that comes
// straight back costs only the restart grace period.
func (l *Loop) Recover(ctx context.Context) {
	l.publish(ctx, entity.WorkerRestart)
	l.logger.Warn("restarting backend")

	if err := l.backend.Restart(ctx); err != nil {
		// A backend that is already down often drops the restart request.
		l.logger.Warn("restart request failed", slog.Any("error", err))
	} else if l.cfg.RestartGrace > 0 {
		if l.sleep(ctx, l.cfg.RestartGrace) != nil {
			return
		}
	}

	for {
		err := l.backend.HealthCheck(ctx)
		if err == nil {
			break
		}
		l.logger.Info("waiting for backend to restart", slog.Any("error", err))
		if l.sleep(ctx, l.cfg.RestartPollInterval) != nil {
			return
		}
	}
	l.logger.Info("backend restarted")
}
