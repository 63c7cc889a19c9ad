package worker

import (
	"context"
	"log/slog"
	"time"
)

// processJob claims and runs one job. A failed generate or postprocess is
// taken as a sign of a broken backend and triggers recovery.
func (l *Loop) processJob(ctx context.Context, jobID, queueKey string) {
	start := time.Now()
	logger := l.logger.With(slog.String("job_id", jobID), slog.String("queue", queueKey))
	logger.Info("received job")

	j, err := l.coord.ClaimJob(ctx, jobID, queueKey)
	if err != nil {
		logger.Error("failed to claim job", slog.Any("error", err))
		return
	}
	if j == nil {
		logger.Warn("no job to run")
		return
	}

	if !j.Generate(ctx) {
		l.Recover(ctx)
		return
	}
	if !j.Postprocess(ctx) {
		l.Recover(ctx)
		return
	}
	j.Close(ctx, false)

	logger.Info("job finished",
		slog.String("status", string(j.Status())),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
}
