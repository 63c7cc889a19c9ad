package worker

import (
	"context"
	"log/slog"

	"image-worker/internal/entity"
)

func (l *Loop) handleCommand(ctx context.Context, payload string) {
	cmd, ok := entity.ParseCommand(payload)
	if !ok {
		l.logger.Warn("unknown command", slog.String("command", payload))
		return
	}
	l.logger.Info("received command", slog.String("command", string(cmd)))

	switch cmd {
	case entity.CommandStop:
		l.Shutdown()
	case entity.CommandRestartBackend:
		l.Recover(ctx)
	case entity.CommandFlushQueue:
		if err := l.coord.FlushQueue(ctx); err != nil {
			l.logger.Error("failed to flush queue", slog.Any("error", err))
		}
	}
}
