package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs the start and outcome of every
// stage attempt.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		logger.Debug("stage attempt started",
			slog.String("request_id", inv.RequestID.String()),
			slog.String("stage", inv.Stage.String()),
			slog.Int64("sequence", inv.Sequence),
			slog.Int("attempt", inv.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("stage attempt failed",
				slog.String("request_id", inv.RequestID.String()),
				slog.String("stage", inv.Stage.String()),
				slog.Int("attempt", inv.Attempt),
				slog.Int("max_attempts", inv.MaxAttempts),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("stage attempt succeeded",
				slog.String("request_id", inv.RequestID.String()),
				slog.String("stage", inv.Stage.String()),
				slog.Int("attempt", inv.Attempt),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
