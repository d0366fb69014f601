package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = time.Hour

// StartRetentionWorker periodically deletes tasks older than retention until
// ctx is cancelled.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration, logger *slog.Logger) {
	startRetentionWorker(ctx, repo, retention, retentionInterval, logger)
}

func startRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				pruneTasks(ctx, repo, retention, logger)
			case <-ctx.Done():
				logger.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func pruneTasks(ctx context.Context, repo Repository, retention time.Duration, logger *slog.Logger) int64 {
	deleted, err := repo.DeleteTasksBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Retention worker failed to delete old tasks", "error", err)
		}
		return 0
	}
	if deleted > 0 {
		logger.Info("Retention worker deleted old tasks", "count", deleted)
	}
	return deleted
}
