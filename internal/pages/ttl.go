package pages

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/linkgate/internal/shared"
	"github.com/ashureev/linkgate/internal/store"
)

// DefaultSweepInterval is how often the TTL worker runs.
const DefaultSweepInterval = time.Minute

// StartTTLWorker runs a background goroutine that periodically closes idle
// pages and deletes expired host sessions and stale login attempts.
func StartTTLWorker(ctx context.Context, reg *Registry, repo store.Repository, interval, loginTTL time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "page_idle_ttl", reg.idleTTL)

		for {
			select {
			case <-ticker.C:
				cleanup(ctx, reg, repo, loginTTL)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func cleanup(ctx context.Context, reg *Registry, repo store.Repository, loginTTL time.Duration) {
	now := time.Now()
	if closed := reg.Sweep(now); closed > 0 {
		slog.Info("TTL worker closed idle pages", "count", closed, "live", reg.Len())
	}

	var sessions int64
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "delete_expired_host_sessions", func() error {
		var err error
		sessions, err = repo.DeleteExpiredHostSessions(ctx, now)
		return err
	})
	if err != nil {
		slog.Warn("TTL worker failed to delete expired host sessions", "error", err)
	} else if sessions > 0 {
		slog.Info("TTL worker deleted expired host sessions", "count", sessions)
	}

	var attempts int64
	err = shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "cleanup_login_attempts", func() error {
		var err error
		attempts, err = repo.CleanupLoginAttempts(ctx, loginTTL)
		return err
	})
	if err != nil {
		slog.Warn("TTL worker failed to clean up login attempts", "error", err)
	} else if attempts > 0 {
		slog.Info("TTL worker cleaned up login attempts", "count", attempts)
	}
}
