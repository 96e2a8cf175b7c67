package logstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// NewMaintenanceScheduler builds a gocron scheduler that periodically trims
// store down to maxLen and, for a SQLiteStore, runs PRAGMA optimize. It
// adapts the teacher's taskManager retention-service pattern (a job
// wrapping a repository's delete-then-Optimize call) to a bot process that
// has no fixed daily maintenance window, so a duration-based job replaces
// the original's daily cron time.
//
// The caller is responsible for calling Start on the returned scheduler and
// Shutdown when done; NewMaintenanceScheduler only registers the job.
func NewMaintenanceScheduler(store Store, maxLen int, interval time.Duration) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("logstore: create maintenance scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { runMaintenance(store, maxLen) }),
	)
	if err != nil {
		return nil, fmt.Errorf("logstore: register maintenance job: %w", err)
	}
	return s, nil
}

func runMaintenance(store Store, maxLen int) {
	ctx := context.Background()
	n, err := store.Trim(ctx, maxLen)
	if err != nil {
		slog.Error("maintenance: trim failed", "error", err)
	} else if n > 0 {
		slog.Info("maintenance: trimmed store", "removed", n)
	}

	if sq, ok := store.(*SQLiteStore); ok {
		if err := sq.optimize(ctx); err != nil {
			slog.Warn("maintenance: optimize failed", "error", err)
		}
	}
}
