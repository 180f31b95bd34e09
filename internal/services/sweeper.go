package services

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/coursebridge/completion-backend/internal/clients/redis"
	"github.com/coursebridge/completion-backend/internal/logger"
	"github.com/coursebridge/completion-backend/internal/repos"
)

const cleanupLockKey = "completion:cleanup:lock"

// Sweeper removes resolved staleness records past the retention horizon.
// Unresolved and live-claimed records are never touched, so pending work and
// crash-recovery state survive any sweep. Orphaned aggregate rows for blocks
// removed from a course are left in place; they are overwritten or ignored,
// never read back into results.
type Sweeper struct {
	log       *logger.Logger
	staleRepo repos.StaleCompletionRepo
	locker    *redisclient.Locker
	retention time.Duration
}

func NewSweeper(baseLog *logger.Logger, staleRepo repos.StaleCompletionRepo, locker *redisclient.Locker, retention time.Duration) *Sweeper {
	return &Sweeper{
		log:       baseLog.With("service", "Sweeper"),
		staleRepo: staleRepo,
		locker:    locker,
		retention: retention,
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx, cleanupLockKey, time.Minute)
		if err != nil {
			s.log.Warn("Cleanup lock unavailable, proceeding", "error", err)
		} else if !ok {
			s.log.Info("Cleanup is already running. Exiting.")
			return 0, nil
		} else {
			defer s.locker.Release(ctx, cleanupLockKey)
		}
	}

	horizon := time.Now().Add(-s.retention)
	deleted, err := s.staleRepo.DeleteResolvedBefore(ctx, nil, horizon)
	if err != nil {
		return 0, fmt.Errorf("delete resolved stale completions: %w", err)
	}
	if deleted > 0 {
		s.log.Info("Swept resolved stale completions", "deleted", deleted, "horizon", horizon)
	}
	return deleted, nil
}
