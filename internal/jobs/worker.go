package jobs

import (
	"context"
	"time"

	"github.com/coursebridge/completion-backend/internal/logger"
	"github.com/coursebridge/completion-backend/internal/repos"
	"github.com/coursebridge/completion-backend/internal/services"
)

// Config bounds one worker's periodic processing.
type Config struct {
	AggregationInterval time.Duration
	CleanupInterval     time.Duration
	BatchSize           int
	ClaimTTL            time.Duration
}

// Worker periodically drives the coordinator and the sweeper. It is the
// stand-in for an external scheduler; running several workers against the
// same database is safe because claims serialize the actual work.
type Worker struct {
	log         *logger.Logger
	coordinator *services.Coordinator
	sweeper     *services.Sweeper
	staleRepo   repos.StaleCompletionRepo
	cfg         Config
}

func NewWorker(baseLog *logger.Logger, coordinator *services.Coordinator, sweeper *services.Sweeper, staleRepo repos.StaleCompletionRepo, cfg Config) *Worker {
	return &Worker{
		log:         baseLog.With("component", "AggregationWorker"),
		coordinator: coordinator,
		sweeper:     sweeper,
		staleRepo:   staleRepo,
		cfg:         cfg,
	}
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		aggTicker := time.NewTicker(w.cfg.AggregationInterval)
		defer aggTicker.Stop()
		cleanupTicker := time.NewTicker(w.cfg.CleanupInterval)
		defer cleanupTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-aggTicker.C:
				w.runAggregation(ctx)
			case <-cleanupTicker.C:
				w.runCleanup(ctx)
			}
		}
	}()
}

func (w *Worker) runAggregation(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Aggregation run panic", "panic", r)
		}
	}()

	released, err := w.staleRepo.ReleaseExpired(ctx, nil)
	if err != nil {
		w.log.Warn("ReleaseExpired failed", "error", err)
	} else if released > 0 {
		w.log.Warn("Released expired claims from a dead worker", "count", released)
	}

	stats, err := w.coordinator.RunOnce(ctx, w.cfg.BatchSize, w.cfg.ClaimTTL)
	if err != nil {
		w.log.Error("Aggregation run failed", "error", err, "claimed", stats.Claimed, "failed", stats.Failed)
		return
	}
	if stats.Claimed > 0 {
		w.log.Info("Aggregation run finished",
			"claimed", stats.Claimed, "processed", stats.Processed, "failed", stats.Failed)
	}
}

func (w *Worker) runCleanup(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Cleanup run panic", "panic", r)
		}
	}()
	if _, err := w.sweeper.Sweep(ctx); err != nil {
		w.log.Error("Cleanup run failed", "error", err)
	}
}
