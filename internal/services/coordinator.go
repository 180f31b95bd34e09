package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	redisclient "github.com/coursebridge/completion-backend/internal/clients/redis"
	"github.com/coursebridge/completion-backend/internal/completion"
	"github.com/coursebridge/completion-backend/internal/logger"
	pkgerrors "github.com/coursebridge/completion-backend/internal/pkg/errors"
	"github.com/coursebridge/completion-backend/internal/repos"
	"github.com/coursebridge/completion-backend/internal/types"
)

const aggregationLockKey = "completion:aggregation:lock"

// Coordinator drives asynchronous reaggregation: claim a batch of stale
// enrollments, recompute them course by course, persist, resolve. Safe to
// run from several workers at once; the staleness claim tokens are the
// mutual-exclusion mechanism, the redis lock only reduces wasted runs.
type Coordinator struct {
	db          *gorm.DB
	log         *logger.Logger
	staleRepo   repos.StaleCompletionRepo
	aggRepo     repos.AggregateRepo
	trees       completion.TreeProvider
	source      CompletionSource
	classifier  *completion.Classifier
	locker      *redisclient.Locker
	parallelism int
}

// RunStats summarizes one RunOnce invocation.
type RunStats struct {
	Claimed   int
	Processed int
	Failed    int
	Skipped   bool
}

func NewCoordinator(
	db *gorm.DB,
	baseLog *logger.Logger,
	staleRepo repos.StaleCompletionRepo,
	aggRepo repos.AggregateRepo,
	trees completion.TreeProvider,
	source CompletionSource,
	classifier *completion.Classifier,
	locker *redisclient.Locker,
	parallelism int,
) *Coordinator {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Coordinator{
		db:          db,
		log:         baseLog.With("service", "Coordinator"),
		staleRepo:   staleRepo,
		aggRepo:     aggRepo,
		trees:       trees,
		source:      source,
		classifier:  classifier,
		locker:      locker,
		parallelism: parallelism,
	}
}

// enrollmentWork is the unit of processing: one user in one course, with the
// union of that user's claimed staleness records.
type enrollmentWork struct {
	userID    uuid.UUID
	recordIDs []uuid.UUID
	changed   []string
	wholeTree bool
	force     bool
}

// RunOnce claims up to batchSize stale records and processes them, grouping
// by course so each tree is fetched once. Failures are isolated per
// enrollment: the unit is logged and its records stay claimed until the TTL
// expires, after which another run retries them. The returned error is
// non-nil only when the run as a whole achieved nothing despite having work.
func (c *Coordinator) RunOnce(ctx context.Context, batchSize int, claimTTL time.Duration) (RunStats, error) {
	var stats RunStats

	if c.locker != nil {
		ok, err := c.locker.Acquire(ctx, aggregationLockKey, claimTTL)
		if err != nil {
			c.log.Warn("Run lock unavailable, proceeding on claim tokens alone", "error", err)
		} else if !ok {
			// Another worker is mid-run; this is ErrClaimConflict
			// territory and deliberately not an error.
			c.log.Info("Aggregation is already running. Exiting.")
			stats.Skipped = true
			return stats, nil
		} else {
			defer c.locker.Release(ctx, aggregationLockKey)
		}
	}

	token, records, err := c.staleRepo.ClaimBatch(ctx, nil, batchSize, claimTTL)
	if err != nil {
		return stats, fmt.Errorf("claim batch: %w", err)
	}
	if len(records) == 0 {
		return stats, nil
	}
	stats.Claimed = len(records)
	c.log.Info("Claimed stale completions", "count", len(records), "claim_token", token)

	byCourse := groupByCourse(records)

	var mu sync.Mutex
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(c.parallelism)
	for courseKey, work := range byCourse {
		grp.Go(func() error {
			processed, failed := c.processCourse(grpCtx, courseKey, work)
			mu.Lock()
			stats.Processed += processed
			stats.Failed += failed
			mu.Unlock()
			return nil
		})
	}
	_ = grp.Wait()

	if stats.Processed == 0 && stats.Failed > 0 {
		return stats, fmt.Errorf("aggregation run failed for all %d enrollments", stats.Failed)
	}
	return stats, nil
}

// processCourse fetches the course tree once and reaggregates every claimed
// enrollment in it. Returns (processed, failed) enrollment counts.
func (c *Coordinator) processCourse(ctx context.Context, courseKey string, work []*enrollmentWork) (int, int) {
	courseLog := c.log.With("course_key", courseKey)

	tree, err := c.trees.GetTree(ctx, courseKey)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrCourseNotFound) {
			// The course is gone; retrying forever helps nobody.
			// Resolve the records so they age out via the sweeper.
			courseLog.Warn("Course not found. Resolving its stale completions.", "enrollments", len(work))
			c.resolveAll(ctx, courseLog, work)
			return 0, 0
		}
		courseLog.Error("Failed to fetch course tree, leaving batch for retry", "error", err)
		return 0, len(work)
	}

	processed := 0
	failed := 0
	for _, unit := range work {
		if err := c.processEnrollment(ctx, tree, unit); err != nil {
			failed++
			courseLog.Error("Failed to reaggregate enrollment, leaving records for retry",
				"user_id", unit.userID, "error", err)
			continue
		}
		processed++
	}
	return processed, failed
}

func (c *Coordinator) processEnrollment(ctx context.Context, tree *completion.Tree, unit *enrollmentWork) error {
	leaves, err := c.source.GetLeafValues(ctx, unit.userID, tree.CourseKey)
	if err != nil {
		return fmt.Errorf("fetch leaf values: %w", err)
	}

	shortcut, err := c.shortcutValues(ctx, tree, unit)
	if err != nil {
		return err
	}

	results, err := completion.Aggregate(tree, leaves, c.classifier, shortcut)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}

	rows := make([]*types.Aggregate, 0, len(results))
	for blockKey, res := range results {
		node, ok := tree.Node(blockKey)
		if !ok {
			continue
		}
		rows = append(rows, &types.Aggregate{
			UserID:          unit.userID,
			CourseKey:       tree.CourseKey,
			BlockKey:        blockKey,
			AggregationName: node.BlockType,
			Earned:          res.Earned,
			Possible:        res.Possible,
			Percent:         res.Percent(),
			LastModified:    res.LastModified,
		})
	}
	if err := c.aggRepo.BulkUpsert(ctx, nil, rows); err != nil {
		return fmt.Errorf("persist aggregates: %w", err)
	}

	// Resolve strictly after persistence. A crash in between leaves the
	// records claimed-then-expired, and the recomputation is idempotent.
	if err := c.staleRepo.Resolve(ctx, nil, unit.recordIDs); err != nil {
		return fmt.Errorf("resolve stale completions: %w", err)
	}
	return nil
}

// shortcutValues builds the reuse set: stored results for aggregator blocks
// provably untouched by this enrollment's changed blocks. Whole-course
// marks, force marks, and changed blocks missing from the tree all disable
// shortcutting entirely.
func (c *Coordinator) shortcutValues(ctx context.Context, tree *completion.Tree, unit *enrollmentWork) (map[string]completion.Result, error) {
	if unit.wholeTree || unit.force || len(unit.changed) == 0 {
		return nil, nil
	}
	affected, known := completion.AffectedAggregators(tree, unit.changed)
	if !known {
		return nil, nil
	}
	stored, err := c.aggRepo.GetByUserAndCourse(ctx, nil, unit.userID, tree.CourseKey)
	if err != nil {
		return nil, fmt.Errorf("fetch stored aggregates: %w", err)
	}
	shortcut := make(map[string]completion.Result)
	for _, row := range stored {
		if affected[row.BlockKey] {
			continue
		}
		node, ok := tree.Node(row.BlockKey)
		if !ok {
			continue
		}
		mode, err := c.classifier.Classify(node.BlockType)
		if err != nil || mode != completion.ModeAggregator {
			// Leaves are cheap to recompute and excluded blocks are
			// constant; only aggregator subtrees are worth skipping.
			continue
		}
		shortcut[row.BlockKey] = completion.Result{
			Earned:       row.Earned,
			Possible:     row.Possible,
			LastModified: row.LastModified,
		}
	}
	return shortcut, nil
}

func (c *Coordinator) resolveAll(ctx context.Context, log *logger.Logger, work []*enrollmentWork) {
	var ids []uuid.UUID
	for _, unit := range work {
		ids = append(ids, unit.recordIDs...)
	}
	if err := c.staleRepo.Resolve(ctx, nil, ids); err != nil {
		log.Error("Failed to resolve stale completions", "error", err)
	}
}

func groupByCourse(records []*types.StaleCompletion) map[string][]*enrollmentWork {
	perCourse := make(map[string]map[uuid.UUID]*enrollmentWork)
	for _, rec := range records {
		users, ok := perCourse[rec.CourseKey]
		if !ok {
			users = make(map[uuid.UUID]*enrollmentWork)
			perCourse[rec.CourseKey] = users
		}
		unit, ok := users[rec.UserID]
		if !ok {
			unit = &enrollmentWork{userID: rec.UserID}
			users[rec.UserID] = unit
		}
		unit.recordIDs = append(unit.recordIDs, rec.ID)
		if rec.Force {
			unit.force = true
		}
		if rec.BlockKey == nil {
			unit.wholeTree = true
		} else {
			unit.changed = append(unit.changed, *rec.BlockKey)
		}
	}

	out := make(map[string][]*enrollmentWork, len(perCourse))
	for courseKey, users := range perCourse {
		for _, unit := range users {
			out[courseKey] = append(out[courseKey], unit)
		}
	}
	return out
}
