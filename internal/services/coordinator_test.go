package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coursebridge/completion-backend/internal/completion"
	pkgerrors "github.com/coursebridge/completion-backend/internal/pkg/errors"
	"github.com/coursebridge/completion-backend/internal/repos"
	"github.com/coursebridge/completion-backend/internal/types"
)

const coordCourseKey = "course-v1:edX+DemoX+2026"

func TestRunOnceEndToEnd(t *testing.T) {
	gdb := newTestDB(t)
	log := newTestLogger(t)
	staleRepo := repos.NewStaleCompletionRepo(gdb, log)
	aggRepo := repos.NewAggregateRepo(gdb, log)
	ctx := context.Background()

	provider := newFakeTreeProvider()
	provider.trees[coordCourseKey] = demoTree(coordCourseKey)

	userA := uuid.New()
	userB := uuid.New()
	source := newFakeCompletionSource()
	source.leaves[userA] = map[string]completion.LeafValue{
		"h1": {Completion: 1.0}, "h2": {Completion: 1.0}, "h3": {Completion: 0.0},
	}
	source.leaves[userB] = map[string]completion.LeafValue{
		"h1": {Completion: 0.5},
	}

	for _, userID := range []uuid.UUID{userA, userB} {
		if err := staleRepo.MarkStale(ctx, nil, userID, coordCourseKey, nil, false); err != nil {
			t.Fatalf("MarkStale failed: %v", err)
		}
	}

	coord := NewCoordinator(gdb, log, staleRepo, aggRepo, provider, source, completion.DefaultClassifier(), nil, 2)
	stats, err := coord.RunOnce(ctx, 100, time.Minute)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if stats.Claimed != 2 || stats.Processed != 2 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want 2 claimed, 2 processed, 0 failed", stats)
	}
	if provider.calls[coordCourseKey] != 1 {
		t.Fatalf("tree fetched %d times, want 1 per course per run", provider.calls[coordCourseKey])
	}

	rootA, err := aggRepo.GetBlock(ctx, nil, userA, coordCourseKey, "root")
	if err != nil || rootA == nil {
		t.Fatalf("user A root aggregate missing: %v", err)
	}
	if math.Abs(rootA.Earned-2.0) > 1e-9 || math.Abs(rootA.Possible-3.0) > 1e-9 {
		t.Fatalf("user A root = (%v, %v), want (2, 3)", rootA.Earned, rootA.Possible)
	}
	rootB, err := aggRepo.GetBlock(ctx, nil, userB, coordCourseKey, "root")
	if err != nil || rootB == nil {
		t.Fatalf("user B root aggregate missing: %v", err)
	}
	if math.Abs(rootB.Earned-0.5) > 1e-9 || math.Abs(rootB.Possible-3.0) > 1e-9 {
		t.Fatalf("user B root = (%v, %v), want (0.5, 3)", rootB.Earned, rootB.Possible)
	}

	for _, userID := range []uuid.UUID{userA, userB} {
		pending, err := staleRepo.PendingExists(ctx, nil, userID, coordCourseKey)
		if err != nil {
			t.Fatalf("PendingExists failed: %v", err)
		}
		if pending {
			t.Fatalf("user %v still pending after successful run", userID)
		}
	}
}

func TestRunOnceWithNothingPending(t *testing.T) {
	gdb := newTestDB(t)
	log := newTestLogger(t)
	staleRepo := repos.NewStaleCompletionRepo(gdb, log)
	aggRepo := repos.NewAggregateRepo(gdb, log)

	coord := NewCoordinator(gdb, log, staleRepo, aggRepo, newFakeTreeProvider(), newFakeCompletionSource(), completion.DefaultClassifier(), nil, 2)
	stats, err := coord.RunOnce(context.Background(), 100, time.Minute)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if stats.Claimed != 0 || stats.Processed != 0 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want all zero", stats)
	}
}

func TestRunOnceResolvesDeletedCourse(t *testing.T) {
	gdb := newTestDB(t)
	log := newTestLogger(t)
	staleRepo := repos.NewStaleCompletionRepo(gdb, log)
	aggRepo := repos.NewAggregateRepo(gdb, log)
	ctx := context.Background()

	provider := newFakeTreeProvider()
	provider.errs[coordCourseKey] = pkgerrors.ErrCourseNotFound

	userID := uuid.New()
	if err := staleRepo.MarkStale(ctx, nil, userID, coordCourseKey, nil, false); err != nil {
		t.Fatalf("MarkStale failed: %v", err)
	}

	coord := NewCoordinator(gdb, log, staleRepo, aggRepo, provider, newFakeCompletionSource(), completion.DefaultClassifier(), nil, 2)
	stats, err := coord.RunOnce(ctx, 100, time.Minute)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if stats.Claimed != 1 || stats.Processed != 0 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want 1 claimed and nothing failed", stats)
	}

	pending, err := staleRepo.PendingExists(ctx, nil, userID, coordCourseKey)
	if err != nil {
		t.Fatalf("PendingExists failed: %v", err)
	}
	if pending {
		t.Fatalf("records for a deleted course must be resolved, not retried forever")
	}
}

func TestRunOnceIsolatesCourseFailures(t *testing.T) {
	gdb := newTestDB(t)
	log := newTestLogger(t)
	staleRepo := repos.NewStaleCompletionRepo(gdb, log)
	aggRepo := repos.NewAggregateRepo(gdb, log)
	ctx := context.Background()

	goodCourse := coordCourseKey
	badCourse := "course-v1:edX+Broken+2026"
	provider := newFakeTreeProvider()
	provider.trees[goodCourse] = demoTree(goodCourse)
	provider.errs[badCourse] = errors.New("content service timeout")

	goodUser := uuid.New()
	badUser := uuid.New()
	source := newFakeCompletionSource()
	source.leaves[goodUser] = map[string]completion.LeafValue{"h1": {Completion: 1.0}}

	if err := staleRepo.MarkStale(ctx, nil, goodUser, goodCourse, nil, false); err != nil {
		t.Fatalf("MarkStale good failed: %v", err)
	}
	if err := staleRepo.MarkStale(ctx, nil, badUser, badCourse, nil, false); err != nil {
		t.Fatalf("MarkStale bad failed: %v", err)
	}

	coord := NewCoordinator(gdb, log, staleRepo, aggRepo, provider, source, completion.DefaultClassifier(), nil, 2)
	stats, err := coord.RunOnce(ctx, 100, time.Minute)
	if err != nil {
		t.Fatalf("RunOnce must not fail while some enrollments succeed: %v", err)
	}
	if stats.Processed != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v, want 1 processed and 1 failed", stats)
	}

	if row, err := aggRepo.GetBlock(ctx, nil, goodUser, goodCourse, "root"); err != nil || row == nil {
		t.Fatalf("good course aggregate missing: %v", err)
	}

	// The failed course's record stays claimed for TTL-expiry retry.
	var rec types.StaleCompletion
	if err := gdb.Where("user_id = ?", badUser).First(&rec).Error; err != nil {
		t.Fatalf("read failed record: %v", err)
	}
	if rec.Resolved {
		t.Fatalf("failed record must not be resolved")
	}
	if rec.ClaimedBy == nil {
		t.Fatalf("failed record must stay claimed until its TTL expires")
	}
}

func TestRunOnceFailsWhenNothingSucceeds(t *testing.T) {
	gdb := newTestDB(t)
	log := newTestLogger(t)
	staleRepo := repos.NewStaleCompletionRepo(gdb, log)
	aggRepo := repos.NewAggregateRepo(gdb, log)
	ctx := context.Background()

	provider := newFakeTreeProvider()
	provider.errs[coordCourseKey] = errors.New("content service down")

	if err := staleRepo.MarkStale(ctx, nil, uuid.New(), coordCourseKey, nil, false); err != nil {
		t.Fatalf("MarkStale failed: %v", err)
	}

	coord := NewCoordinator(gdb, log, staleRepo, aggRepo, provider, newFakeCompletionSource(), completion.DefaultClassifier(), nil, 2)
	stats, err := coord.RunOnce(ctx, 100, time.Minute)
	if err == nil {
		t.Fatalf("expected error when every enrollment fails")
	}
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v, want 1 failed", stats)
	}
}

func TestRunOnceUsesShortcutForUnaffectedSubtrees(t *testing.T) {
	gdb := newTestDB(t)
	log := newTestLogger(t)
	staleRepo := repos.NewStaleCompletionRepo(gdb, log)
	aggRepo := repos.NewAggregateRepo(gdb, log)
	ctx := context.Background()

	provider := newFakeTreeProvider()
	provider.trees[coordCourseKey] = demoTree(coordCourseKey)

	userID := uuid.New()
	source := newFakeCompletionSource()
	source.leaves[userID] = map[string]completion.LeafValue{
		"h1": {Completion: 1.0}, "h2": {Completion: 0.0}, "h3": {Completion: 1.0},
	}
	classifier := completion.DefaultClassifier()
	coord := NewCoordinator(gdb, log, staleRepo, aggRepo, provider, source, classifier, nil, 2)

	// Seed with a full run.
	if err := staleRepo.MarkStale(ctx, nil, userID, coordCourseKey, nil, false); err != nil {
		t.Fatalf("seed MarkStale failed: %v", err)
	}
	if _, err := coord.RunOnce(ctx, 100, time.Minute); err != nil {
		t.Fatalf("seed RunOnce failed: %v", err)
	}

	// Tamper with chapter2's stored rollup. A scoped recomputation under
	// chapter1 must reuse it as-is; a forced one must correct it.
	if err := gdb.Model(&types.Aggregate{}).
		Where("user_id = ? AND block_key = ?", userID, "chapter2").
		Updates(map[string]interface{}{"earned": 9.0, "possible": 9.0}).Error; err != nil {
		t.Fatalf("tamper chapter2: %v", err)
	}

	h1 := "h1"
	if err := staleRepo.MarkStale(ctx, nil, userID, coordCourseKey, &h1, false); err != nil {
		t.Fatalf("scoped MarkStale failed: %v", err)
	}
	if _, err := coord.RunOnce(ctx, 100, time.Minute); err != nil {
		t.Fatalf("scoped RunOnce failed: %v", err)
	}
	root, err := aggRepo.GetBlock(ctx, nil, userID, coordCourseKey, "root")
	if err != nil || root == nil {
		t.Fatalf("root aggregate missing: %v", err)
	}
	// chapter1 recomputed to (1, 2), chapter2 reused at the tampered (9, 9).
	if math.Abs(root.Earned-10.0) > 1e-9 || math.Abs(root.Possible-11.0) > 1e-9 {
		t.Fatalf("root = (%v, %v), want (10, 11) via shortcut reuse", root.Earned, root.Possible)
	}

	if err := staleRepo.MarkStale(ctx, nil, userID, coordCourseKey, nil, true); err != nil {
		t.Fatalf("forced MarkStale failed: %v", err)
	}
	if _, err := coord.RunOnce(ctx, 100, time.Minute); err != nil {
		t.Fatalf("forced RunOnce failed: %v", err)
	}
	root, err = aggRepo.GetBlock(ctx, nil, userID, coordCourseKey, "root")
	if err != nil || root == nil {
		t.Fatalf("root aggregate missing after force: %v", err)
	}
	if math.Abs(root.Earned-2.0) > 1e-9 || math.Abs(root.Possible-3.0) > 1e-9 {
		t.Fatalf("root = (%v, %v), want fully recomputed (2, 3)", root.Earned, root.Possible)
	}
}

func TestGroupByCourseMergesPerEnrollment(t *testing.T) {
	userID := uuid.New()
	block := "h1"
	records := []*types.StaleCompletion{
		{ID: uuid.New(), UserID: userID, CourseKey: coordCourseKey, BlockKey: &block},
		{ID: uuid.New(), UserID: userID, CourseKey: coordCourseKey, BlockKey: nil, Force: true},
		{ID: uuid.New(), UserID: uuid.New(), CourseKey: "course-v1:edX+Other+2026"},
	}

	grouped := groupByCourse(records)
	if len(grouped) != 2 {
		t.Fatalf("got %d courses, want 2", len(grouped))
	}
	units := grouped[coordCourseKey]
	if len(units) != 1 {
		t.Fatalf("got %d units for course, want 1 merged enrollment", len(units))
	}
	unit := units[0]
	if len(unit.recordIDs) != 2 {
		t.Fatalf("unit holds %d record ids, want 2", len(unit.recordIDs))
	}
	if !unit.wholeTree || !unit.force {
		t.Fatalf("unit = %+v, want wholeTree and force from the merged records", unit)
	}
}
