package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coursebridge/completion-backend/internal/repos"
	"github.com/coursebridge/completion-backend/internal/types"
)

func TestSweepDeletesOnlyAgedResolvedRecords(t *testing.T) {
	gdb := newTestDB(t)
	log := newTestLogger(t)
	staleRepo := repos.NewStaleCompletionRepo(gdb, log)
	ctx := context.Background()
	courseKey := "course-v1:edX+DemoX+2026"

	resolvedUser := uuid.New()
	pendingUser := uuid.New()
	if err := staleRepo.MarkStale(ctx, nil, resolvedUser, courseKey, nil, false); err != nil {
		t.Fatalf("MarkStale resolved failed: %v", err)
	}
	_, claimed, err := staleRepo.ClaimBatch(ctx, nil, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if err := staleRepo.Resolve(ctx, nil, []uuid.UUID{claimed[0].ID}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := staleRepo.MarkStale(ctx, nil, pendingUser, courseKey, nil, false); err != nil {
		t.Fatalf("MarkStale pending failed: %v", err)
	}

	// Generous retention: the freshly resolved record is inside the window.
	sweeper := NewSweeper(log, staleRepo, nil, time.Hour)
	deleted, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted %d records inside the retention window, want 0", deleted)
	}

	// Zero retention: everything resolved is past the horizon.
	sweeper = NewSweeper(log, staleRepo, nil, 0)
	time.Sleep(5 * time.Millisecond)
	deleted, err = sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("second Sweep failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d records, want 1", deleted)
	}

	var rows []*types.StaleCompletion
	if err := gdb.Find(&rows).Error; err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 1 || rows[0].UserID != pendingUser {
		t.Fatalf("sweep must leave pending records, got %+v", rows)
	}
}
