package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursebridge/completion-backend/internal/completion"
	"github.com/coursebridge/completion-backend/internal/logger"
	pkgerrors "github.com/coursebridge/completion-backend/internal/pkg/errors"
	"github.com/coursebridge/completion-backend/internal/repos"
)

// CompletionSummary is the read-side view of one block's aggregate.
// HasData distinguishes "never aggregated" from a genuine zero; Stale means
// the value predates unprocessed completion changes.
type CompletionSummary struct {
	CourseKey    string    `json:"course_key"`
	BlockKey     string    `json:"block_key,omitempty"`
	Earned       float64   `json:"earned"`
	Possible     float64   `json:"possible"`
	Percent      float64   `json:"percent"`
	LastModified time.Time `json:"last_modified,omitempty"`
	HasData      bool      `json:"has_data"`
	Stale        bool      `json:"stale"`
}

type CompletionService interface {
	GetCourseCompletion(ctx context.Context, userID uuid.UUID, courseKey string) (*CompletionSummary, error)
	GetBlockCompletion(ctx context.Context, userID uuid.UUID, courseKey, blockKey string) (*CompletionSummary, error)
	MarkStale(ctx context.Context, userID uuid.UUID, courseKey string, blockKey *string, force bool) error
	TriggerReaggregation(ctx context.Context, courseKey string, userIDs []uuid.UUID) (int, error)
}

type completionService struct {
	db         *gorm.DB
	log        *logger.Logger
	aggRepo    repos.AggregateRepo
	staleRepo  repos.StaleCompletionRepo
	trees      completion.TreeProvider
	source     CompletionSource
	classifier *completion.Classifier
	// syncMode recomputes stale enrollments inline on read, without
	// persisting. Costs a full tree walk per request; only sensible at
	// low concurrency.
	syncMode bool
	// rootAggregationName is the block type of course roots, used to find
	// the course-level row without a tree fetch.
	rootAggregationName string
}

func NewCompletionService(
	db *gorm.DB,
	baseLog *logger.Logger,
	aggRepo repos.AggregateRepo,
	staleRepo repos.StaleCompletionRepo,
	trees completion.TreeProvider,
	source CompletionSource,
	classifier *completion.Classifier,
	syncMode bool,
) CompletionService {
	return &completionService{
		db:                  db,
		log:                 baseLog.With("service", "CompletionService"),
		aggRepo:             aggRepo,
		staleRepo:           staleRepo,
		trees:               trees,
		source:              source,
		classifier:          classifier,
		syncMode:            syncMode,
		rootAggregationName: "course",
	}
}

func (s *completionService) GetCourseCompletion(ctx context.Context, userID uuid.UUID, courseKey string) (*CompletionSummary, error) {
	stale, err := s.staleRepo.PendingExists(ctx, nil, userID, courseKey)
	if err != nil {
		return nil, err
	}

	if stale && s.syncMode {
		return s.computeInline(ctx, userID, courseKey, "")
	}

	row, err := s.aggRepo.GetCourseRoot(ctx, nil, userID, courseKey, s.rootAggregationName)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &CompletionSummary{CourseKey: courseKey, Percent: 0, HasData: false, Stale: stale}, nil
	}
	return &CompletionSummary{
		CourseKey:    courseKey,
		BlockKey:     row.BlockKey,
		Earned:       row.Earned,
		Possible:     row.Possible,
		Percent:      row.Percent,
		LastModified: row.LastModified,
		HasData:      true,
		Stale:        stale,
	}, nil
}

func (s *completionService) GetBlockCompletion(ctx context.Context, userID uuid.UUID, courseKey, blockKey string) (*CompletionSummary, error) {
	stale, err := s.staleRepo.PendingExists(ctx, nil, userID, courseKey)
	if err != nil {
		return nil, err
	}

	if stale && s.syncMode {
		return s.computeInline(ctx, userID, courseKey, blockKey)
	}

	row, err := s.aggRepo.GetBlock(ctx, nil, userID, courseKey, blockKey)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &CompletionSummary{CourseKey: courseKey, BlockKey: blockKey, HasData: false, Stale: stale}, nil
	}
	return &CompletionSummary{
		CourseKey:    courseKey,
		BlockKey:     row.BlockKey,
		Earned:       row.Earned,
		Possible:     row.Possible,
		Percent:      row.Percent,
		LastModified: row.LastModified,
		HasData:      true,
		Stale:        stale,
	}, nil
}

// computeInline reruns the full aggregation read-only. Nothing is persisted
// and staleness is left pending for the batch path to clear.
func (s *completionService) computeInline(ctx context.Context, userID uuid.UUID, courseKey, blockKey string) (*CompletionSummary, error) {
	tree, err := s.trees.GetTree(ctx, courseKey)
	if err != nil {
		return nil, err
	}
	leaves, err := s.source.GetLeafValues(ctx, userID, courseKey)
	if err != nil {
		return nil, err
	}
	results, err := completion.Aggregate(tree, leaves, s.classifier, nil)
	if err != nil {
		return nil, err
	}

	target := blockKey
	if target == "" {
		target = tree.Root
	}
	res, ok := results[target]
	if !ok {
		return nil, fmt.Errorf("%w: block %q", pkgerrors.ErrNoData, target)
	}
	return &CompletionSummary{
		CourseKey:    courseKey,
		BlockKey:     target,
		Earned:       res.Earned,
		Possible:     res.Possible,
		Percent:      res.Percent(),
		LastModified: res.LastModified,
		HasData:      true,
		Stale:        false,
	}, nil
}

func (s *completionService) MarkStale(ctx context.Context, userID uuid.UUID, courseKey string, blockKey *string, force bool) error {
	return s.staleRepo.MarkStale(ctx, nil, userID, courseKey, blockKey, force)
}

// TriggerReaggregation force-marks every known enrollment of a course, or
// the given subset of users, and reports how many marks were created.
func (s *completionService) TriggerReaggregation(ctx context.Context, courseKey string, userIDs []uuid.UUID) (int, error) {
	if len(userIDs) == 0 {
		var err error
		userIDs, err = s.aggRepo.GetCourseUserIDs(ctx, nil, courseKey)
		if err != nil {
			return 0, err
		}
	}
	marked := 0
	for _, userID := range userIDs {
		if err := s.staleRepo.MarkStale(ctx, nil, userID, courseKey, nil, true); err != nil {
			s.log.Error("Failed to mark enrollment stale", "user_id", userID, "course_key", courseKey, "error", err)
			continue
		}
		marked++
	}
	s.log.Info("Triggered reaggregation", "course_key", courseKey, "marked", marked)
	return marked, nil
}
