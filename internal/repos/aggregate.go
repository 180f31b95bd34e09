package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coursebridge/completion-backend/internal/logger"
	"github.com/coursebridge/completion-backend/internal/types"
)

// AggregateRepo persists computed completion rollups. This repo is the only
// writer of the completion_aggregate table; API readers go through it
// read-only.
type AggregateRepo interface {
	BulkUpsert(ctx context.Context, tx *gorm.DB, rows []*types.Aggregate) error
	GetByUserAndCourse(ctx context.Context, tx *gorm.DB, userID uuid.UUID, courseKey string) ([]*types.Aggregate, error)
	GetByUsersAndCourse(ctx context.Context, tx *gorm.DB, userIDs []uuid.UUID, courseKey string) ([]*types.Aggregate, error)
	GetBlock(ctx context.Context, tx *gorm.DB, userID uuid.UUID, courseKey, blockKey string) (*types.Aggregate, error)
	GetCourseRoot(ctx context.Context, tx *gorm.DB, userID uuid.UUID, courseKey, rootAggregationName string) (*types.Aggregate, error)
	GetCourseUserIDs(ctx context.Context, tx *gorm.DB, courseKey string) ([]uuid.UUID, error)
}

type aggregateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAggregateRepo(db *gorm.DB, baseLog *logger.Logger) AggregateRepo {
	return &aggregateRepo{
		db:  db,
		log: baseLog.With("repo", "AggregateRepo"),
	}
}

// BulkUpsert overwrites rows keyed on (user, course, block). Percent is
// recomputed by the caller before the write; re-running an identical upsert
// is a no-op by value, which is what makes claim retries safe.
func (r *aggregateRepo) BulkUpsert(ctx context.Context, tx *gorm.DB, rows []*types.Aggregate) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return nil
	}
	now := time.Now()
	for _, row := range rows {
		row.UpdatedAt = now
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "course_key"}, {Name: "block_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"aggregation_name", "earned", "possible", "percent", "last_modified", "updated_at",
			}),
		}).
		Create(&rows).Error
}

func (r *aggregateRepo) GetByUserAndCourse(ctx context.Context, tx *gorm.DB, userID uuid.UUID, courseKey string) ([]*types.Aggregate, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Aggregate
	if userID == uuid.Nil || courseKey == "" {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("user_id = ? AND course_key = ?", userID, courseKey).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *aggregateRepo) GetByUsersAndCourse(ctx context.Context, tx *gorm.DB, userIDs []uuid.UUID, courseKey string) ([]*types.Aggregate, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Aggregate
	if len(userIDs) == 0 || courseKey == "" {
		return results, nil
	}
	if err := transaction.WithContext(ctx).
		Where("user_id IN ? AND course_key = ?", userIDs, courseKey).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *aggregateRepo) GetBlock(ctx context.Context, tx *gorm.DB, userID uuid.UUID, courseKey, blockKey string) (*types.Aggregate, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if userID == uuid.Nil || courseKey == "" || blockKey == "" {
		return nil, nil
	}
	var row types.Aggregate
	err := transaction.WithContext(ctx).
		Where("user_id = ? AND course_key = ? AND block_key = ?", userID, courseKey, blockKey).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

// GetCourseRoot finds the course-level rollup without a tree fetch, keyed on
// the aggregation name the root block type produces ("course" normally).
func (r *aggregateRepo) GetCourseRoot(ctx context.Context, tx *gorm.DB, userID uuid.UUID, courseKey, rootAggregationName string) (*types.Aggregate, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if userID == uuid.Nil || courseKey == "" {
		return nil, nil
	}
	var row types.Aggregate
	err := transaction.WithContext(ctx).
		Where("user_id = ? AND course_key = ? AND aggregation_name = ?", userID, courseKey, rootAggregationName).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

// GetCourseUserIDs lists users with aggregates in a course, for bulk
// reaggregation.
func (r *aggregateRepo) GetCourseUserIDs(ctx context.Context, tx *gorm.DB, courseKey string) ([]uuid.UUID, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var ids []uuid.UUID
	if courseKey == "" {
		return ids, nil
	}
	if err := transaction.WithContext(ctx).
		Model(&types.Aggregate{}).
		Distinct("user_id").
		Where("course_key = ?", courseKey).
		Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
