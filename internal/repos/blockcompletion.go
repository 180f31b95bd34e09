package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursebridge/completion-backend/internal/logger"
	"github.com/coursebridge/completion-backend/internal/types"
)

// BlockCompletionRepo reads the raw leaf completion table. The table is
// owned by the completion-tracking service; nothing here writes to it.
type BlockCompletionRepo interface {
	GetByUserAndCourse(ctx context.Context, tx *gorm.DB, userID uuid.UUID, courseKey string) ([]*types.BlockCompletion, error)
}

type blockCompletionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBlockCompletionRepo(db *gorm.DB, baseLog *logger.Logger) BlockCompletionRepo {
	return &blockCompletionRepo{
		db:  db,
		log: baseLog.With("repo", "BlockCompletionRepo"),
	}
}

func (r *blockCompletionRepo) GetByUserAndCourse(ctx context.Context, tx *gorm.DB, userID uuid.UUID, courseKey string) ([]*types.BlockCompletion, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.BlockCompletion
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
