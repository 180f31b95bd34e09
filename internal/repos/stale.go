package repos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/coursebridge/completion-backend/internal/logger"
	"github.com/coursebridge/completion-backend/internal/types"
)

// StaleCompletionRepo tracks enrollments whose aggregates need recomputation.
// ClaimBatch is the serialization point for concurrent workers: the claim is
// a conditional update keyed on a fresh token, so two claimers can never be
// handed the same record.
type StaleCompletionRepo interface {
	MarkStale(ctx context.Context, tx *gorm.DB, userID uuid.UUID, courseKey string, blockKey *string, force bool) error
	ClaimBatch(ctx context.Context, tx *gorm.DB, maxCount int, claimTTL time.Duration) (uuid.UUID, []*types.StaleCompletion, error)
	Resolve(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error
	ReleaseExpired(ctx context.Context, tx *gorm.DB) (int64, error)
	PendingExists(ctx context.Context, tx *gorm.DB, userID uuid.UUID, courseKey string) (bool, error)
	DeleteResolvedBefore(ctx context.Context, tx *gorm.DB, horizon time.Time) (int64, error)
}

type staleCompletionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStaleCompletionRepo(db *gorm.DB, baseLog *logger.Logger) StaleCompletionRepo {
	return &staleCompletionRepo{
		db:  db,
		log: baseLog.With("repo", "StaleCompletionRepo"),
	}
}

// MarkStale records that an enrollment needs reaggregation. Repeated calls
// before processing collapse into the single pending record; a second call
// with a different block scope widens the record to whole-course. Claimed
// records are never touched, so a mark landing mid-processing creates a new
// pending record for the next run.
func (r *staleCompletionRepo) MarkStale(ctx context.Context, tx *gorm.DB, userID uuid.UUID, courseKey string, blockKey *string, force bool) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if userID == uuid.Nil || courseKey == "" {
		return nil
	}

	now := time.Now()
	update := transaction.WithContext(ctx).
		Model(&types.StaleCompletion{}).
		Where("user_id = ? AND course_key = ? AND resolved = ? AND claimed_by IS NULL", userID, courseKey, false).
		Updates(map[string]interface{}{
			// Widen conservatively: we cannot tell here whether the
			// existing scope matches the new one, so drop to
			// whole-course. Narrow scope is only an optimization.
			"block_key":  nil,
			"force":      gorm.Expr("force OR ?", force),
			"updated_at": now,
		})
	if update.Error != nil {
		return update.Error
	}
	if update.RowsAffected > 0 {
		return nil
	}

	record := &types.StaleCompletion{
		UserID:    userID,
		CourseKey: courseKey,
		BlockKey:  blockKey,
		Force:     force,
	}
	if err := transaction.WithContext(ctx).Create(record).Error; err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent mark for the same
			// enrollment; fold into the record that won.
			return transaction.WithContext(ctx).
				Model(&types.StaleCompletion{}).
				Where("user_id = ? AND course_key = ? AND resolved = ? AND claimed_by IS NULL", userID, courseKey, false).
				Updates(map[string]interface{}{
					"block_key":  nil,
					"force":      gorm.Expr("force OR ?", force),
					"updated_at": now,
				}).Error
		}
		return err
	}
	return nil
}

// ClaimBatch stamps up to maxCount unclaimed-or-expired pending records with
// a fresh claim token and returns them. The token condition makes the update
// a compare-and-set: records stolen by a concurrent claimer between the
// candidate read and the update simply drop out of the final re-read.
func (r *staleCompletionRepo) ClaimBatch(ctx context.Context, tx *gorm.DB, maxCount int, claimTTL time.Duration) (uuid.UUID, []*types.StaleCompletion, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	token := uuid.New()
	if maxCount <= 0 {
		return token, nil, nil
	}
	now := time.Now()
	expires := now.Add(claimTTL)

	var candidateIDs []uuid.UUID
	if err := transaction.WithContext(ctx).
		Model(&types.StaleCompletion{}).
		Where("resolved = ? AND (claimed_by IS NULL OR claim_expires_at < ?)", false, now).
		Order("created_at ASC").
		Limit(maxCount).
		Pluck("id", &candidateIDs).Error; err != nil {
		return token, nil, err
	}
	if len(candidateIDs) == 0 {
		return token, nil, nil
	}

	if err := transaction.WithContext(ctx).
		Model(&types.StaleCompletion{}).
		Where("id IN ? AND resolved = ? AND (claimed_by IS NULL OR claim_expires_at < ?)", candidateIDs, false, now).
		Updates(map[string]interface{}{
			"claimed_by":       token,
			"claimed_at":       now,
			"claim_expires_at": expires,
			"updated_at":       now,
		}).Error; err != nil {
		return token, nil, err
	}

	var claimed []*types.StaleCompletion
	if err := transaction.WithContext(ctx).
		Where("claimed_by = ? AND resolved = ?", token, false).
		Order("created_at ASC").
		Find(&claimed).Error; err != nil {
		return token, nil, err
	}
	return token, claimed, nil
}

// Resolve marks processed records done. Only called after their recomputed
// aggregates have been persisted; a crash before this point leaves the claim
// to expire and the records to be retried.
func (r *staleCompletionRepo) Resolve(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.StaleCompletion{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"resolved":   true,
			"updated_at": time.Now(),
		}).Error
}

// ReleaseExpired clears claim tokens whose TTL lapsed without resolution,
// making the records eligible for re-claim. ClaimBatch reclaims expired
// claims on its own; this exists so dead workers show up in logs promptly.
func (r *staleCompletionRepo) ReleaseExpired(ctx context.Context, tx *gorm.DB) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.StaleCompletion{}).
		Where("resolved = ? AND claimed_by IS NOT NULL AND claim_expires_at < ?", false, time.Now()).
		Updates(map[string]interface{}{
			"claimed_by":       nil,
			"claimed_at":       nil,
			"claim_expires_at": nil,
			"updated_at":       time.Now(),
		})
	return res.RowsAffected, res.Error
}

func (r *staleCompletionRepo) PendingExists(ctx context.Context, tx *gorm.DB, userID uuid.UUID, courseKey string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.StaleCompletion{}).
		Where("user_id = ? AND course_key = ? AND resolved = ?", userID, courseKey, false).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteResolvedBefore removes resolved records older than the horizon.
// Unresolved and live-claimed records are never deleted.
func (r *staleCompletionRepo) DeleteResolvedBefore(ctx context.Context, tx *gorm.DB, horizon time.Time) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Where("resolved = ? AND updated_at < ?", true, horizon).
		Delete(&types.StaleCompletion{})
	return res.RowsAffected, res.Error
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
