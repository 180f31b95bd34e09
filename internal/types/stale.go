package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StaleCompletion marks an enrollment whose stored aggregates are out of
// date. At most one pending (unresolved, unclaimed) row exists per
// (user, course); a partial unique index enforces that.
type StaleCompletion struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index:idx_stale_enrollment" json:"user_id"`
	CourseKey string    `gorm:"column:course_key;not null;index:idx_stale_enrollment" json:"course_key"`
	// BlockKey narrows the staleness to one changed block's subtree.
	// Nil means the whole course must be recomputed.
	BlockKey *string `gorm:"column:block_key" json:"block_key,omitempty"`
	// Force requests a recomputation that ignores stored shortcut values.
	Force    bool `gorm:"column:force;not null;default:false" json:"force"`
	Resolved bool `gorm:"column:resolved;not null;default:false;index" json:"resolved"`
	// Claim fields. A row is claimed while ClaimedBy is set and
	// ClaimExpiresAt is in the future; an expired claim is reclaimable.
	ClaimedBy      *uuid.UUID     `gorm:"type:uuid;column:claimed_by;index" json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time     `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	ClaimExpiresAt *time.Time     `gorm:"column:claim_expires_at" json:"claim_expires_at,omitempty"`
	Payload        datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (StaleCompletion) TableName() string { return "stale_completion" }

func (s *StaleCompletion) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
