package types

import (
	"time"

	"github.com/google/uuid"
)

// BlockCompletion is the raw per-leaf completion signal. The table is owned
// by the completion-tracking service; this engine only ever reads it.
type BlockCompletion struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index:idx_block_completion_enrollment" json:"user_id"`
	CourseKey  string    `gorm:"column:course_key;not null;index:idx_block_completion_enrollment" json:"course_key"`
	BlockKey   string    `gorm:"column:block_key;not null" json:"block_key"`
	BlockType  string    `gorm:"column:block_type" json:"block_type"`
	Completion float64   `gorm:"column:completion;not null" json:"completion"`
	Modified   time.Time `gorm:"column:modified;not null" json:"modified"`
}

func (BlockCompletion) TableName() string { return "block_completion" }
