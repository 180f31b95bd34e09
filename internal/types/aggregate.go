package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Aggregate is the stored completion rollup for one block of one enrollment.
// Rows are overwritten on recomputation, never versioned.
type Aggregate struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uq_aggregate_block,priority:1;index:idx_aggregate_user_course" json:"user_id"`
	CourseKey       string    `gorm:"column:course_key;not null;uniqueIndex:uq_aggregate_block,priority:2;index:idx_aggregate_user_course;index:idx_aggregate_course" json:"course_key"`
	BlockKey        string    `gorm:"column:block_key;not null;uniqueIndex:uq_aggregate_block,priority:3" json:"block_key"`
	AggregationName string    `gorm:"column:aggregation_name;not null" json:"aggregation_name"`
	Earned          float64   `gorm:"column:earned;not null" json:"earned"`
	Possible        float64   `gorm:"column:possible;not null" json:"possible"`
	Percent         float64   `gorm:"column:percent;not null" json:"percent"`
	// LastModified is the most recent modification time of the leaf
	// completions this row summarizes, not the row write time.
	LastModified time.Time `gorm:"column:last_modified" json:"last_modified"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (Aggregate) TableName() string { return "completion_aggregate" }

func (a *Aggregate) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
