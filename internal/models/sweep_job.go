package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SweepJob persists the background-sweep schedule so enable/disable and
// cadence survive restarts.
type SweepJob struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	Name      string     `gorm:"unique;not null" json:"name"`
	Cron      string     `gorm:"not null" json:"cron"` // 6-field cron expression (with seconds)
	Enabled   bool       `gorm:"default:true" json:"enabled"`
	LastRunAt *time.Time `gorm:"column:last_run_at" json:"last_run_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (sj *SweepJob) BeforeCreate(tx *gorm.DB) error {
	if sj.ID == "" {
		sj.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (SweepJob) TableName() string {
	return "sweep_jobs"
}
