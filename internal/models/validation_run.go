package models

import (
	"time"
)

// ValidationRun records the locally observed progress of one pipeline run so
// the UI can reload history after a restart. The authoritative pipeline state
// lives in the backend's status table; this row is display convenience only.
type ValidationRun struct {
	ID        string    `gorm:"primaryKey" json:"id"` // UUID run ID
	EntityID  string    `gorm:"not null;column:entity_id" json:"entity_id"`
	State     string    `gorm:"not null;default:created" json:"state"` // coordinator state machine value
	Progress  int       `gorm:"not null;default:0" json:"progress"`    // 0-100
	Messages  string    `gorm:"type:text" json:"messages"`             // JSON array of strings
	FileNames string    `gorm:"type:text;column:file_names" json:"file_names"` // JSON array of strings
	Error     string    `gorm:"type:text" json:"error"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (ValidationRun) TableName() string {
	return "validation_runs"
}
