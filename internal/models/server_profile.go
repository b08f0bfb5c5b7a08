package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ServerProfile stores the connection settings for one pipeline backend.
type ServerProfile struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"unique;not null" json:"name"`
	BackendURL  string    `gorm:"not null;column:backend_url" json:"backend_url"`
	FeedURL     string    `gorm:"not null;column:feed_url" json:"feed_url"`
	Username    string    `gorm:"not null" json:"username"`
	PasswordEnc string    `gorm:"not null;column:password_enc" json:"-"` // Encrypted, never expose in JSON
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (sp *ServerProfile) BeforeCreate(tx *gorm.DB) error {
	if sp.ID == "" {
		sp.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (ServerProfile) TableName() string {
	return "server_profiles"
}
