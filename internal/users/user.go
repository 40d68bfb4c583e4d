package users

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
var ErrInvalidUserID = errors.New("users: invalid user id")

// UserID represents a validated canonical user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// User is the canonical user row. HonorTotal caches SUM(points) over the honor
// ledger and is only ever recomputed from it.
type User struct {
	ID                string `gorm:"column:id;primaryKey;size:190;not null"`
	Email             string `gorm:"column:email;size:320;not null;default:''"`
	DisplayName       string `gorm:"column:display_name;size:320;not null;default:''"`
	HonorTotal        int64  `gorm:"column:honor_total;not null;default:0;index:idx_users_honor_total"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null;index:idx_users_created"`
	LastSeenAtSeconds int64  `gorm:"column:last_seen_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
