package domain

import "time"

// UserStatus represents lifecycle states for a directory user.
type UserStatus string

const (
	UserStatusActive   UserStatus = "Active"
	UserStatusInactive UserStatus = "Inactive"
)

// Valid reports whether the status is one of the declared enum values.
func (s UserStatus) Valid() bool {
	return s == UserStatusActive || s == UserStatusInactive
}

// User is the domain model for directory records.
type User struct {
	ID           string
	FullName     string
	Email        string
	PasswordHash string
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
