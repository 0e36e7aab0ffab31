package events

import (
	"time"

	"github.com/spec-kit/user-directory/internal/domain"
)

// EventType enumerates directory lifecycle events.
type EventType string

const (
	EventUserCreated     EventType = "user.created"
	EventUserUpdated     EventType = "user.updated"
	EventUserDeleted     EventType = "user.deleted"
	EventReportGenerated EventType = "report.generated"
)

// Event is the envelope published on the dispatcher.
type Event struct {
	ID        string
	Type      EventType
	UserID    string
	Timestamp time.Time
	Payload   any
}

// UserCreatedPayload accompanies EventUserCreated.
type UserCreatedPayload struct {
	Email  string
	Status domain.UserStatus
}

// UserUpdatedPayload accompanies EventUserUpdated.
type UserUpdatedPayload struct {
	Email           string
	Status          domain.UserStatus
	PasswordChanged bool
}

// UserDeletedPayload accompanies EventUserDeleted.
type UserDeletedPayload struct {
	Email string
}

// ReportGeneratedPayload accompanies EventReportGenerated.
type ReportGeneratedPayload struct {
	RecordCount int
	SizeBytes   int
	CacheHit    bool
}
