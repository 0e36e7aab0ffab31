package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/spec-kit/user-directory/internal/auth"
	"github.com/spec-kit/user-directory/internal/config"
	"github.com/spec-kit/user-directory/internal/domain"
	"github.com/spec-kit/user-directory/internal/events"
	"github.com/spec-kit/user-directory/internal/report"
	"github.com/spec-kit/user-directory/internal/repository"
	"github.com/spec-kit/user-directory/pkg/util/errorutil"
)

const (
	minPasswordLength = 6
	maxFieldLength    = 150
)

// DirectoryService orchestrates record mutation and report generation. It is
// stateless between calls; the record store holds the only shared state.
type DirectoryService struct {
	users      repository.UserRepository
	renderer   *report.Renderer
	cache      *ReportCache
	dispatcher events.Dispatcher
	issuer     string
	bcryptCost int
}

// DirectoryDependencies bundles collaborators for the directory service.
type DirectoryDependencies struct {
	UserRepo   repository.UserRepository
	Renderer   *report.Renderer
	Cache      *ReportCache
	Dispatcher events.Dispatcher
}

// CreateUserInput describes the create payload.
type CreateUserInput struct {
	FullName string
	Email    string
	Password string
	Status   string
}

// UpdateUserInput describes the update payload. Password is optional: a
// value shorter than the minimum length leaves the stored hash untouched.
type UpdateUserInput struct {
	FullName string
	Email    string
	Password string
	Status   string
}

// NewDirectoryService constructs the service.
func NewDirectoryService(cfg config.Config, deps DirectoryDependencies) *DirectoryService {
	return &DirectoryService{
		users:      deps.UserRepo,
		renderer:   deps.Renderer,
		cache:      deps.Cache,
		dispatcher: deps.Dispatcher,
		issuer:     cfg.Report.Issuer,
		bcryptCost: cfg.Security.BcryptCost,
	}
}

// ListUsers returns the current record snapshot in store order.
func (s *DirectoryService) ListUsers(ctx context.Context) ([]domain.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, s.mapStoreError(err)
	}
	return users, nil
}

// GetUser returns one record by id.
func (s *DirectoryService) GetUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, s.mapStoreError(err)
	}
	return user, nil
}

// CreateUser validates input, hashes the password, stamps timestamps and
// delegates to the store. Validation happens before any store call, so a
// rejected request leaves the record set unchanged.
func (s *DirectoryService) CreateUser(ctx context.Context, input CreateUserInput) (*domain.User, error) {
	name := strings.TrimSpace(input.FullName)
	email := strings.TrimSpace(input.Email)

	fields := validateProfile(name, email, input.Status)
	if len(input.Password) < minPasswordLength {
		fields = append(fields, "password")
	}
	if len(fields) > 0 {
		return nil, errorutil.NewValidationError("validation failed", map[string]any{"fields": fields})
	}

	hash, err := auth.HashPassword(input.Password, s.bcryptCost)
	if err != nil {
		return nil, errorutil.NewInternalError(err)
	}

	now := time.Now().UTC()
	user := &domain.User{
		FullName:     name,
		Email:        email,
		PasswordHash: hash,
		Status:       parseStatus(input.Status),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, s.mapStoreError(err)
	}

	s.publishEvent(ctx, events.Event{
		Type:   events.EventUserCreated,
		UserID: user.ID,
		Payload: events.UserCreatedPayload{
			Email:  user.Email,
			Status: user.Status,
		},
	})
	return user, nil
}

// UpdateUser applies field changes to an existing record. The password is
// rehashed only when a new plaintext of sufficient length is supplied; a
// missing or too-short password keeps the existing hash. ID and CreatedAt
// are immutable; UpdatedAt is refreshed on success.
func (s *DirectoryService) UpdateUser(ctx context.Context, id string, input UpdateUserInput) (*domain.User, error) {
	existing, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, s.mapStoreError(err)
	}

	name := strings.TrimSpace(input.FullName)
	email := strings.TrimSpace(input.Email)
	if fields := validateProfile(name, email, input.Status); len(fields) > 0 {
		return nil, errorutil.NewValidationError("validation failed", map[string]any{"fields": fields})
	}

	existing.FullName = name
	existing.Email = email
	existing.Status = parseStatus(input.Status)

	passwordChanged := false
	if len(input.Password) >= minPasswordLength {
		hash, err := auth.HashPassword(input.Password, s.bcryptCost)
		if err != nil {
			return nil, errorutil.NewInternalError(err)
		}
		existing.PasswordHash = hash
		passwordChanged = true
	}

	existing.UpdatedAt = time.Now().UTC()
	if err := s.users.Update(ctx, existing); err != nil {
		return nil, s.mapStoreError(err)
	}

	s.publishEvent(ctx, events.Event{
		Type:   events.EventUserUpdated,
		UserID: existing.ID,
		Payload: events.UserUpdatedPayload{
			Email:           existing.Email,
			Status:          existing.Status,
			PasswordChanged: passwordChanged,
		},
	})
	return existing, nil
}

// DeleteUser removes a record permanently.
func (s *DirectoryService) DeleteUser(ctx context.Context, id string) error {
	existing, err := s.users.GetByID(ctx, id)
	if err != nil {
		return s.mapStoreError(err)
	}
	if err := s.users.Delete(ctx, id); err != nil {
		return s.mapStoreError(err)
	}

	s.publishEvent(ctx, events.Event{
		Type:    events.EventUserDeleted,
		UserID:  id,
		Payload: events.UserDeletedPayload{Email: existing.Email},
	})
	return nil
}

// GenerateReport reads one snapshot of the record set and renders it to PDF
// bytes. Mutations committed after the snapshot is taken are not reflected.
// Rendered bytes are cached by snapshot fingerprint when a cache is wired;
// determinism of the renderer makes a cache hit byte-identical to a fresh
// render.
func (s *DirectoryService) GenerateReport(ctx context.Context) ([]byte, error) {
	snapshot, err := s.users.List(ctx)
	if err != nil {
		return nil, s.mapStoreError(err)
	}

	fingerprint := reportFingerprint(snapshot, s.renderer.TemplateVersion(), s.issuer)
	if data, ok := s.cache.Get(ctx, fingerprint); ok {
		s.publishReportEvent(ctx, len(snapshot), len(data), true)
		return data, nil
	}

	params := map[string]string{"createdBy": s.issuer}
	data, err := s.renderer.Render(snapshot, params)
	if err != nil {
		return nil, errorutil.NewRenderFailed(err)
	}

	s.cache.Set(ctx, fingerprint, data)
	s.publishReportEvent(ctx, len(snapshot), len(data), false)
	return data, nil
}

func (s *DirectoryService) publishReportEvent(ctx context.Context, records, size int, cacheHit bool) {
	s.publishEvent(ctx, events.Event{
		Type: events.EventReportGenerated,
		Payload: events.ReportGeneratedPayload{
			RecordCount: records,
			SizeBytes:   size,
			CacheHit:    cacheHit,
		},
	})
}

func (s *DirectoryService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	_ = s.dispatcher.Publish(ctx, event)
}

func (s *DirectoryService) mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return errorutil.NewNotFound("user", nil)
	case errors.Is(err, repository.ErrDuplicateEmail):
		return errorutil.NewConflict("email already in use", nil)
	default:
		return errorutil.NewInternalError(err)
	}
}

// validateProfile checks the shared create/update fields and returns the
// names of the violated ones.
func validateProfile(name, email, status string) []string {
	fields := []string{}
	if name == "" || utf8.RuneCountInString(name) > maxFieldLength {
		fields = append(fields, "full_name")
	}
	if email == "" || utf8.RuneCountInString(email) > maxFieldLength || !validEmail(email) {
		fields = append(fields, "email")
	}
	if status != "" && !domain.UserStatus(status).Valid() {
		fields = append(fields, "status")
	}
	return fields
}

// parseStatus assumes the value already passed validation; empty defaults to
// Active.
func parseStatus(status string) domain.UserStatus {
	if status == "" {
		return domain.UserStatusActive
	}
	return domain.UserStatus(status)
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
