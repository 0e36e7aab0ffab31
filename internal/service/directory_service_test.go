package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/user-directory/internal/config"
	"github.com/spec-kit/user-directory/internal/report"
	"github.com/spec-kit/user-directory/internal/repository"
	"github.com/spec-kit/user-directory/pkg/util/errorutil"
)

func testReportTemplate() *report.Template {
	return &report.Template{
		Version:    1,
		Title:      "Users Report",
		Parameters: []string{"createdBy"},
		Columns: []report.Column{
			{Header: "ID", Field: "id", Width: 50},
			{Header: "Full Name", Field: "fullName", Width: 40},
			{Header: "Email", Field: "email", Width: 50},
			{Header: "Status", Field: "status", Width: 20},
		},
	}
}

func newTestDirectory() *DirectoryService {
	cfg := config.Config{
		Security: config.SecurityConfig{BcryptCost: bcrypt.MinCost},
		Report:   config.ReportConfig{Issuer: "Test Issuer"},
	}
	return NewDirectoryService(cfg, DirectoryDependencies{
		UserRepo: repository.NewMemoryUserRepository(),
		Renderer: report.NewRenderer(testReportTemplate()),
	})
}

func validCreateInput(email string) CreateUserInput {
	return CreateUserInput{
		FullName: "Jane Roe",
		Email:    email,
		Password: "secretox",
		Status:   "Active",
	}
}

func requireDomainCode(t *testing.T, err error, code string) *errorutil.DomainError {
	t.Helper()
	var domainErr *errorutil.DomainError
	require.ErrorAs(t, err, &domainErr)
	require.Equal(t, code, domainErr.Code)
	return domainErr
}

func TestCreateUserRoundTrip(t *testing.T) {
	svc := newTestDirectory()
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, validCreateInput("jane@example.com"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.False(t, created.UpdatedAt.Before(created.CreatedAt))

	// plaintext never stored; hash verifies
	require.NotEqual(t, "secretox", created.PasswordHash)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(created.PasswordHash), []byte("secretox")))

	fetched, err := svc.GetUser(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created, fetched)
}

func TestCreateUserValidation(t *testing.T) {
	svc := newTestDirectory()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateUserInput)
		field  string
	}{
		{"blank full name", func(in *CreateUserInput) { in.FullName = "  " }, "full_name"},
		{"blank email", func(in *CreateUserInput) { in.Email = "" }, "email"},
		{"malformed email", func(in *CreateUserInput) { in.Email = "not-an-email" }, "email"},
		{"missing password", func(in *CreateUserInput) { in.Password = "" }, "password"},
		{"five character password", func(in *CreateUserInput) { in.Password = "abcde" }, "password"},
		{"unknown status", func(in *CreateUserInput) { in.Status = "Frozen" }, "status"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := validCreateInput("valid@example.com")
			tc.mutate(&input)

			_, err := svc.CreateUser(ctx, input)
			domainErr := requireDomainCode(t, err, "VALIDATION_FAILED")
			require.Contains(t, domainErr.Details["fields"], tc.field)

			// no partial writes
			users, listErr := svc.ListUsers(ctx)
			require.NoError(t, listErr)
			require.Empty(t, users)
		})
	}
}

func TestFieldLengthCountsCharacters(t *testing.T) {
	svc := newTestDirectory()
	ctx := context.Background()

	// 150 multi-byte characters is within bounds even though the byte
	// length is 300.
	input := validCreateInput("rune-bound@example.com")
	input.FullName = strings.Repeat("é", 150)
	created, err := svc.CreateUser(ctx, input)
	require.NoError(t, err)
	require.Equal(t, 150, utf8.RuneCountInString(created.FullName))

	input = validCreateInput("rune-over@example.com")
	input.FullName = strings.Repeat("é", 151)
	_, err = svc.CreateUser(ctx, input)
	domainErr := requireDomainCode(t, err, "VALIDATION_FAILED")
	require.Contains(t, domainErr.Details["fields"], "full_name")
}

func TestCreateUserDefaultsStatusToActive(t *testing.T) {
	svc := newTestDirectory()

	input := validCreateInput("jane@example.com")
	input.Status = ""
	created, err := svc.CreateUser(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, "Active", string(created.Status))
}

func TestCreateUserEmailConflict(t *testing.T) {
	svc := newTestDirectory()
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, validCreateInput("dup@example.com"))
	require.NoError(t, err)

	_, err = svc.CreateUser(ctx, validCreateInput("dup@example.com"))
	requireDomainCode(t, err, "CONFLICT")
}

func TestConcurrentCreateSameEmail(t *testing.T) {
	svc := newTestDirectory()
	ctx := context.Background()

	const attempts = 8
	var successes, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateUser(ctx, validCreateInput("race@example.com"))
			if err == nil {
				atomic.AddInt32(&successes, 1)
				return
			}
			var domainErr *errorutil.DomainError
			if errors.As(err, &domainErr) && domainErr.Code == "CONFLICT" {
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), successes)
	require.Equal(t, int32(attempts-1), conflicts)

	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
}

func TestUpdateUser(t *testing.T) {
	svc := newTestDirectory()
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, validCreateInput("jane@example.com"))
	require.NoError(t, err)

	t.Run("preserves identity and advances updatedAt", func(t *testing.T) {
		updated, err := svc.UpdateUser(ctx, created.ID, UpdateUserInput{
			FullName: "Jane R. Roe",
			Email:    "jane@example.com",
			Status:   "Inactive",
		})
		require.NoError(t, err)
		require.Equal(t, created.ID, updated.ID)
		require.Equal(t, created.CreatedAt, updated.CreatedAt)
		require.True(t, updated.UpdatedAt.After(created.UpdatedAt))
		require.Equal(t, "Inactive", string(updated.Status))
	})

	t.Run("absent password keeps stored hash", func(t *testing.T) {
		before, err := svc.GetUser(ctx, created.ID)
		require.NoError(t, err)

		updated, err := svc.UpdateUser(ctx, created.ID, UpdateUserInput{
			FullName: "Jane R. Roe",
			Email:    "jane@example.com",
			Status:   "Active",
		})
		require.NoError(t, err)
		require.Equal(t, before.PasswordHash, updated.PasswordHash)
	})

	t.Run("too-short password is ignored, not rejected", func(t *testing.T) {
		before, err := svc.GetUser(ctx, created.ID)
		require.NoError(t, err)

		updated, err := svc.UpdateUser(ctx, created.ID, UpdateUserInput{
			FullName: "Jane R. Roe",
			Email:    "jane@example.com",
			Password: "tiny",
			Status:   "Active",
		})
		require.NoError(t, err)
		require.Equal(t, before.PasswordHash, updated.PasswordHash)
	})

	t.Run("sufficient password is rehashed", func(t *testing.T) {
		before, err := svc.GetUser(ctx, created.ID)
		require.NoError(t, err)

		updated, err := svc.UpdateUser(ctx, created.ID, UpdateUserInput{
			FullName: "Jane R. Roe",
			Email:    "jane@example.com",
			Password: "brandnewpass",
			Status:   "Active",
		})
		require.NoError(t, err)
		require.NotEqual(t, before.PasswordHash, updated.PasswordHash)
		require.NoError(t, bcrypt.CompareHashAndPassword([]byte(updated.PasswordHash), []byte("brandnewpass")))
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := svc.UpdateUser(ctx, "missing-id", UpdateUserInput{
			FullName: "Nobody",
			Email:    "nobody@example.com",
		})
		requireDomainCode(t, err, "NOT_FOUND")
	})
}

func TestDeleteUser(t *testing.T) {
	svc := newTestDirectory()
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, validCreateInput("jane@example.com"))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteUser(ctx, created.ID))

	_, err = svc.GetUser(ctx, created.ID)
	requireDomainCode(t, err, "NOT_FOUND")

	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, users)

	requireDomainCode(t, svc.DeleteUser(ctx, created.ID), "NOT_FOUND")
}

func TestListUsersIdempotent(t *testing.T) {
	svc := newTestDirectory()
	ctx := context.Background()

	for _, email := range []string{"a@example.com", "b@example.com"} {
		_, err := svc.CreateUser(ctx, validCreateInput(email))
		require.NoError(t, err)
	}

	first, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	second, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestGenerateReport(t *testing.T) {
	ctx := context.Background()

	t.Run("empty record set still renders", func(t *testing.T) {
		svc := newTestDirectory()
		data, err := svc.GenerateReport(ctx)
		require.NoError(t, err)
		require.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
	})

	t.Run("unchanged record set renders byte-identical output", func(t *testing.T) {
		svc := newTestDirectory()
		_, err := svc.CreateUser(ctx, validCreateInput("jane@example.com"))
		require.NoError(t, err)

		first, err := svc.GenerateReport(ctx)
		require.NoError(t, err)
		second, err := svc.GenerateReport(ctx)
		require.NoError(t, err)
		require.True(t, bytes.Equal(first, second))
	})

	t.Run("broken template surfaces as render failure", func(t *testing.T) {
		bad := testReportTemplate()
		bad.Columns[0].Field = "salary"
		svc := NewDirectoryService(config.Config{
			Security: config.SecurityConfig{BcryptCost: bcrypt.MinCost},
			Report:   config.ReportConfig{Issuer: "Test Issuer"},
		}, DirectoryDependencies{
			UserRepo: repository.NewMemoryUserRepository(),
			Renderer: report.NewRenderer(bad),
		})

		_, err := svc.GenerateReport(ctx)
		requireDomainCode(t, err, "REPORT_RENDER_FAILED")
	})
}

func TestReportFingerprint(t *testing.T) {
	svc := newTestDirectory()
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, validCreateInput("jane@example.com"))
	require.NoError(t, err)
	before, err := svc.ListUsers(ctx)
	require.NoError(t, err)

	fpBefore := reportFingerprint(before, 1, "Test Issuer")
	require.Equal(t, fpBefore, reportFingerprint(before, 1, "Test Issuer"))

	_, err = svc.CreateUser(ctx, validCreateInput("john@example.com"))
	require.NoError(t, err)
	after, err := svc.ListUsers(ctx)
	require.NoError(t, err)

	require.NotEqual(t, fpBefore, reportFingerprint(after, 1, "Test Issuer"))
	require.NotEqual(t, fpBefore, reportFingerprint(before, 2, "Test Issuer"))
	require.NotEqual(t, fpBefore, reportFingerprint(before, 1, "Other Issuer"))
}
