package report

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spec-kit/user-directory/internal/domain"
)

func testTemplate() *Template {
	return &Template{
		Version:    1,
		Title:      "Users Report",
		Parameters: []string{"createdBy"},
		Columns: []Column{
			{Header: "ID", Field: "id", Width: 50},
			{Header: "Full Name", Field: "fullName", Width: 40},
			{Header: "Email", Field: "email", Width: 50},
			{Header: "Status", Field: "status", Width: 20},
		},
	}
}

func testSnapshot() []domain.User {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return []domain.User{
		{
			ID:        "4dc1c1a6-0001-4a7b-9f5e-000000000001",
			FullName:  "Jane Roe",
			Email:     "jane@example.com",
			Status:    domain.UserStatusActive,
			CreatedAt: created,
			UpdatedAt: created,
		},
		{
			ID:        "4dc1c1a6-0002-4a7b-9f5e-000000000002",
			FullName:  "John Doe",
			Email:     "john@example.com",
			Status:    domain.UserStatusInactive,
			CreatedAt: created.Add(time.Minute),
			UpdatedAt: created.Add(2 * time.Minute),
		},
	}
}

func testParams() map[string]string {
	return map[string]string{"createdBy": "Directory Admin"}
}

func TestRenderProducesPDF(t *testing.T) {
	renderer := NewRenderer(testTemplate())

	data, err := renderer.Render(testSnapshot(), testParams())
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("%PDF-")), "output must start with a PDF header")
	require.Contains(t, string(data), "%%EOF")
}

func TestRenderEmptySnapshot(t *testing.T) {
	renderer := NewRenderer(testTemplate())

	data, err := renderer.Render(nil, testParams())
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
}

func TestRenderDeterministic(t *testing.T) {
	renderer := NewRenderer(testTemplate())
	snapshot := testSnapshot()

	first, err := renderer.Render(snapshot, testParams())
	require.NoError(t, err)
	second, err := renderer.Render(snapshot, testParams())
	require.NoError(t, err)
	require.True(t, bytes.Equal(first, second), "identical inputs must yield byte-identical output")
}

func TestRenderParameterMismatch(t *testing.T) {
	renderer := NewRenderer(testTemplate())
	snapshot := testSnapshot()

	t.Run("missing declared parameter", func(t *testing.T) {
		_, err := renderer.Render(snapshot, map[string]string{})
		var renderErr *RenderError
		require.ErrorAs(t, err, &renderErr)
	})

	t.Run("undeclared parameter", func(t *testing.T) {
		_, err := renderer.Render(snapshot, map[string]string{
			"createdBy": "Directory Admin",
			"extra":     "nope",
		})
		var renderErr *RenderError
		require.ErrorAs(t, err, &renderErr)
	})
}

func TestRenderLatin1Text(t *testing.T) {
	renderer := NewRenderer(testTemplate())
	snapshot := testSnapshot()
	snapshot[0].FullName = "José Müller"
	snapshot[1].Email = "rené@exemple.fr"

	data, err := renderer.Render(snapshot, testParams())
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("%PDF-")))

	// accented values are still deterministic
	again, err := renderer.Render(snapshot, testParams())
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, again))
}

func TestRenderUnencodableText(t *testing.T) {
	t.Run("record value", func(t *testing.T) {
		renderer := NewRenderer(testTemplate())
		snapshot := testSnapshot()
		snapshot[0].FullName = "日本語"

		_, err := renderer.Render(snapshot, testParams())
		var renderErr *RenderError
		require.ErrorAs(t, err, &renderErr)
	})

	t.Run("parameter value", func(t *testing.T) {
		renderer := NewRenderer(testTemplate())

		_, err := renderer.Render(testSnapshot(), map[string]string{"createdBy": "日本部門"})
		var renderErr *RenderError
		require.ErrorAs(t, err, &renderErr)
	})

	t.Run("template header fails at compile", func(t *testing.T) {
		bad := testTemplate()
		bad.Columns[0].Header = "識別子"

		var compileErr *CompileError
		require.ErrorAs(t, NewRenderer(bad).Compile(), &compileErr)
	})
}

func TestRenderDoesNotMutateSnapshot(t *testing.T) {
	renderer := NewRenderer(testTemplate())
	snapshot := testSnapshot()
	original := append([]domain.User{}, snapshot...)

	_, err := renderer.Render(snapshot, testParams())
	require.NoError(t, err)
	require.Equal(t, original, snapshot)
}

func TestCompileFailureIsStable(t *testing.T) {
	bad := testTemplate()
	bad.Columns[0].Field = "salary"
	renderer := NewRenderer(bad)

	var compileErr *CompileError
	require.ErrorAs(t, renderer.Compile(), &compileErr)

	// every subsequent render sees the same compile failure
	_, err := renderer.Render(testSnapshot(), testParams())
	require.ErrorAs(t, err, &compileErr)
	_, err = renderer.Render(nil, testParams())
	require.ErrorAs(t, err, &compileErr)
}

func TestNilTemplateFailsCompile(t *testing.T) {
	renderer := NewRenderer(nil)
	var compileErr *CompileError
	require.ErrorAs(t, renderer.Compile(), &compileErr)
}

func TestConcurrentFirstRenderSharesCompile(t *testing.T) {
	renderer := NewRenderer(testTemplate())
	snapshot := testSnapshot()

	const callers = 16
	results := make([][]byte, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = renderer.Render(snapshot, testParams())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.True(t, bytes.Equal(results[0], results[i]))
	}
}
