package report

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/spec-kit/user-directory/internal/domain"
)

const timeLayout = "2006-01-02 15:04"

// fieldAccessors statically declares every record field a template column may
// bind to. Binding is checked when the template is loaded, so a layout that
// names an unknown field fails before any render is attempted.
var fieldAccessors = map[string]func(domain.User) string{
	"id":        func(u domain.User) string { return u.ID },
	"fullName":  func(u domain.User) string { return u.FullName },
	"email":     func(u domain.User) string { return u.Email },
	"status":    func(u domain.User) string { return string(u.Status) },
	"createdAt": func(u domain.User) string { return u.CreatedAt.UTC().Format(timeLayout) },
	"updatedAt": func(u domain.User) string { return u.UpdatedAt.UTC().Format(timeLayout) },
}

// Column maps one record field to a report column.
type Column struct {
	Header string  `yaml:"header"`
	Field  string  `yaml:"field"`
	Width  float64 `yaml:"width"`
}

// Page describes the document shape.
type Page struct {
	Size        string  `yaml:"size"`
	Orientation string  `yaml:"orientation"`
	Margin      float64 `yaml:"margin"`
}

// Template is the static, versioned layout binding user records and report
// parameters to a rendered document. It is read-only configuration; the
// renderer never mutates it.
type Template struct {
	Version    int      `yaml:"version"`
	Title      string   `yaml:"title"`
	Page       Page     `yaml:"page"`
	Parameters []string `yaml:"parameters"`
	Columns    []Column `yaml:"columns"`
}

// LoadTemplate reads and validates the template asset. Any failure here is a
// configuration error and must be treated as fatal by the caller.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}

	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if err := tpl.validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (t *Template) validate() error {
	if t.Version <= 0 {
		return fmt.Errorf("template version must be positive, got %d", t.Version)
	}
	if t.Title == "" {
		return fmt.Errorf("template title is required")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("template declares no columns")
	}
	for _, col := range t.Columns {
		if _, ok := fieldAccessors[col.Field]; !ok {
			return fmt.Errorf("column %q binds unknown field %q", col.Header, col.Field)
		}
		if col.Width <= 0 {
			return fmt.Errorf("column %q has invalid width %v", col.Header, col.Width)
		}
	}
	seen := map[string]struct{}{}
	for _, name := range t.Parameters {
		if name == "" {
			return fmt.Errorf("template declares an empty parameter name")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("template declares parameter %q twice", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
