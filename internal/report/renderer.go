package report

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-pdf/fpdf"
	"golang.org/x/text/encoding/charmap"

	"github.com/spec-kit/user-directory/internal/domain"
)

// encodeCP1252 maps a UTF-8 string onto the cp1252 byte set the built-in PDF
// fonts draw from. Characters without a cp1252 representation make the value
// unencodable for this document format.
func encodeCP1252(s string) (string, error) {
	encoded, err := charmap.Windows1252.NewEncoder().String(s)
	if err != nil {
		return "", fmt.Errorf("text %q has characters outside the document encoding: %w", s, err)
	}
	return encoded, nil
}

// documentDate is pinned so identical inputs produce byte-identical output.
// Wall-clock values never enter the document unless passed as a parameter.
var documentDate = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// CompileError reports a malformed or missing template. It is fatal for every
// render attempt and not retryable.
type CompileError struct {
	Err error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile template: %v", e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// RenderError reports a per-call binding or export failure.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render report: %v", e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Renderer produces PDF documents from a snapshot of user records. The
// template compiles once per process; concurrent first calls share a single
// compile, and the compiled form is reused since the artifact is immutable
// for the process lifetime.
type Renderer struct {
	tpl        *Template
	once       sync.Once
	compiled   *compiledTemplate
	compileErr error
}

type compiledTemplate struct {
	title      string
	page       Page
	parameters []string
	columns    []compiledColumn
}

type compiledColumn struct {
	header string
	width  float64
	value  func(domain.User) string
}

// NewRenderer wraps a loaded template. Compilation is deferred until Compile
// or the first Render call.
func NewRenderer(tpl *Template) *Renderer {
	return &Renderer{tpl: tpl}
}

// Compile forces template compilation. Call it at startup so a broken
// template fails the boot rather than the first request.
func (r *Renderer) Compile() error {
	_, err := r.compile()
	return err
}

// TemplateVersion returns the version of the bound template artifact.
func (r *Renderer) TemplateVersion() int {
	if r.tpl == nil {
		return 0
	}
	return r.tpl.Version
}

func (r *Renderer) compile() (*compiledTemplate, error) {
	r.once.Do(func() {
		compiled, err := buildCompiled(r.tpl)
		if err != nil {
			r.compileErr = &CompileError{Err: err}
			return
		}
		r.compiled = compiled
	})
	return r.compiled, r.compileErr
}

func buildCompiled(tpl *Template) (*compiledTemplate, error) {
	if tpl == nil {
		return nil, errors.New("no template loaded")
	}
	if err := tpl.validate(); err != nil {
		return nil, err
	}

	page := tpl.Page
	if page.Size == "" {
		page.Size = "A4"
	}
	if page.Orientation == "" {
		page.Orientation = "P"
	}
	if page.Margin <= 0 {
		page.Margin = 15
	}

	// Static template text is encoded here so a layout the core fonts cannot
	// represent fails at compile time, not per render.
	title, err := encodeCP1252(tpl.Title)
	if err != nil {
		return nil, err
	}
	compiled := &compiledTemplate{
		title:      title,
		page:       page,
		parameters: append([]string{}, tpl.Parameters...),
	}
	for _, col := range tpl.Columns {
		header, err := encodeCP1252(col.Header)
		if err != nil {
			return nil, err
		}
		compiled.columns = append(compiled.columns, compiledColumn{
			header: header,
			width:  col.Width,
			value:  fieldAccessors[col.Field],
		})
	}
	return compiled, nil
}

// Render binds the record snapshot and parameter map to the compiled template
// and returns the exported PDF bytes. The snapshot order is preserved as the
// row order. A zero-record snapshot still yields a well-formed document.
func (r *Renderer) Render(records []domain.User, params map[string]string) ([]byte, error) {
	compiled, err := r.compile()
	if err != nil {
		return nil, err
	}
	if err := compiled.checkParams(params); err != nil {
		return nil, &RenderError{Err: err}
	}

	// Bind before drawing: all text is mapped onto the cp1252 byte set the
	// core fonts use, so an unencodable value fails the call outright rather
	// than producing a partially drawn document.
	paramLines := make([]string, 0, len(compiled.parameters))
	for _, name := range compiled.parameters {
		line, err := encodeCP1252(fmt.Sprintf("%s: %s", name, params[name]))
		if err != nil {
			return nil, &RenderError{Err: err}
		}
		paramLines = append(paramLines, line)
	}
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		row := make([]string, len(compiled.columns))
		for i, col := range compiled.columns {
			value, err := encodeCP1252(col.value(record))
			if err != nil {
				return nil, &RenderError{Err: err}
			}
			row[i] = value
		}
		rows = append(rows, row)
	}

	margin := compiled.page.Margin
	pdf := fpdf.New(compiled.page.Orientation, "mm", compiled.page.Size, "")
	pdf.SetCreationDate(documentDate)
	pdf.SetModificationDate(documentDate)
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, margin)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 10, compiled.title, "", 1, "C", false, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	for _, line := range paramLines {
		pdf.CellFormat(0, 6, line, "", 1, "L", false, 0, "")
	}
	pdf.Ln(3)

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	for _, col := range compiled.columns {
		pdf.CellFormat(col.width, 8, col.header, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	for _, row := range rows {
		for i, col := range compiled.columns {
			pdf.CellFormat(col.width, 7, row[i], "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, &RenderError{Err: err}
	}
	return buf.Bytes(), nil
}

// checkParams requires the supplied keys to exactly match the declared
// parameter set: every declared parameter present, nothing undeclared.
func (c *compiledTemplate) checkParams(params map[string]string) error {
	for _, name := range c.parameters {
		if _, ok := params[name]; !ok {
			return fmt.Errorf("missing parameter %q", name)
		}
	}
	for name := range params {
		if !c.declaresParam(name) {
			return fmt.Errorf("undeclared parameter %q", name)
		}
	}
	return nil
}

func (c *compiledTemplate) declaresParam(name string) bool {
	for _, declared := range c.parameters {
		if declared == name {
			return true
		}
	}
	return false
}
