package config

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/polisai/polis-limitsize/pkg/domain"
)

// ConfigError represents a filter configuration error. When the decoder reports
// where it stopped, Offset, Line and Column locate the failure in the source
// (Line and Column are 1-based; zero means unknown).
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
	Offset int64
	Line   int
	Column int
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Field != "" {
		fmt.Fprintf(&b, " in field '%s'", e.Field)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d column %d", e.Line, e.Column)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Unwrap exposes both the decoder error and domain.ErrConfigInvalid.
func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{domain.ErrConfigInvalid}
	}
	return []error{e.Err, domain.ErrConfigInvalid}
}

// HasLocation reports whether the error points at a position in the source.
func (e *ConfigError) HasLocation() bool {
	return e.Line > 0
}

// ErrorLines renders the failing source region: up to before lines of context
// above the failing line, the line itself, a caret under the failing column,
// the reason, and up to after lines below. Errors without a location render
// as a single line.
func (e *ConfigError) ErrorLines(src string, before, after int) []string {
	if !e.HasLocation() {
		return []string{e.Error()}
	}

	lines := strings.Split(src, "\n")
	idx := e.Line - 1
	if idx >= len(lines) {
		idx = len(lines) - 1
	}
	first := max(idx-before, 0)
	last := min(idx+after, len(lines)-1)
	width := len(fmt.Sprint(last + 1))

	out := make([]string, 0, last-first+3)
	for i := first; i <= idx; i++ {
		out = append(out, fmt.Sprintf("%*d | %s", width, i+1, strings.TrimRight(lines[i], "\r")))
	}
	col := max(e.Column, 1)
	caretLine := strings.TrimRight(lines[idx], "\r")
	out = append(out, fmt.Sprintf("%s | %s^", strings.Repeat(" ", width), caretPadding(caretLine, col)))
	out = append(out, fmt.Sprintf("%s = %s", strings.Repeat(" ", width), e.Error()))
	for i := idx + 1; i <= last; i++ {
		out = append(out, fmt.Sprintf("%*d | %s", width, i+1, strings.TrimRight(lines[i], "\r")))
	}
	return out
}

// newDecodeError classifies a decoder error and resolves its location in src.
func newDecodeError(src []byte, err error) *ConfigError {
	cfgErr := &ConfigError{Reason: err.Error(), Err: err, Offset: -1}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		cfgErr.Offset = syntaxErr.Offset
	case errors.As(err, &typeErr):
		cfgErr.Offset = typeErr.Offset
		cfgErr.Field = typeErr.Field
		cfgErr.Value = typeErr.Value
		cfgErr.Reason = fmt.Sprintf("cannot use %s as %s", typeErr.Value, typeErr.Type)
	}

	if cfgErr.Offset >= 0 {
		cfgErr.Line, cfgErr.Column = lineColumn(src, cfgErr.Offset)
	}
	return cfgErr
}

// caretPadding returns the indent that puts a caret under column col of line.
// Tabs before the column are copied.
func caretPadding(line string, col int) string {
	var b strings.Builder
	n := 0
	for _, r := range line {
		if n >= col-1 {
			break
		}
		if r == '\t' {
			b.WriteByte('\t')
		} else {
			b.WriteByte(' ')
		}
		n++
	}
	b.WriteString(strings.Repeat(" ", max(col-1-n, 0)))
	return b.String()
}

// lineColumn converts a byte offset to a 1-based line and column, clamping
// offsets past the end of src to its last byte. Columns count characters,
// not bytes.
func lineColumn(src []byte, offset int64) (int, int) {
	if offset > int64(len(src)) {
		offset = int64(len(src))
	}
	if offset < 0 {
		offset = 0
	}
	line, col := 1, 1
	for _, r := range string(src[:offset]) {
		if r == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
