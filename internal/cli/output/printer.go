// Package output renders command results as tables, JSON, or YAML and
// prints colored status lines.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Format selects how command results are rendered.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat maps a --output flag value to a Format. The empty string
// means table, and "yml" is accepted as YAML.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
}

func (f Format) String() string {
	return string(f)
}

// Printer writes command results in one format to one writer.
type Printer struct {
	out    io.Writer
	format Format
	color  bool
}

// NewPrinter creates a Printer. Color only affects the status line
// helpers; structured output is never colored.
func NewPrinter(out io.Writer, format Format, color bool) *Printer {
	return &Printer{out: out, format: format, color: color}
}

// DefaultPrinter writes tables to stdout with color enabled.
func DefaultPrinter() *Printer {
	return NewPrinter(os.Stdout, FormatTable, true)
}

// Writer exposes the underlying writer for direct table rendering.
func (p *Printer) Writer() io.Writer {
	return p.out
}

// Print renders data in the configured format. Table format requires a
// TableRenderer; anything else falls back to JSON so structured data is
// never silently dropped.
func (p *Printer) Print(data any) error {
	switch p.format {
	case FormatTable:
		if r, ok := data.(TableRenderer); ok {
			return PrintTable(p.out, r)
		}
		return PrintJSON(p.out, data)
	case FormatJSON:
		return PrintJSON(p.out, data)
	case FormatYAML:
		return PrintYAML(p.out, data)
	}
	return fmt.Errorf("unknown output format: %s", p.format)
}

func (p *Printer) Println(args ...any) {
	_, _ = fmt.Fprintln(p.out, args...)
}

func (p *Printer) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// Success prints msg as a green status line.
func (p *Printer) Success(msg string) {
	p.statusLine("32", msg)
}

// Warning prints msg as a yellow status line.
func (p *Printer) Warning(msg string) {
	p.statusLine("33", msg)
}

// Error prints msg as a red status line.
func (p *Printer) Error(msg string) {
	p.statusLine("31", msg)
}

func (p *Printer) statusLine(ansiCode, msg string) {
	if p.color {
		_, _ = fmt.Fprintf(p.out, "\033[%sm%s\033[0m\n", ansiCode, msg)
		return
	}
	_, _ = fmt.Fprintln(p.out, msg)
}

// timeFormat is the local-time layout used by FormatTime.
const timeFormat = "Mon Jan 2 15:04:05 2006"

// FormatTime renders an RFC3339 timestamp as a local time for display.
// Unparseable input is passed through unchanged.
func FormatTime(timestamp string) string {
	t, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return timestamp
	}
	return t.Local().Format(timeFormat)
}
