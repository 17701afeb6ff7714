package output

import (
	"fmt"
	"strings"

	"github.com/bgpack/catalogsync/internal/core"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// HealthView is the operator view of endpoint breakers and the hourly budget.
type HealthView struct {
	Endpoints []core.EndpointHealthState `json:"endpoints"`
	Budget    core.BudgetState           `json:"budget"`
}

// Formatter renders catalog records and endpoint health.
type Formatter interface {
	FormatRecords(title string, records []core.GameRecord) (string, error)
	FormatHealth(view HealthView) (string, error)
	FormatEvents(events []core.HealthEvent) (string, error)
}

var formatAliases = map[string]Format{
	"":         FormatTable,
	"table":    FormatTable,
	"json":     FormatJSON,
	"markdown": FormatMarkdown,
	"md":       FormatMarkdown,
}

// Formats lists the canonical format names, for flag help.
func Formats() []Format {
	return []Format{FormatTable, FormatJSON, FormatMarkdown}
}

// ParseFormat accepts a format name or alias, case-insensitively.
func ParseFormat(value string) (Format, error) {
	if format, ok := formatAliases[strings.ToLower(strings.TrimSpace(value))]; ok {
		return format, nil
	}
	return "", fmt.Errorf("unsupported output format %q (want one of %s)", value, joinFormats(Formats(), "|"))
}

// NewFormatter returns the formatter for format. Unknown formats render as a table.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

func joinFormats(formats []Format, sep string) string {
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}
	return strings.Join(names, sep)
}

// FormatHelp is the --format flag description.
func FormatHelp() string {
	return "Output format: " + joinFormats(Formats(), "|")
}
