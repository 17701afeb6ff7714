package output

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bgpack/catalogsync/internal/core"
)

// MarkdownFormatter renders results as markdown tables.
type MarkdownFormatter struct{}

// FormatRecords renders records as a Markdown table.
func (f *MarkdownFormatter) FormatRecords(title string, records []core.GameRecord) (string, error) {
	var sb strings.Builder
	if title != "" {
		sb.WriteString(fmt.Sprintf("## %s\n\n", escapeMarkdownCell(title)))
	}
	sb.WriteString("| ID | Name | Year | Players | Time | Best | Rating | Weight | Rank |\n")
	sb.WriteString("|----|------|------|---------|------|------|--------|--------|------|\n")

	for _, r := range records {
		writeMarkdownRow(&sb,
			r.ExternalID,
			r.Name,
			intField(r.YearPublished),
			playersField(r),
			playTimeField(r),
			bestAtField(r),
			floatField(r.AverageRating),
			floatField(r.AverageComplexity),
			intField(r.Rank),
		)
	}
	sb.WriteString(fmt.Sprintf("\n**Records**: %d\n", len(records)))
	return sb.String(), nil
}

// FormatHealth renders endpoint state as a Markdown table.
func (f *MarkdownFormatter) FormatHealth(view HealthView) (string, error) {
	var sb strings.Builder
	sb.WriteString("| Endpoint | Circuit | Consecutive Failures | Requests |\n")
	sb.WriteString("|----------|---------|----------------------|----------|\n")
	for _, s := range view.Endpoints {
		writeMarkdownRow(&sb,
			s.Endpoint,
			circuitField(s),
			strconv.Itoa(s.ConsecutiveFailures),
			strconv.FormatInt(s.TotalRequests, 10),
		)
	}
	sb.WriteString(fmt.Sprintf("\n**Budget**: %s\n", budgetSummary(view.Budget)))
	return sb.String(), nil
}

// FormatEvents renders health events as a Markdown table.
func (f *MarkdownFormatter) FormatEvents(events []core.HealthEvent) (string, error) {
	var sb strings.Builder
	sb.WriteString("| When | Endpoint | Kind | Detail |\n")
	sb.WriteString("|------|----------|------|--------|\n")
	for _, e := range events {
		writeMarkdownRow(&sb, timeField(e.OccurredAt), textField(e.Endpoint), e.Kind, textField(e.Detail))
	}
	return sb.String(), nil
}

func writeMarkdownRow(sb *strings.Builder, cells ...string) {
	sb.WriteString("|")
	for _, cell := range cells {
		sb.WriteString(" ")
		sb.WriteString(escapeMarkdownCell(cell))
		sb.WriteString(" |")
	}
	sb.WriteString("\n")
}

func escapeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.ReplaceAll(value, "|", "\\|")
}
