package output

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/bgpack/catalogsync/internal/core"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}

// FormatRecords renders game records as a table.
func (f *TableFormatter) FormatRecords(title string, records []core.GameRecord) (string, error) {
	t := newTable()
	if title != "" {
		t.SetTitle(title)
	}
	t.AppendHeader(table.Row{"ID", "Name", "Year", "Players", "Time", "Best", "Rating", "Weight", "Rank"})

	for _, r := range records {
		t.AppendRow(table.Row{
			r.ExternalID,
			truncate(r.Name, maxNameWidth),
			intField(r.YearPublished),
			playersField(r),
			playTimeField(r),
			bestAtField(r),
			floatField(r.AverageRating),
			floatField(r.AverageComplexity),
			intField(r.Rank),
		})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d records", len(records))})

	return t.Render(), nil
}

// FormatHealth renders endpoint breaker state with a budget footer.
func (f *TableFormatter) FormatHealth(view HealthView) (string, error) {
	t := newTable()
	t.AppendHeader(table.Row{"Endpoint", "Circuit", "Consecutive Failures", "Requests"})

	for _, s := range view.Endpoints {
		t.AppendRow(table.Row{
			s.Endpoint,
			circuitField(s),
			strconv.Itoa(s.ConsecutiveFailures),
			strconv.FormatInt(s.TotalRequests, 10),
		})
	}
	t.AppendFooter(table.Row{"", budgetSummary(view.Budget), "", ""})

	return t.Render(), nil
}

// FormatEvents renders health event history, newest first.
func (f *TableFormatter) FormatEvents(events []core.HealthEvent) (string, error) {
	t := newTable()
	t.AppendHeader(table.Row{"When", "Endpoint", "Kind", "Detail"})

	for _, e := range events {
		t.AppendRow(table.Row{
			timeField(e.OccurredAt),
			textField(e.Endpoint),
			e.Kind,
			textField(e.Detail),
		})
	}
	if len(events) == 0 {
		t.AppendRow(table.Row{missing, missing, "no events recorded", missing})
	}

	return t.Render(), nil
}
