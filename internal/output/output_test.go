package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bgpack/catalogsync/internal/core"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func sampleRecords() []core.GameRecord {
	return []core.GameRecord{
		{
			ExternalID:         "13",
			Name:               "Catan",
			YearPublished:      intp(1995),
			MinPlayers:         intp(3),
			MaxPlayers:         intp(4),
			PlayingTimeMinutes: intp(120),
			AverageRating:      floatp(7.09),
			AverageComplexity:  floatp(2.29),
			Rank:               intp(520),
			SuggestedPlayerCounts: []core.PlayerCountSuggestion{
				{Players: "3", Tag: core.PlayerCountRecommended},
				{Players: "4", Tag: core.PlayerCountBest},
			},
		},
		{ExternalID: "99", Name: "Pipe | Dream"},
	}
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("md")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.ErrorContains(t, err, "table|json|markdown")
}

func TestTableRecords(t *testing.T) {
	rendered, err := NewFormatter(FormatTable).FormatRecords("Search: catan", sampleRecords())
	require.NoError(t, err)
	require.Contains(t, rendered, "Catan")
	require.Contains(t, rendered, "3-4")
	require.Contains(t, rendered, "120m")
	require.Contains(t, rendered, "7.09")
	require.Contains(t, rendered, "2 records")
}

func TestJSONRecords(t *testing.T) {
	rendered, err := NewFormatter(FormatJSON).FormatRecords("", nil)
	require.NoError(t, err)

	var decoded struct {
		Count   int               `json:"count"`
		Records []core.GameRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(rendered), &decoded))
	require.Zero(t, decoded.Count)
	require.NotNil(t, decoded.Records)

	rendered, err = NewFormatter(FormatJSON).FormatRecords("collection", sampleRecords())
	require.NoError(t, err)
	require.Contains(t, rendered, `"external_id": "13"`)
	require.Contains(t, rendered, `"average_complexity": 2.29`)
	require.NotContains(t, rendered, `"rank": null`)
}

func TestMarkdownEscapesCells(t *testing.T) {
	rendered, err := NewFormatter(FormatMarkdown).FormatRecords("Details", sampleRecords())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rendered, "## Details"))
	require.Contains(t, rendered, `Pipe \| Dream`)
	require.Contains(t, rendered, "**Records**: 2")
}

func TestFormatHealth(t *testing.T) {
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	view := HealthView{
		Endpoints: []core.EndpointHealthState{
			{Endpoint: "search"},
			{Endpoint: "thing", CircuitOpen: true, CircuitOpenedAt: &opened, ConsecutiveFailures: 5, TotalRequests: 9},
		},
		Budget: core.BudgetState{Used: 720, Limit: 720, Exhausted: true, SuccessRate: 0.5},
	}

	rendered, err := NewFormatter(FormatTable).FormatHealth(view)
	require.NoError(t, err)
	require.Contains(t, rendered, "open since 2026-03-01T12:00:00Z")
	require.Contains(t, rendered, "budget 720/720 (exhausted)")
	require.Contains(t, rendered, "success rate 50.0%")

	rendered, err = NewFormatter(FormatMarkdown).FormatHealth(HealthView{})
	require.NoError(t, err)
	require.Contains(t, rendered, "budget 0/unlimited")
}

func TestFormatEvents(t *testing.T) {
	events := []core.HealthEvent{
		{ID: "e2", Kind: core.HealthEventResetAll, OccurredAt: time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)},
		{ID: "e1", Endpoint: "thing", Kind: core.HealthEventCircuitOpened, Detail: "failure threshold reached"},
	}

	rendered, err := NewFormatter(FormatTable).FormatEvents(events)
	require.NoError(t, err)
	require.Contains(t, rendered, "reset_all")
	require.Contains(t, rendered, "failure threshold reached")

	rendered, err = NewFormatter(FormatTable).FormatEvents(nil)
	require.NoError(t, err)
	require.Contains(t, rendered, "no events recorded")

	rendered, err = NewFormatter(FormatJSON).FormatEvents(events)
	require.NoError(t, err)
	require.Contains(t, rendered, `"count": 2`)
}
