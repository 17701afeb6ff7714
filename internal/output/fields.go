package output

import (
	"strconv"
	"strings"
	"time"

	"github.com/bgpack/catalogsync/internal/core"
)

const (
	missing      = "-"
	maxNameWidth = 48
)

func intField(v *int) string {
	if v == nil {
		return missing
	}
	return strconv.Itoa(*v)
}

func floatField(v *float64) string {
	if v == nil {
		return missing
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func playersField(r core.GameRecord) string {
	switch {
	case r.MinPlayers == nil && r.MaxPlayers == nil:
		return missing
	case r.MinPlayers == nil:
		return "up to " + intField(r.MaxPlayers)
	case r.MaxPlayers == nil || *r.MinPlayers == *r.MaxPlayers:
		return intField(r.MinPlayers)
	default:
		return intField(r.MinPlayers) + "-" + intField(r.MaxPlayers)
	}
}

func playTimeField(r core.GameRecord) string {
	if r.PlayingTimeMinutes == nil {
		return missing
	}
	return intField(r.PlayingTimeMinutes) + "m"
}

// bestAtField lists the player counts the community voted best.
func bestAtField(r core.GameRecord) string {
	var best []string
	for _, s := range r.SuggestedPlayerCounts {
		if s.Tag == core.PlayerCountBest {
			best = append(best, s.Players)
		}
	}
	if len(best) == 0 {
		return missing
	}
	return strings.Join(best, ",")
}

func truncate(value string, width int) string {
	runes := []rune(value)
	if len(runes) <= width {
		return value
	}
	return string(runes[:width-1]) + "…"
}

func circuitField(s core.EndpointHealthState) string {
	if !s.CircuitOpen {
		return "closed"
	}
	if s.CircuitOpenedAt != nil {
		return "open since " + s.CircuitOpenedAt.UTC().Format(time.RFC3339)
	}
	return "open"
}

func budgetSummary(b core.BudgetState) string {
	limit := "unlimited"
	if b.Limit > 0 {
		limit = strconv.FormatInt(b.Limit, 10)
	}
	summary := "budget " + strconv.FormatInt(b.Used, 10) + "/" + limit
	if b.Exhausted {
		summary += " (exhausted)"
	}
	return summary + ", success rate " + strconv.FormatFloat(b.SuccessRate*100, 'f', 1, 64) + "%"
}

func timeField(t time.Time) string {
	if t.IsZero() {
		return missing
	}
	return t.UTC().Format(time.RFC3339)
}

func textField(value string) string {
	if strings.TrimSpace(value) == "" {
		return missing
	}
	return value
}
