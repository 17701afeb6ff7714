package normalize

import (
	"strings"

	"github.com/bgpack/catalogsync/internal/core"
)

const (
	playerCountPoll = "suggested_numplayers"
	primaryRankName = "boardgame"
	voteBest        = "best"
	voteRecommended = "recommended"
)

type rankNode struct {
	Type  string `xml:"type,attr"`
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type pollNode struct {
	Name    string        `xml:"name,attr"`
	Results []pollResults `xml:"results"`
}

type pollResults struct {
	NumPlayers string       `xml:"numplayers,attr"`
	Votes      []pollResult `xml:"result"`
}

type pollResult struct {
	Value    string `xml:"value,attr"`
	NumVotes string `xml:"numvotes,attr"`
}

// primaryRank returns the overall board game rank, ignoring family and category ranks.
func primaryRank(ranks []rankNode) *int {
	for _, rank := range ranks {
		if strings.EqualFold(strings.TrimSpace(rank.Name), primaryRankName) {
			return parseRank(rank.Value)
		}
	}
	return nil
}

// suggestedPlayerCounts tags each polled player count best or recommended.
// A count is "best" when best votes exceed recommended votes, otherwise "recommended"
// when it received any recommended votes, and omitted otherwise.
func suggestedPlayerCounts(polls []pollNode) []core.PlayerCountSuggestion {
	for _, poll := range polls {
		if !strings.EqualFold(poll.Name, playerCountPoll) {
			continue
		}

		var suggestions []core.PlayerCountSuggestion
		for _, results := range poll.Results {
			players := strings.TrimSpace(results.NumPlayers)
			if players == "" {
				continue
			}

			best, recommended := 0, 0
			for _, vote := range results.Votes {
				count := parseCount(vote.NumVotes)
				if count == nil {
					continue
				}
				switch strings.ToLower(strings.TrimSpace(vote.Value)) {
				case voteBest:
					best = *count
				case voteRecommended:
					recommended = *count
				}
			}

			switch {
			case best > recommended:
				suggestions = append(suggestions, core.PlayerCountSuggestion{Players: players, Tag: core.PlayerCountBest})
			case recommended > 0:
				suggestions = append(suggestions, core.PlayerCountSuggestion{Players: players, Tag: core.PlayerCountRecommended})
			}
		}
		return suggestions
	}
	return nil
}
