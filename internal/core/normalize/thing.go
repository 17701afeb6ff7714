package normalize

import (
	"strings"

	"github.com/bgpack/catalogsync/internal/core"
)

// ParseThings normalizes a thing (detail) document, including statistics and poll data.
func (n *Normalizer) ParseThings(data []byte) ([]core.GameRecord, error) {
	return n.parse(core.EndpointThing, data, buildThing)
}

func buildThing(item rawItem) core.GameRecord {
	record := core.GameRecord{
		ExternalID:            strings.TrimSpace(item.ID),
		Name:                  primaryName(item.Names),
		YearPublished:         parseCount(item.YearPublished.String()),
		MinPlayers:            parseCount(item.MinPlayers.String()),
		MaxPlayers:            parseCount(item.MaxPlayers.String()),
		PlayingTimeMinutes:    parseCount(item.PlayingTime.String()),
		MinAge:                parseCount(item.MinAge.String()),
		Description:           strings.TrimSpace(item.Description),
		ImageURL:              cleanURL(item.Image),
		ThumbnailURL:          cleanURL(item.Thumbnail),
		SuggestedPlayerCounts: suggestedPlayerCounts(item.Polls),
	}

	if item.Statistics != nil {
		applyRatings(&record, item.Statistics.Ratings)
	}
	return record
}

// applyRatings copies rating, complexity and rank values when the ratings block is present.
func applyRatings(record *core.GameRecord, ratings *ratingsNode) {
	if ratings == nil {
		return
	}
	record.AverageRating = parseDecimal(ratings.Average.String())
	record.BayesRating = parseDecimal(ratings.BayesAverage.String())
	record.AverageComplexity = parseDecimal(ratings.AverageWeight.String())
	if record.AverageComplexity == nil {
		record.AverageComplexity = parseDecimal(ratings.AvgWeight.String())
	}
	record.Rank = primaryRank(ratings.Ranks)
}
