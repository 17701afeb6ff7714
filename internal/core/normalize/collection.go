package normalize

import (
	"strings"

	"github.com/bgpack/catalogsync/internal/core"
)

// ParseCollection normalizes a user collection document. Collection items are keyed by the
// objectid attribute and carry player counts and ratings as attributes of <stats>.
func (n *Normalizer) ParseCollection(data []byte) ([]core.GameRecord, error) {
	return n.parse(core.EndpointCollection, data, buildCollectionItem)
}

func buildCollectionItem(item rawItem) core.GameRecord {
	record := core.GameRecord{
		ExternalID:    strings.TrimSpace(item.ObjectID),
		Name:          primaryName(item.Names),
		YearPublished: parseCount(item.YearPublished.String()),
		ImageURL:      cleanURL(item.Image),
		ThumbnailURL:  cleanURL(item.Thumbnail),
	}

	if stats := item.Stats; stats != nil {
		record.MinPlayers = parseCount(stats.MinPlayers)
		record.MaxPlayers = parseCount(stats.MaxPlayers)
		record.PlayingTimeMinutes = parseCount(stats.PlayingTime)
		record.MinAge = parseCount(stats.MinAge)
		applyRatings(&record, stats.Rating)
	}
	return record
}
