package normalize

import (
	"strings"

	"github.com/bgpack/catalogsync/internal/core"
)

// ParseSearch normalizes a search result document. Search items carry only id, name and year.
func (n *Normalizer) ParseSearch(data []byte) ([]core.GameRecord, error) {
	return n.parse(core.EndpointSearch, data, func(item rawItem) core.GameRecord {
		return core.GameRecord{
			ExternalID:    strings.TrimSpace(item.ID),
			Name:          primaryName(item.Names),
			YearPublished: parseCount(item.YearPublished.String()),
		}
	})
}
