package core

// Endpoint names one upstream resource family. Health and metrics are tracked per endpoint.
type Endpoint string

const (
	EndpointSearch     Endpoint = "search"
	EndpointCollection Endpoint = "collection"
	EndpointThing      Endpoint = "thing"
)

// PlayerCountTag classifies a suggested player count from the community poll.
type PlayerCountTag string

const (
	PlayerCountBest        PlayerCountTag = "best"
	PlayerCountRecommended PlayerCountTag = "recommended"
)

// PlayerCountSuggestion is one poll-derived player count recommendation.
type PlayerCountSuggestion struct {
	Players string         `json:"players"`
	Tag     PlayerCountTag `json:"tag"`
}

// GameRecord is the normalized representation of one catalog entry.
// Optional fields are nil when the upstream omitted them or sent a sentinel value.
type GameRecord struct {
	ExternalID            string                  `json:"external_id"`
	Name                  string                  `json:"name"`
	YearPublished         *int                    `json:"year_published,omitempty"`
	MinPlayers            *int                    `json:"min_players,omitempty"`
	MaxPlayers            *int                    `json:"max_players,omitempty"`
	PlayingTimeMinutes    *int                    `json:"playing_time_minutes,omitempty"`
	MinAge                *int                    `json:"min_age,omitempty"`
	Description           string                  `json:"description,omitempty"`
	ImageURL              string                  `json:"image_url,omitempty"`
	ThumbnailURL          string                  `json:"thumbnail_url,omitempty"`
	BayesRating           *float64                `json:"bayes_rating,omitempty"`
	AverageRating         *float64                `json:"average_rating,omitempty"`
	AverageComplexity     *float64                `json:"average_complexity,omitempty"`
	Rank                  *int                    `json:"rank,omitempty"`
	SuggestedPlayerCounts []PlayerCountSuggestion `json:"suggested_player_counts,omitempty"`
}

// Valid reports whether the record carries both required fields.
func (r GameRecord) Valid() bool {
	return r.ExternalID != "" && r.Name != ""
}
