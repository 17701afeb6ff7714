package normalize

import (
	"math"
	"strconv"
	"strings"
)

// valueNode matches both encodings the upstream uses for scalar fields:
// <minplayers value="3"/> and <yearpublished>1995</yearpublished>.
type valueNode struct {
	Value string `xml:"value,attr"`
	Text  string `xml:",chardata"`
}

func (v *valueNode) String() string {
	if v == nil {
		return ""
	}
	if value := strings.TrimSpace(v.Value); value != "" {
		return value
	}
	return strings.TrimSpace(v.Text)
}

// nameNode is a <name> element; search and thing use a value attribute, collection uses text.
type nameNode struct {
	Type  string `xml:"type,attr"`
	Value string `xml:"value,attr"`
	Text  string `xml:",chardata"`
}

func (n nameNode) String() string {
	if value := strings.TrimSpace(n.Value); value != "" {
		return value
	}
	return strings.TrimSpace(n.Text)
}

// primaryName returns the primary name, falling back to the first non-empty one.
func primaryName(names []nameNode) string {
	for _, name := range names {
		if strings.EqualFold(name.Type, "primary") {
			if value := name.String(); value != "" {
				return value
			}
		}
	}
	for _, name := range names {
		if value := name.String(); value != "" {
			return value
		}
	}
	return ""
}

// isSentinel reports values the upstream uses to mean "no value".
func isSentinel(raw string) bool {
	switch strings.ToLower(raw) {
	case "", "n/a", "not ranked":
		return true
	}
	return false
}

// parseCount parses a non-negative integer. Sentinels, garbage and negatives yield nil.
func parseCount(raw string) *int {
	raw = strings.TrimSpace(raw)
	if isSentinel(raw) {
		return nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return nil
		}
		if f > math.MaxInt32 || f < math.MinInt32 {
			return nil
		}
		value = int(f)
	}
	if value < 0 {
		return nil
	}
	return &value
}

// parseRank is parseCount restricted to positive values.
func parseRank(raw string) *int {
	value := parseCount(raw)
	if value == nil || *value <= 0 {
		return nil
	}
	return value
}

// parseDecimal parses a non-negative decimal. Sentinels, garbage and negatives yield nil.
func parseDecimal(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if isSentinel(raw) {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return nil
	}
	return &value
}

// cleanURL trims the value and upgrades protocol-relative image URLs.
func cleanURL(raw string) string {
	value := strings.TrimSpace(raw)
	if strings.HasPrefix(value, "//") {
		return "https:" + value
	}
	return value
}
