package output

import (
	"github.com/goccy/go-json"

	"github.com/bgpack/catalogsync/internal/core"
)

// JSONFormatter renders results as JSON.
type JSONFormatter struct {
	Indent bool
}

type recordList struct {
	Title   string            `json:"title,omitempty"`
	Count   int               `json:"count"`
	Records []core.GameRecord `json:"records"`
}

type eventList struct {
	Count  int                `json:"count"`
	Events []core.HealthEvent `json:"events"`
}

// FormatRecords renders records as {title, count, records}.
func (f *JSONFormatter) FormatRecords(title string, records []core.GameRecord) (string, error) {
	if records == nil {
		records = []core.GameRecord{}
	}
	return f.marshal(recordList{Title: title, Count: len(records), Records: records})
}

// FormatHealth renders the health view as JSON.
func (f *JSONFormatter) FormatHealth(view HealthView) (string, error) {
	if view.Endpoints == nil {
		view.Endpoints = []core.EndpointHealthState{}
	}
	return f.marshal(view)
}

// FormatEvents renders events as {count, events}.
func (f *JSONFormatter) FormatEvents(events []core.HealthEvent) (string, error) {
	if events == nil {
		events = []core.HealthEvent{}
	}
	return f.marshal(eventList{Count: len(events), Events: events})
}

func (f *JSONFormatter) marshal(value any) (string, error) {
	var (
		data []byte
		err  error
	)

	if f.Indent {
		data, err = json.MarshalIndent(value, "", "  ")
	} else {
		data, err = json.Marshal(value)
	}
	if err != nil {
		return "", err
	}

	return string(data), nil
}
