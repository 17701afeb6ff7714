// Package normalize turns the upstream catalog's XML documents into core.GameRecord values.
//
// The upstream serves three document shapes (search, collection, thing) that disagree on
// identifier attributes and on whether scalars are attributes or element text. Items missing an
// identifier or a name are dropped and logged; a document that fails to parse at all is an error.
package normalize

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/bgpack/catalogsync/internal/core"
)

// ErrNormalization reports a document that could not be parsed at all.
var ErrNormalization = errors.New("normalization failure")

// Normalizer parses upstream documents. The zero value is ready to use.
type Normalizer struct {
	Logger *logging.Logger
}

type document struct {
	XMLName xml.Name
	Items   []rawItem `xml:"item"`
	Errors  []string  `xml:"error>message"`
}

type rawItem struct {
	ID            string           `xml:"id,attr"`
	ObjectID      string           `xml:"objectid,attr"`
	Names         []nameNode       `xml:"name"`
	YearPublished *valueNode       `xml:"yearpublished"`
	MinPlayers    *valueNode       `xml:"minplayers"`
	MaxPlayers    *valueNode       `xml:"maxplayers"`
	PlayingTime   *valueNode       `xml:"playingtime"`
	MinAge        *valueNode       `xml:"minage"`
	Description   string           `xml:"description"`
	Image         string           `xml:"image"`
	Thumbnail     string           `xml:"thumbnail"`
	Polls         []pollNode       `xml:"poll"`
	Statistics    *statisticsNode  `xml:"statistics"`
	Stats         *collectionStats `xml:"stats"`
}

type statisticsNode struct {
	Ratings *ratingsNode `xml:"ratings"`
}

type collectionStats struct {
	MinPlayers  string       `xml:"minplayers,attr"`
	MaxPlayers  string       `xml:"maxplayers,attr"`
	PlayingTime string       `xml:"playingtime,attr"`
	MinAge      string       `xml:"minage,attr"`
	Rating      *ratingsNode `xml:"rating"`
}

type ratingsNode struct {
	Average       *valueNode `xml:"average"`
	BayesAverage  *valueNode `xml:"bayesaverage"`
	AverageWeight *valueNode `xml:"averageweight"`
	AvgWeight     *valueNode `xml:"avgweight"`
	Ranks         []rankNode `xml:"ranks>rank"`
}

// itemBuilder extracts one record from a raw item for a specific document shape.
type itemBuilder func(item rawItem) core.GameRecord

func (n *Normalizer) parse(endpoint core.Endpoint, data []byte, build itemBuilder) ([]core.GameRecord, error) {
	doc, err := decode(data)
	if err != nil {
		return nil, err
	}

	records := make([]core.GameRecord, 0, len(doc.Items))
	for i, item := range doc.Items {
		record := build(item)
		if !record.Valid() {
			n.dropped(endpoint, i, record)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func decode(data []byte) (*document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrNormalization)
	}

	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Entity = xml.HTMLEntity

	var doc document
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNormalization, err)
	}
	if strings.EqualFold(doc.XMLName.Local, "errors") {
		return nil, fmt.Errorf("%w: upstream error document: %s", ErrNormalization, strings.Join(trimAll(doc.Errors), "; "))
	}
	return &doc, nil
}

func (n *Normalizer) dropped(endpoint core.Endpoint, index int, record core.GameRecord) {
	if n == nil || n.Logger == nil {
		return
	}
	reason := "missing identifier"
	if record.ExternalID != "" {
		reason = "missing name"
	}
	n.Logger.Warn("dropping malformed catalog item",
		zap.String("endpoint", string(endpoint)),
		zap.Int("index", index),
		zap.String("external_id", record.ExternalID),
		zap.String("reason", reason))
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}
