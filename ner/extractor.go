// Package ner extracts creator references from normalized video text.
//
// Two interchangeable implementations satisfy Extractor: PatternExtractor
// matches profile URLs and @-mentions with regular expressions, and
// ModelExtractor delegates labelling to a hosted model. The variant is chosen
// once, at construction, by New.
package ner

import (
	"context"
	"strings"
)

// Entity labels produced by the extractors.
const (
	LabelOriginalLink  = "ORIGINAL_LINK"
	LabelOriginalTitle = "ORIGINAL_TITLE"
	LabelVocalistLink  = "VOCALIST_LINK"
	LabelVocalistName  = "VOCALIST_NAME"
	LabelVocalistRef   = "VOCALIST_REF"
)

// DefaultLabels is the label set the model extractor is restricted to.
var DefaultLabels = []string{
	LabelOriginalLink,
	LabelOriginalTitle,
	LabelVocalistLink,
	LabelVocalistName,
	LabelVocalistRef,
}

// Entity is a labelled span of text.
type Entity struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Extractor finds labelled entities in normalized text.
type Extractor interface {
	// ExtractEntities returns every labelled span found in text.
	ExtractEntities(ctx context.Context, text string) ([]Entity, error)

	// DeriveMap keys the entities carrying label by lower-cased handle. The
	// value is the raw span. Later entities overwrite earlier ones with the
	// same handle.
	DeriveMap(entities []Entity, label string) map[string]string
}

// deriveHandleMap is the DeriveMap shared by both extractors. YouTube handles
// are case-insensitive, so the key is the span without its leading '@',
// lower-cased.
func deriveHandleMap(entities []Entity, label string) map[string]string {
	out := make(map[string]string)
	for _, e := range entities {
		if e.Label != label {
			continue
		}
		handle := strings.ToLower(strings.TrimPrefix(e.Text, "@"))
		if handle == "" {
			continue
		}
		out[handle] = e.Text
	}
	return out
}
