package ner

import (
	"context"
	"regexp"
	"strings"
)

var (
	// youtube.com/@handle, with or without scheme and www.
	profileURLPattern = regexp.MustCompile(`youtube\.com/(@[A-Za-z0-9_.\-]+)`)

	// " @handle" or "@handle" at the start of the text. The preceding
	// whitespace keeps e-mail addresses and URL paths out.
	mentionPattern = regexp.MustCompile(`(?:^|\s)(@[A-Za-z0-9_.\-]+)`)
)

// PatternExtractor finds VOCALIST_REF entities with two fixed, case-sensitive
// patterns.
type PatternExtractor struct{}

// NewPatternExtractor returns a regex-backed extractor.
func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{}
}

// ExtractEntities returns one VOCALIST_REF entity per distinct handle, in
// order of first appearance. It never fails.
func (p *PatternExtractor) ExtractEntities(_ context.Context, text string) ([]Entity, error) {
	seen := make(map[string]bool)
	var entities []Entity

	for _, pattern := range []*regexp.Regexp{profileURLPattern, mentionPattern} {
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			span := trimHandle(m[1])
			if len(span) < 2 || seen[span] {
				continue
			}
			seen[span] = true
			entities = append(entities, Entity{Label: LabelVocalistRef, Text: span})
		}
	}

	return entities, nil
}

// DeriveMap implements Extractor.
func (p *PatternExtractor) DeriveMap(entities []Entity, label string) map[string]string {
	return deriveHandleMap(entities, label)
}

// trimHandle drops sentence punctuation that the handle character class lets
// through, e.g. the full stop in "thanks @guest1.".
func trimHandle(span string) string {
	return strings.TrimRight(span, ".-")
}
