// Package preprocess turns raw video metadata into the normalized text used by
// the cover filter and the reference extractors.
package preprocess

import (
	"regexp"

	"github.com/mozillazg/go-unidecode"
	"golang.org/x/text/unicode/norm"

	"github.com/researchaccelerator-hub/vocalist-crawler/model"
)

// NewlineToken replaces literal newlines so that the normalized text is a
// single line while line boundaries stay visible to the extractors.
const NewlineToken = "<NEWLINE>"

var (
	// Everything outside word characters, the fixed punctuation set and the
	// hiragana, katakana and CJK ranges is replaced by a space.
	disallowedPattern = regexp.MustCompile(`[^\w+:/\\.#=\-?’'<>@\n\x{3040}-\x{309F}\x{30A0}-\x{30FF}\x{4300}-\x{9FAF}]`)

	newlinePattern         = regexp.MustCompile(`\n`)
	horizontalSpacePattern = regexp.MustCompile(`[ \t\r\f]+`)
)

// CleanText transliterates s to ASCII, strips disallowed characters, swaps
// newlines for NewlineToken and collapses horizontal whitespace.
// CleanText(CleanText(s)) == CleanText(s).
func CleanText(s string) string {
	ascii := unidecode.Unidecode(norm.NFKC.String(s))
	stripped := disallowedPattern.ReplaceAllString(ascii, " ")
	tokenized := newlinePattern.ReplaceAllString(stripped, " "+NewlineToken+" ")
	return horizontalSpacePattern.ReplaceAllString(tokenized, " ")
}

// Normalize returns a copy of v with NormalizedText derived from its title and
// description. It only reads the raw fields, so it is idempotent.
func Normalize(v model.VideoRecord) model.VideoRecord {
	text := CleanText(v.Title + "\n" + v.Description)
	v.NormalizedText = &text
	return v
}

// NormalizeAll normalizes every record in videos.
func NormalizeAll(videos []model.VideoRecord) []model.VideoRecord {
	out := make([]model.VideoRecord, 0, len(videos))
	for _, v := range videos {
		out = append(out, Normalize(v))
	}
	return out
}
