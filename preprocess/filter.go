package preprocess

import (
	"regexp"
	"strings"

	"github.com/researchaccelerator-hub/vocalist-crawler/model"
)

// CoverKeywords mark a video as a cover. "tsutemita" and "utattemita" are what
// 歌ってみた transliterates to.
var CoverKeywords = []string{"cover", "tsutemita", "utattemita", "utaite"}

var coverPattern = compileKeywords(CoverKeywords)

func compileKeywords(keywords []string) *regexp.Regexp {
	quoted := make([]string, 0, len(keywords))
	for _, k := range keywords {
		quoted = append(quoted, regexp.QuoteMeta(k))
	}
	return regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
}

// IsInScope reports whether v's normalized text mentions any cover keyword.
// Records that have not been normalized yet are normalized first.
func IsInScope(v model.VideoRecord) bool {
	if !v.IsNormalized() {
		v = Normalize(v)
	}
	return coverPattern.MatchString(v.Text())
}

// FilterInScope keeps only the in-scope videos, preserving order.
func FilterInScope(videos []model.VideoRecord) []model.VideoRecord {
	var out []model.VideoRecord
	for _, v := range videos {
		if IsInScope(v) {
			out = append(out, v)
		}
	}
	return out
}
