package preprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/researchaccelerator-hub/vocalist-crawler/model"
)

func TestIsInScope(t *testing.T) {
	tests := []struct {
		name        string
		title       string
		description string
		expected    bool
	}{
		{"keyword in title", "Acoustic Cover", "", true},
		{"keyword in description", "Song", "this is a COVER of", true},
		{"mixed case", "CoVeR", "", true},
		{"utaite", "", "utaite collab", true},
		{"utattemita", "Utattemita", "", true},
		{"japanese utattemita", "【歌ってみた】春", "", true},
		{"no keyword", "Original song", "my own composition", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := model.VideoRecord{VideoID: "v", Title: tt.title, Description: tt.description}

			assert.Equal(t, tt.expected, IsInScope(v), "raw record")
			assert.Equal(t, tt.expected, IsInScope(Normalize(v)), "normalized record")
		})
	}
}

func TestFilterInScope(t *testing.T) {
	videos := NormalizeAll([]model.VideoRecord{
		{VideoID: "a", Title: "Acoustic Cover"},
		{VideoID: "b", Title: "Vlog"},
		{VideoID: "c", Description: "utaite"},
	})

	out := FilterInScope(videos)

	ids := make([]string, 0, len(out))
	for _, v := range out {
		ids = append(ids, v.VideoID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}
