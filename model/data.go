// Package model defines the records exchanged between the crawler, the queue
// topics and the graph store.
package model

import (
	"fmt"
	"time"
)

// ChannelRecord is a resolved creator profile. It is the body of messages on
// the channels topic.
type ChannelRecord struct {
	ChannelID       string    `json:"channel_id"`
	Handle          string    `json:"handle"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	LastPublishTime time.Time `json:"last_publish_time"`
	VideoCount      int64     `json:"video_count"`
}

// VideoRecord is a single content item. NormalizedText stays nil until the
// record has been through preprocess.Normalize.
type VideoRecord struct {
	VideoID        string    `json:"video_id"`
	ChannelID      string    `json:"channel_id"`
	PublishTime    time.Time `json:"publish_time"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	NormalizedText *string   `json:"cleaned_text"`
}

// IsNormalized reports whether the normalized text has been populated.
func (v VideoRecord) IsNormalized() bool {
	return v.NormalizedText != nil
}

// Text returns the normalized text, or an empty string when it is absent.
func (v VideoRecord) Text() string {
	if v.NormalizedText == nil {
		return ""
	}
	return *v.NormalizedText
}

// UploadEdge links a channel to a video it uploaded.
type UploadEdge struct {
	ChannelID string `json:"channel_id"`
	VideoID   string `json:"video_id"`
}

// Key is the composite key that makes repeated inserts idempotent.
func (e UploadEdge) Key() string {
	return EdgeKey(e.ChannelID, e.VideoID)
}

// VocalistEdge links a video to a channel referenced in its text.
type VocalistEdge struct {
	VideoID   string `json:"video_id"`
	ChannelID string `json:"channel_id"`
}

// Key is the composite key that makes repeated inserts idempotent.
func (e VocalistEdge) Key() string {
	return EdgeKey(e.VideoID, e.ChannelID)
}

// EdgeKey builds the "{from}-{to}" key used by both edge collections.
func EdgeKey(from, to string) string {
	return fmt.Sprintf("%s-%s", from, to)
}
