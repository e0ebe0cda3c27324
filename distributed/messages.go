// Package distributed provides the topic-addressed queue the crawl loops
// communicate through.
package distributed

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Topic names relative to the configured prefix.
const (
	TopicChannels   = "channels"
	TopicVideos     = "videos"
	TopicDeadLetter = "deadletter"
)

// DefaultTopicPrefix namespaces the topics as source/channels and
// source/videos.
const DefaultTopicPrefix = "source/"

// Topics holds the fully qualified topic names for one deployment.
type Topics struct {
	Channels   string
	Videos     string
	DeadLetter string
}

// NewTopics qualifies the topic names with prefix.
func NewTopics(prefix string) Topics {
	return Topics{
		Channels:   prefix + TopicChannels,
		Videos:     prefix + TopicVideos,
		DeadLetter: prefix + TopicDeadLetter,
	}
}

// Message is one delivery from a subscription. Body holds the value produced
// by the topic's decoder and Data the raw payload.
type Message struct {
	Topic string
	Data  []byte
	Body  interface{}
}

// DeadLetterMessage records an episode the crawler abandoned.
type DeadLetterMessage struct {
	Topic    string          `json:"topic"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	TraceID  string          `json:"trace_id"`
	FailedAt time.Time       `json:"failed_at"`
}

// NewDeadLetterMessage wraps the payload that failed on topic.
func NewDeadLetterMessage(topic string, payload []byte, cause error) DeadLetterMessage {
	msg := DeadLetterMessage{
		Topic:    topic,
		Payload:  json.RawMessage(payload),
		TraceID:  generateTraceID(),
		FailedAt: time.Now().UTC(),
	}
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(payload))
		msg.Payload = quoted
	}
	if cause != nil {
		msg.Error = cause.Error()
	}
	return msg
}

// generateTraceID generates a trace ID for distributed tracing
func generateTraceID() string {
	return uuid.New().String()
}

// routeFor turns a topic into a Dapr route or a NATS subject token list.
func routeFor(topic, sep string) string {
	return strings.ReplaceAll(topic, "/", sep)
}
