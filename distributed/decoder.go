package distributed

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/researchaccelerator-hub/vocalist-crawler/model"
)

// ErrNoDecoder is returned by Subscribe when no body decoder is registered for
// the topic.
var ErrNoDecoder = errors.New("no decoder registered for topic")

// Decoder turns a raw payload into a typed body.
type Decoder func(data []byte) (interface{}, error)

// JSONDecoder decodes payloads into values of type T.
func JSONDecoder[T any]() Decoder {
	return func(data []byte) (interface{}, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Registry maps topics to body decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// NewDefaultRegistry registers the crawler's record types on topics.
func NewDefaultRegistry(topics Topics) *Registry {
	r := NewRegistry()
	r.Register(topics.Channels, JSONDecoder[model.ChannelRecord]())
	r.Register(topics.Videos, JSONDecoder[model.VideoRecord]())
	r.Register(topics.DeadLetter, JSONDecoder[DeadLetterMessage]())
	return r
}

// Register sets the decoder for topic, replacing any previous one.
func (r *Registry) Register(topic string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[topic] = d
}

// Lookup returns the decoder for topic or an error wrapping ErrNoDecoder.
func (r *Registry) Lookup(topic string) (Decoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDecoder, topic)
	}
	return d, nil
}
