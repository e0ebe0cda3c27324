package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryQueue is an in-process Queue. Every subscriber of a topic receives
// every message published after it subscribed. Published payloads are kept so
// tests can inspect them.
type MemoryQueue struct {
	registry *Registry

	mu        sync.Mutex
	subs      map[string][]*bufferedSub
	published map[string][][]byte
	closed    bool
}

// NewMemoryQueue creates an in-process queue using registry for decoding.
func NewMemoryQueue(registry *Registry) *MemoryQueue {
	return &MemoryQueue{
		registry:  registry,
		subs:      make(map[string][]*bufferedSub),
		published: make(map[string][][]byte),
	}
}

// Publish implements Queue.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, body interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", topic, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.published[topic] = append(q.published[topic], data)
	subs := append([]*bufferedSub(nil), q.subs[topic]...)
	q.mu.Unlock()

	if len(subs) == 0 {
		return nil
	}

	decoder, err := q.registry.Lookup(topic)
	if err != nil {
		return err
	}
	decoded, err := decoder(data)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to decode published message, dropping")
		return nil
	}
	for _, s := range subs {
		s.push(Message{Topic: topic, Data: data, Body: decoded})
	}

	log.Debug().Str("topic", topic).Int("subscribers", len(subs)).Msg("Published message")
	return nil
}

// Subscribe implements Queue.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	if _, err := q.registry.Lookup(topic); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	s := newBufferedSub(topic)
	q.subs[topic] = append(q.subs[topic], s)
	go s.run(ctx)

	return s.out, nil
}

// Start implements Queue. Delivery begins at Subscribe.
func (q *MemoryQueue) Start(context.Context) error {
	return nil
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, subs := range q.subs {
		for _, s := range subs {
			s.close()
		}
	}
	return nil
}

// Published returns copies of the payloads published to topic, oldest first.
func (q *MemoryQueue) Published(topic string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.published[topic]))
	copy(out, q.published[topic])
	return out
}
