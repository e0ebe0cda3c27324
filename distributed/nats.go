package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSQueue carries topics over core NATS subjects. Topic separators become
// subject token separators, so source/channels is published on
// source.channels.
type NATSQueue struct {
	conn     *nats.Conn
	registry *Registry

	mu     sync.Mutex
	subs   []*nats.Subscription
	bufs   []*bufferedSub
	closed bool
}

// NewNATSQueue connects to the NATS server at url.
func NewNATSQueue(url string, registry *Registry) (*NATSQueue, error) {
	conn, err := nats.Connect(url,
		nats.Name("vocalist-crawler"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	log.Info().Str("url", url).Msg("Connected to NATS")
	return &NATSQueue{conn: conn, registry: registry}, nil
}

// Publish implements Queue.
func (q *NATSQueue) Publish(ctx context.Context, topic string, body interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", topic, err)
	}
	if q.isClosed() {
		return ErrClosed
	}
	if err := q.conn.Publish(routeFor(topic, "."), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Queue.
func (q *NATSQueue) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	decoder, err := q.registry.Lookup(topic)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	buf := newBufferedSub(topic)
	sub, err := q.conn.Subscribe(routeFor(topic, "."), func(m *nats.Msg) {
		body, err := decoder(m.Data)
		if err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("Failed to decode message, dropping")
			return
		}
		buf.push(Message{Topic: topic, Data: m.Data, Body: body})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	q.subs = append(q.subs, sub)
	q.bufs = append(q.bufs, buf)
	go buf.run(ctx)

	log.Info().Str("topic", topic).Str("subject", sub.Subject).Msg("Registered topic subscription")
	return buf.out, nil
}

// Start implements Queue. Delivery begins at Subscribe.
func (q *NATSQueue) Start(context.Context) error {
	return nil
}

// Close implements Queue.
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	for _, s := range q.subs {
		if err := s.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", s.Subject).Msg("Failed to unsubscribe")
		}
	}
	for _, b := range q.bufs {
		b.close()
	}
	q.conn.Close()
	return nil
}

func (q *NATSQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
