package distributed

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Backends accepted by New.
const (
	BackendDapr   = "dapr"
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

// Queue is a topic-addressed publish/subscribe transport. Delivery is
// at-least-once and unordered where the backend allows it.
type Queue interface {
	// Publish encodes body as JSON and sends it to topic.
	Publish(ctx context.Context, topic string, body interface{}) error

	// Subscribe returns the deliveries for topic. It fails with ErrNoDecoder
	// when topic has no registered decoder. The channel is closed when ctx
	// ends or the queue is closed.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)

	// Start begins delivery for push-based backends. Subscriptions must be
	// registered first.
	Start(ctx context.Context) error

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend    string
	Host       string
	Port       int
	AppPort    int
	PubsubName string
}

// New builds the queue named by opts.Backend.
func New(opts Options, registry *Registry) (Queue, error) {
	switch opts.Backend {
	case BackendDapr, "":
		return NewDaprQueue(DaprOptions{
			Host:       opts.Host,
			Port:       opts.Port,
			AppPort:    opts.AppPort,
			PubsubName: opts.PubsubName,
		}, registry)
	case BackendNATS:
		return NewNATSQueue(fmt.Sprintf("nats://%s:%d", opts.Host, opts.Port), registry)
	case BackendMemory:
		return NewMemoryQueue(registry), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", opts.Backend)
	}
}
