package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"

	daprc "github.com/dapr/go-sdk/client"
	"github.com/dapr/go-sdk/service/common"
	daprs "github.com/dapr/go-sdk/service/grpc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DaprOptions configures a DaprQueue.
type DaprOptions struct {
	// Host and Port address the sidecar's gRPC API.
	Host string
	Port int
	// AppPort is where this process serves topic deliveries.
	AppPort    int
	PubsubName string
}

// eventPublisher is the part of the Dapr client the queue uses.
type eventPublisher interface {
	PublishEvent(ctx context.Context, pubsubName, topicName string, data interface{}, opts ...daprc.PublishEventOption) error
	Close()
}

// DaprQueue publishes through a Dapr sidecar and receives topic events on a
// Dapr gRPC service. Deliveries block the sidecar until the subscriber takes
// them, so the broker holds the backlog.
type DaprQueue struct {
	client     eventPublisher
	pubsubName string
	appPort    string
	registry   *Registry

	mu       sync.Mutex
	handlers map[string]common.TopicEventHandler
	subs     []*daprSub
	server   common.Service
	started  bool
	closed   bool
}

// NewDaprQueue dials the sidecar at opts.Host:opts.Port.
func NewDaprQueue(opts DaprOptions, registry *Registry) (*DaprQueue, error) {
	maxSizeInBytes := 16 * 1024 * 1024

	var callOpts []grpc.CallOption
	callOpts = append(callOpts,
		grpc.MaxCallRecvMsgSize(maxSizeInBytes),
		grpc.MaxCallSendMsgSize(maxSizeInBytes),
	)

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	conn, err := grpc.NewClient(
		addr,
		grpc.WithDefaultCallOptions(callOpts...),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", addr, err)
	}

	log.Info().Str("sidecar", addr).Str("pubsub", opts.PubsubName).Msg("Created Dapr pubsub client")
	return newDaprQueue(daprc.NewClientWithConnection(conn), opts, registry), nil
}

func newDaprQueue(client eventPublisher, opts DaprOptions, registry *Registry) *DaprQueue {
	return &DaprQueue{
		client:     client,
		pubsubName: opts.PubsubName,
		appPort:    ":" + strconv.Itoa(opts.AppPort),
		registry:   registry,
		handlers:   make(map[string]common.TopicEventHandler),
	}
}

// Publish implements Queue.
func (q *DaprQueue) Publish(ctx context.Context, topic string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", topic, err)
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	err = q.client.PublishEvent(ctx, q.pubsubName, topic, data, daprc.PublishEventWithContentType("application/json"))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	log.Debug().Str("topic", topic).Str("pubsub", q.pubsubName).Msg("Published message")
	return nil
}

// Subscribe implements Queue. It must be called before Start.
func (q *DaprQueue) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	decoder, err := q.registry.Lookup(topic)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.started {
		return nil, fmt.Errorf("cannot subscribe to %s after the subscriber service started", topic)
	}
	if _, ok := q.handlers[topic]; ok {
		return nil, fmt.Errorf("topic %s already has a subscriber", topic)
	}

	sub := newDaprSub()
	q.subs = append(q.subs, sub)
	q.handlers[topic] = q.topicHandler(topic, decoder, sub)

	go func() {
		<-ctx.Done()
		sub.close()
	}()

	return sub.out, nil
}

// topicHandler decodes an event and hands it to the subscriber. Undecodable
// events are not retried. Events that cannot be handed over before shutdown
// are returned to the broker.
func (q *DaprQueue) topicHandler(topic string, decoder Decoder, sub *daprSub) common.TopicEventHandler {
	return func(ctx context.Context, e *common.TopicEvent) (retry bool, err error) {
		log.Debug().
			Str("topic", e.Topic).
			Str("pubsub_name", e.PubsubName).
			Msg("Received topic event")

		body, err := decoder(e.RawData)
		if err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("Failed to unmarshal topic event")
			return false, err
		}

		if err := sub.deliver(ctx, Message{Topic: topic, Data: e.RawData, Body: body}); err != nil {
			return true, err
		}
		return false, nil
	}
}

// Start implements Queue. It registers every subscription on a Dapr gRPC
// service and serves it until ctx ends.
func (q *DaprQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}
	q.started = true

	if len(q.handlers) == 0 {
		log.Info().Msg("No subscriptions registered, skipping server start")
		return nil
	}

	server, err := daprs.NewService(q.appPort)
	if err != nil {
		return fmt.Errorf("failed to create Dapr service: %w", err)
	}

	for topic, handler := range q.handlers {
		subscription := &common.Subscription{
			PubsubName: q.pubsubName,
			Topic:      topic,
			Route:      "/" + routeFor(topic, "-"),
		}
		if err := server.AddTopicEventHandler(subscription, handler); err != nil {
			return fmt.Errorf("failed to add topic event handler for %s: %w", topic, err)
		}

		log.Info().
			Str("topic", topic).
			Str("route", subscription.Route).
			Str("pubsub", q.pubsubName).
			Msg("Registered topic subscription")
	}
	q.server = server

	log.Info().
		Str("port", q.appPort).
		Int("subscription_count", len(q.handlers)).
		Msg("Starting Dapr PubSub server")

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Dapr PubSub server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		if err := server.GracefulStop(); err != nil {
			log.Warn().Err(err).Msg("Dapr PubSub server did not stop cleanly")
		}
	}()

	return nil
}

// Close implements Queue.
func (q *DaprQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	for _, s := range q.subs {
		s.close()
	}
	if q.client != nil {
		q.client.Close()
	}
	return nil
}

// daprSub hands events from concurrent Dapr handlers to one reader. The
// handler blocks until the reader takes the message or the subscription ends.
type daprSub struct {
	out  chan Message
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func newDaprSub() *daprSub {
	return &daprSub{
		out:  make(chan Message),
		done: make(chan struct{}),
	}
}

func (s *daprSub) deliver(ctx context.Context, m Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	select {
	case s.out <- m:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *daprSub) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()
	})
}
