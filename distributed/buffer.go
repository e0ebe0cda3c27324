package distributed

import (
	"context"
	"sync"
)

// bufferedSub decouples producers from a subscriber with an unbounded FIFO so
// that a publisher never blocks on a busy consumer.
type bufferedSub struct {
	topic  string
	out    chan Message
	notify chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	pending []Message
	closed  bool
	once    sync.Once
}

func newBufferedSub(topic string) *bufferedSub {
	return &bufferedSub{
		topic:  topic,
		out:    make(chan Message),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push queues m. It reports false once the subscription is closed.
func (s *bufferedSub) push(m Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, m)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// run forwards queued messages to out until ctx ends or close is called.
func (s *bufferedSub) run(ctx context.Context) {
	defer close(s.out)
	defer s.close()

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
		m := s.pending[0]
		s.pending[0] = Message{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- m:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *bufferedSub) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
	})
}
