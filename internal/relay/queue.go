package relay

import (
	"context"
	"errors"
	"sync"
)

// Queue fans out telemetry events to interested subscribers. Implementations
// range from the in-process fan-out below to Redis Streams and MQTT.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
}

// Subscription represents an active event feed.
type Subscription interface {
	Events() <-chan Event
	Close()
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	buffer int
}

type memorySubscription struct {
	once   sync.Once
	detach func()
	ch     chan Event
}

// NewMemoryQueue initialises an in-process fan-out queue, the default for
// single-node deployments and tests.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{buffer: buffer}
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// A full subscriber loses the event rather than stalling the
			// reading path. Consumers are expected to drain promptly.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{ch: make(chan Event, q.buffer)}
	sub.detach = func() { q.remove(sub) }
	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()
	return sub
}

func (q *memoryQueue) remove(target *memorySubscription) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.subs {
		if sub == target {
			q.subs = append(q.subs[:i], q.subs[i+1:]...)
			return
		}
	}
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription before closing its channel, so a publisher
// holding the read lock can never send on a closed channel.
func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.detach()
		close(s.ch)
	})
}
