package bus

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"context"

	"go.uber.org/zap"

	"github.com/carapace/carapace/internal/common/logger"
	"github.com/carapace/carapace/internal/protocol"
)

// DefaultQueueDepth bounds each subscriber's delivery queue when no
// explicit depth is configured.
const DefaultQueueDepth = 1024

// MemoryEventBus implements EventBus with in-process channels.
type MemoryEventBus struct {
	subscriptions []*memorySubscription
	queueDepth    int
	mu            sync.Mutex
	logger        *logger.Logger
	closed        bool
	dropped       atomic.Uint64
}

// memorySubscription is an in-memory subscriber stream.
type memorySubscription struct {
	bus     *MemoryEventBus
	prefix  string
	ch      chan *protocol.EventEnvelope
	dropped atomic.Uint64
	active  bool
	mu      sync.Mutex
}

// Events returns the delivery stream.
func (s *memorySubscription) Events() <-chan *protocol.EventEnvelope {
	return s.ch
}

// Unsubscribe removes the subscription and closes its stream.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	close(s.ch)
	return nil
}

// Dropped reports how many envelopes this subscriber lost to backpressure.
func (s *memorySubscription) Dropped() uint64 {
	return s.dropped.Load()
}

// NewMemoryEventBus creates an in-memory event bus. queueDepth <= 0
// selects DefaultQueueDepth.
func NewMemoryEventBus(queueDepth int, log *logger.Logger) *MemoryEventBus {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &MemoryEventBus{
		queueDepth: queueDepth,
		logger:     log.WithFields(zap.String("component", "event-bus")),
	}
}

// Publish delivers a copy of the envelope to each matching subscriber.
// Delivery is synchronous into each subscriber's queue, so per
// publisher, subscribers see envelopes in publish order. A full queue
// sheds its oldest entry rather than blocking the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, envelope *protocol.EventEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscriptions {
		sub.mu.Lock()
		if !sub.active || !strings.HasPrefix(envelope.Topic, sub.prefix) {
			sub.mu.Unlock()
			continue
		}

		dup := envelope.Clone()
		select {
		case sub.ch <- dup:
		default:
			// Queue full: drop the oldest entry for this subscriber.
			select {
			case <-sub.ch:
			default:
			}
			sub.dropped.Add(1)
			b.dropped.Add(1)
			sub.ch <- dup
		}
		sub.mu.Unlock()
	}

	b.logger.Debug("published envelope",
		zap.String("topic", envelope.Topic),
		zap.String("event_id", envelope.ID))

	return nil
}

// Subscribe creates a prefix-matched subscriber stream.
func (b *MemoryEventBus) Subscribe(prefix string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:    b,
		prefix: prefix,
		ch:     make(chan *protocol.EventEnvelope, b.queueDepth),
		active: true,
	}
	b.subscriptions = append(b.subscriptions, sub)

	b.logger.Debug("subscribed", zap.String("prefix", prefix))
	return sub, nil
}

// Dropped reports the bus-wide count of shed envelopes.
func (b *MemoryEventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down and closes every subscription stream.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.active {
			sub.active = false
			close(sub.ch)
		}
		sub.mu.Unlock()
	}

	b.logger.Info("memory event bus closed")
}

// IsConnected returns true until the bus is closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}
