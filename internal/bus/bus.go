// Package bus provides the topic-keyed fan-out shared by every
// Carapace component: producers publish envelopes, subscribers receive
// a stream of every envelope whose topic matches their prefix.
package bus

import (
	"context"

	"github.com/carapace/carapace/internal/protocol"
)

// Subscription is one subscriber stream. Each subscription receives
// every published envelope matching its prefix, in publish order per
// publisher, on Events().
type Subscription interface {
	// Events is the delivery stream. It is closed by Unsubscribe and
	// by bus Close.
	Events() <-chan *protocol.EventEnvelope

	// Unsubscribe detaches the stream and closes Events.
	Unsubscribe() error

	// Dropped reports how many envelopes were discarded for this
	// subscriber because its queue was full.
	Dropped() uint64
}

// EventBus is the fan-out. Publish never blocks on slow subscribers:
// each subscriber has a bounded queue and the oldest entry is dropped
// when it fills.
type EventBus interface {
	// Publish delivers a copy of the envelope to every matching
	// subscriber.
	Publish(ctx context.Context, envelope *protocol.EventEnvelope) error

	// Subscribe creates a stream of envelopes whose topic starts with
	// prefix. An empty prefix matches everything.
	Subscribe(prefix string) (Subscription, error)

	// Close shuts the bus down and closes every subscription stream.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
