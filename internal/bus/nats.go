package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/carapace/carapace/internal/common/config"
	"github.com/carapace/carapace/internal/common/logger"
	"github.com/carapace/carapace/internal/protocol"
)

// NATSEventBus implements EventBus on a NATS connection. Topic
// prefixes map onto NATS subject wildcards.
type NATSEventBus struct {
	conn       *nats.Conn
	logger     *logger.Logger
	config     config.NATSConfig
	queueDepth int
	dropped    atomic.Uint64
}

// NewNATSEventBus connects to NATS with reconnection logic.
func NewNATSEventBus(cfg config.NATSConfig, queueDepth int, log *logger.Logger) (*NATSEventBus, error) {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	bus := &NATSEventBus{
		logger:     log.WithFields(zap.String("component", "event-bus")),
		config:     cfg,
		queueDepth: queueDepth,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus.conn = conn
	log.Info("connected to NATS", zap.String("url", cfg.URL))

	return bus, nil
}

// Publish marshals the envelope and sends it on its topic subject.
func (b *NATSEventBus) Publish(ctx context.Context, envelope *protocol.EventEnvelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := b.conn.Publish(envelope.Topic, data); err != nil {
		b.logger.Error("failed to publish envelope",
			zap.String("topic", envelope.Topic),
			zap.Error(err))
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	return nil
}

// natsSubscription adapts a NATS channel subscription to the
// Subscription stream contract.
type natsSubscription struct {
	sub     *nats.Subscription
	raw     chan *nats.Msg
	out     chan *protocol.EventEnvelope
	dropped *atomic.Uint64
	busDrop *atomic.Uint64
	done    chan struct{}
}

func (s *natsSubscription) Events() <-chan *protocol.EventEnvelope {
	return s.out
}

func (s *natsSubscription) Unsubscribe() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Dropped() uint64 {
	return s.dropped.Load()
}

// prefixToSubject converts a topic prefix to a NATS subject pattern.
// "response." becomes "response.>". Bare prefixes (no trailing dot)
// cannot be expressed with NATS wildcards, which only match at token
// boundaries, so they subscribe to everything and rely on the pump's
// prefix filter.
func prefixToSubject(prefix string) string {
	if trimmed, ok := strings.CutSuffix(prefix, "."); ok && trimmed != "" {
		return trimmed + ".>"
	}
	return ">"
}

// Subscribe creates a prefix-matched subscriber stream backed by a
// NATS channel subscription. Decode happens on a pump goroutine; a
// full output queue sheds its oldest entry.
func (b *NATSEventBus) Subscribe(prefix string) (Subscription, error) {
	subject := prefixToSubject(prefix)

	raw := make(chan *nats.Msg, b.queueDepth)
	natsSub, err := b.conn.ChanSubscribe(subject, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	sub := &natsSubscription{
		sub:     natsSub,
		raw:     raw,
		out:     make(chan *protocol.EventEnvelope, b.queueDepth),
		dropped: &atomic.Uint64{},
		busDrop: &b.dropped,
		done:    make(chan struct{}),
	}

	go sub.pump(prefix, b.logger)

	b.logger.Debug("subscribed", zap.String("subject", subject))
	return sub, nil
}

// pump decodes NATS messages into envelopes. Bare-prefix subjects
// (without a trailing dot) also need the exact-match filter applied
// here because NATS wildcards only match below a token boundary.
func (s *natsSubscription) pump(prefix string, log *logger.Logger) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.raw:
			if !ok {
				return
			}
			var envelope protocol.EventEnvelope
			if err := json.Unmarshal(msg.Data, &envelope); err != nil {
				log.Error("failed to unmarshal envelope",
					zap.String("subject", msg.Subject),
					zap.Error(err))
				continue
			}
			if !strings.HasPrefix(envelope.Topic, prefix) {
				continue
			}
			select {
			case s.out <- &envelope:
			default:
				select {
				case <-s.out:
				default:
				}
				s.dropped.Add(1)
				s.busDrop.Add(1)
				s.out <- &envelope
			}
		}
	}
}

// Dropped reports the bus-wide count of shed envelopes.
func (b *NATSEventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close drains the NATS connection gracefully.
func (b *NATSEventBus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
