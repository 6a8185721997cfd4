package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/carapace/carapace/internal/common/logger"
	"github.com/carapace/carapace/internal/protocol"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	b := NewMemoryEventBus(0, newTestLogger(t))

	if b == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !b.IsConnected() {
		t.Error("Expected bus to be connected")
	}
	if b.queueDepth != DefaultQueueDepth {
		t.Errorf("Expected default queue depth %d, got %d", DefaultQueueDepth, b.queueDepth)
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(16, newTestLogger(t))
	defer b.Close()

	sub, err := b.Subscribe("response.")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	env := protocol.NewEvent(protocol.ResponseChunk, "session-1", "email", map[string]any{"text": "hi"})
	if err := b.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.Topic != protocol.ResponseChunk {
			t.Errorf("Expected topic %q, got %q", protocol.ResponseChunk, got.Topic)
		}
		if got.ID != env.ID {
			t.Errorf("Expected id %q, got %q", env.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for envelope")
	}
}

func TestMemoryEventBus_PrefixMatching(t *testing.T) {
	b := NewMemoryEventBus(16, newTestLogger(t))
	defer b.Close()

	responses, _ := b.Subscribe("response.")
	everything, _ := b.Subscribe("")

	ctx := context.Background()
	_ = b.Publish(ctx, protocol.NewEvent(protocol.ResponseEnd, "session-1", "email", nil))
	_ = b.Publish(ctx, protocol.NewEvent(protocol.MessageInbound, "email-plugin", "email", nil))

	select {
	case got := <-responses.Events():
		if got.Topic != protocol.ResponseEnd {
			t.Errorf("Prefix subscriber got unexpected topic %q", got.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for response.end")
	}

	// The prefix subscriber must not see message.inbound.
	select {
	case got := <-responses.Events():
		t.Errorf("Prefix subscriber got extra envelope on topic %q", got.Topic)
	case <-time.After(50 * time.Millisecond):
	}

	// The empty prefix matches everything.
	for i := 0; i < 2; i++ {
		select {
		case <-everything.Events():
		case <-time.After(time.Second):
			t.Fatalf("Catch-all subscriber missing envelope %d", i)
		}
	}
}

func TestMemoryEventBus_PublishOrderPerPublisher(t *testing.T) {
	b := NewMemoryEventBus(128, newTestLogger(t))
	defer b.Close()

	sub, _ := b.Subscribe("response.")

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		env := protocol.NewEvent(protocol.ResponseChunk, "session-1", "email",
			map[string]any{"seq": i})
		if err := b.Publish(ctx, env); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	for i := 0; i < 100; i++ {
		select {
		case got := <-sub.Events():
			if got.Payload["seq"] != i {
				t.Fatalf("Out of order: expected seq %d, got %v", i, got.Payload["seq"])
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out at envelope %d", i)
		}
	}
}

func TestMemoryEventBus_DropOldestWhenFull(t *testing.T) {
	b := NewMemoryEventBus(4, newTestLogger(t))
	defer b.Close()

	sub, _ := b.Subscribe("response.")

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		env := protocol.NewEvent(protocol.ResponseChunk, "session-1", "email",
			map[string]any{"seq": i})
		if err := b.Publish(ctx, env); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	if sub.Dropped() != 6 {
		t.Errorf("Expected 6 dropped for subscriber, got %d", sub.Dropped())
	}
	if b.Dropped() != 6 {
		t.Errorf("Expected 6 dropped on bus counter, got %d", b.Dropped())
	}

	// Oldest entries were shed: the survivors are the newest four, in order.
	for _, want := range []int{6, 7, 8, 9} {
		select {
		case got := <-sub.Events():
			if got.Payload["seq"] != want {
				t.Fatalf("Expected seq %d, got %v", want, got.Payload["seq"])
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for seq %d", want)
		}
	}
}

func TestMemoryEventBus_EnvelopeCopiedOnPublish(t *testing.T) {
	b := NewMemoryEventBus(16, newTestLogger(t))
	defer b.Close()

	sub, _ := b.Subscribe("")

	env := protocol.NewEvent(protocol.ResponseChunk, "session-1", "email", map[string]any{"text": "original"})
	_ = b.Publish(context.Background(), env)

	// Mutating the published envelope must not affect the delivered copy.
	env.Payload["text"] = "mutated"

	got := <-sub.Events()
	if got.Payload["text"] != "original" {
		t.Errorf("Delivered envelope shares payload with publisher: %v", got.Payload["text"])
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(16, newTestLogger(t))
	defer b.Close()

	sub, _ := b.Subscribe("")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	// Stream is closed.
	if _, ok := <-sub.Events(); ok {
		t.Error("Expected closed stream after Unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	if err := b.Publish(context.Background(), protocol.NewEvent("x.y", "s", "g", nil)); err != nil {
		t.Fatalf("Publish after unsubscribe failed: %v", err)
	}

	// Double unsubscribe is a no-op.
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Second Unsubscribe failed: %v", err)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(16, newTestLogger(t))

	sub, _ := b.Subscribe("")
	b.Close()

	if b.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("Expected closed stream after bus Close")
	}
	if err := b.Publish(context.Background(), protocol.NewEvent("x", "s", "g", nil)); err == nil {
		t.Error("Expected Publish on closed bus to fail")
	}
}

func TestPrefixToSubject(t *testing.T) {
	cases := []struct {
		prefix string
		want   string
	}{
		{"", ">"},
		{"response.", "response.>"},
		{"response", ">"},
		{"response.tool_", ">"},
	}
	for _, tc := range cases {
		if got := prefixToSubject(tc.prefix); got != tc.want {
			t.Errorf("prefixToSubject(%q) = %q, want %q", tc.prefix, got, tc.want)
		}
	}
}

func TestMemoryEventBus_ManySubscribersIndependentStreams(t *testing.T) {
	b := NewMemoryEventBus(16, newTestLogger(t))
	defer b.Close()

	subs := make([]Subscription, 5)
	for i := range subs {
		subs[i], _ = b.Subscribe("response.")
	}

	env := protocol.NewEvent(protocol.ResponseChunk, "session-1", "email", nil)
	_ = b.Publish(context.Background(), env)

	for i, sub := range subs {
		select {
		case got := <-sub.Events():
			if got.ID != env.ID {
				t.Errorf("Subscriber %d got wrong envelope", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %d missing envelope", i)
		}
	}
}

func BenchmarkMemoryEventBus_Publish(b *testing.B) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	busImpl := NewMemoryEventBus(1024, log)
	defer busImpl.Close()

	sub, _ := busImpl.Subscribe("bench.")
	go func() {
		for range sub.Events() {
		}
	}()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = busImpl.Publish(ctx, protocol.NewEvent(fmt.Sprintf("bench.%d", i%8), "src", "g", nil))
	}
}
