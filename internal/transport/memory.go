package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// MemorySocket implements RequestSocket in-process for tests. A test
// connects with Connect and drives the conversation through the
// returned MemoryConn.
type MemorySocket struct {
	mu         sync.Mutex
	identities map[string]*MemoryConn
	frames     chan Frame
	done       chan struct{}
	closed     bool
}

// MemoryConn is the container side of an in-memory connection.
type MemoryConn struct {
	socket   *MemorySocket
	identity string
	replies  chan []byte
}

// NewMemorySocket creates an in-memory request socket.
func NewMemorySocket() *MemorySocket {
	return &MemorySocket{
		identities: make(map[string]*MemoryConn),
		frames:     make(chan Frame, recvQueueDepth),
		done:       make(chan struct{}),
	}
}

// Bind registers an identity. The returned address is symbolic.
func (s *MemorySocket) Bind(identity string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", fmt.Errorf("request socket is closed")
	}
	if _, exists := s.identities[identity]; exists {
		return "", fmt.Errorf("identity %q already bound", identity)
	}

	s.identities[identity] = &MemoryConn{
		socket:   s,
		identity: identity,
		replies:  make(chan []byte, recvQueueDepth),
	}
	return "memory://" + identity, nil
}

// Connect returns the container-side handle for a bound identity.
func (s *MemorySocket) Connect(identity string) (*MemoryConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.identities[identity]
	if !ok {
		return nil, fmt.Errorf("identity %q not bound", identity)
	}
	return conn, nil
}

// Recv blocks until the next frame arrives from any identity.
func (s *MemorySocket) Recv(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.done:
		return Frame{}, net.ErrClosed
	case frame := <-s.frames:
		return frame, nil
	}
}

// Send delivers a reply to the identity's connection.
func (s *MemorySocket) Send(identity string, payload []byte) error {
	s.mu.Lock()
	conn, ok := s.identities[identity]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("identity %q not bound", identity)
	}

	select {
	case conn.replies <- payload:
		return nil
	case <-s.done:
		return net.ErrClosed
	}
}

// Release removes an identity.
func (s *MemorySocket) Release(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, identity)
}

// Close shuts the socket down.
func (s *MemorySocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.identities = make(map[string]*MemoryConn)
	close(s.done)
	return nil
}

// Send writes a request frame from the container side.
func (c *MemoryConn) Send(payload []byte) error {
	select {
	case c.socket.frames <- Frame{Identity: c.identity, Payload: payload}:
		return nil
	case <-c.socket.done:
		return net.ErrClosed
	}
}

// Recv blocks for the next reply frame.
func (c *MemoryConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.socket.done:
		return nil, net.ErrClosed
	case payload := <-c.replies:
		return payload, nil
	}
}
