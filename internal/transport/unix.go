package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/carapace/carapace/internal/common/logger"
)

// UnixSocket implements RequestSocket with one unix stream socket per
// session identity under a common directory. The per-session path is
// mounted into the container, so the identity of a frame is the
// listener it arrived on, not anything the container claims.
type UnixSocket struct {
	dir    string
	logger *logger.Logger

	mu         sync.Mutex
	identities map[string]*unixIdentity
	frames     chan Frame
	done       chan struct{}
	closed     bool
}

// unixIdentity is one bound session socket and its live connections.
type unixIdentity struct {
	listener net.Listener
	path     string

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	// reply is the most recent connection; replies go to it.
	reply net.Conn
}

// recvQueueDepth bounds buffered frames between the accept loops and Recv.
const recvQueueDepth = 256

// NewUnixSocket creates the socket rooted at dir. The directory is
// created mode 0700 if missing.
func NewUnixSocket(dir string, log *logger.Logger) (*UnixSocket, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	return &UnixSocket{
		dir:        dir,
		logger:     log.WithFields(zap.String("component", "request-socket")),
		identities: make(map[string]*unixIdentity),
		frames:     make(chan Frame, recvQueueDepth),
		done:       make(chan struct{}),
	}, nil
}

// Bind registers an identity, creating and listening on its socket path.
func (s *UnixSocket) Bind(identity string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", fmt.Errorf("request socket is closed")
	}
	if _, exists := s.identities[identity]; exists {
		return "", fmt.Errorf("identity %q already bound", identity)
	}

	path := filepath.Join(s.dir, identity+".sock")
	// A leftover socket file from a crashed run blocks the bind.
	_ = os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("bind %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return "", fmt.Errorf("chmod %s: %w", path, err)
	}

	id := &unixIdentity{
		listener: listener,
		path:     path,
		conns:    make(map[net.Conn]struct{}),
	}
	s.identities[identity] = id

	go s.acceptLoop(identity, id)

	s.logger.Debug("bound identity", zap.String("identity", identity), zap.String("path", path))
	return path, nil
}

func (s *UnixSocket) acceptLoop(identity string, id *unixIdentity) {
	for {
		conn, err := id.listener.Accept()
		if err != nil {
			// Listener closed on Release/Close.
			return
		}

		id.mu.Lock()
		id.conns[conn] = struct{}{}
		id.reply = conn
		id.mu.Unlock()

		go s.readLoop(identity, id, conn)
	}
}

func (s *UnixSocket) readLoop(identity string, id *unixIdentity, conn net.Conn) {
	defer func() {
		id.mu.Lock()
		delete(id.conns, conn)
		if id.reply == conn {
			id.reply = nil
		}
		id.mu.Unlock()
		conn.Close()
	}()

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("read frame failed",
					zap.String("identity", identity),
					zap.Error(err))
			}
			return
		}

		select {
		case s.frames <- Frame{Identity: identity, Payload: payload}:
		case <-s.done:
			return
		}
	}
}

// Recv blocks until the next frame arrives from any bound identity.
func (s *UnixSocket) Recv(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.done:
		return Frame{}, net.ErrClosed
	case frame := <-s.frames:
		return frame, nil
	}
}

// Send delivers a reply frame to the identity's current connection.
func (s *UnixSocket) Send(identity string, payload []byte) error {
	s.mu.Lock()
	id, ok := s.identities[identity]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("identity %q not bound", identity)
	}

	id.mu.Lock()
	conn := id.reply
	id.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("identity %q has no connection", identity)
	}

	if err := WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("send to %q: %w", identity, err)
	}
	return nil
}

// Release removes an identity, closing its listener, connections, and
// socket file.
func (s *UnixSocket) Release(identity string) {
	s.mu.Lock()
	id, ok := s.identities[identity]
	delete(s.identities, identity)
	s.mu.Unlock()
	if !ok {
		return
	}

	id.listener.Close()
	id.mu.Lock()
	for conn := range id.conns {
		conn.Close()
	}
	id.conns = make(map[net.Conn]struct{})
	id.reply = nil
	id.mu.Unlock()
	_ = os.Remove(id.path)

	s.logger.Debug("released identity", zap.String("identity", identity))
}

// Close releases every identity and stops Recv.
func (s *UnixSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	identities := make([]string, 0, len(s.identities))
	for identity := range s.identities {
		identities = append(identities, identity)
	}
	s.mu.Unlock()

	for _, identity := range identities {
		s.Release(identity)
	}
	close(s.done)
	return nil
}
