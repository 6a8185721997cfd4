// Package transport provides the request socket shared by the router
// and the containers it serves: a core-bound endpoint where every
// connected container has a stable identity, so replies can be routed
// back to the exact session that asked.
package transport

import "context"

// Frame is one received request: the session identity it arrived on
// and the raw payload bytes, unparsed.
type Frame struct {
	Identity string
	Payload  []byte
}

// RequestSocket is the router-style endpoint. One socket serves many
// session identities; Bind registers an identity before its container
// starts, Release removes it when the session is cleaned up.
type RequestSocket interface {
	// Bind registers a session identity and returns the address the
	// container should connect to (the per-session socket path for the
	// unix implementation).
	Bind(identity string) (string, error)

	// Recv blocks until the next frame arrives from any identity.
	Recv(ctx context.Context) (Frame, error)

	// Send delivers a reply frame to the given identity.
	Send(identity string, payload []byte) error

	// Release removes a session identity and closes its connections.
	Release(identity string)

	// Close shuts the socket down and releases every identity.
	Close() error
}
