// Package runtime abstracts the container engine that hosts agent
// sessions. One implementation speaks the Docker API; podman is the
// same implementation pointed at the podman compatibility socket.
package runtime

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Environment variables the supervisor injects into containers.
const (
	EnvTaskPrompt      = "CARAPACE_TASK_PROMPT"
	EnvResumeSessionID = "CARAPACE_RESUME_SESSION_ID"
)

// Mount maps a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunOptions describe one container spawn.
type RunOptions struct {
	Image  string
	Name   string
	Env    map[string]string
	Mounts []Mount
	Labels map[string]string

	// StdinFeed, when non-empty, is written to the container's stdin
	// right after start, then stdin is closed. Used for API-key
	// injection so the key never appears in the environment.
	StdinFeed string
}

// Container identifies a started container.
type Container struct {
	ID   string
	Name string
}

// Status is the inspected state of a container.
type Status struct {
	State      string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Streams carries a running container's output. Stdout and stderr are
// demultiplexed; each must be drained and closed by the caller.
type Streams struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// ContainerRuntime is the engine contract. The supervisor probes a
// configured ordered list and uses the first available.
type ContainerRuntime interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Version(ctx context.Context) (string, error)
	ImageExists(ctx context.Context, tag string) (bool, error)
	Pull(ctx context.Context, tag string) error
	Build(ctx context.Context, contextDir, tag string) error
	InspectLabels(ctx context.Context, tag string) (map[string]string, error)
	Run(ctx context.Context, opts RunOptions) (*Container, error)
	Attach(ctx context.Context, id string) (*Streams, error)
	Wait(ctx context.Context, id string) (int, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (*Status, error)
	Close() error
}

// Probe returns the first available runtime from candidates, in order.
func Probe(ctx context.Context, candidates []ContainerRuntime) (ContainerRuntime, error) {
	var names []string
	for _, candidate := range candidates {
		if candidate.IsAvailable(ctx) {
			return candidate, nil
		}
		names = append(names, candidate.Name())
	}
	return nil, fmt.Errorf("no container runtime available (probed %v)", names)
}
