package sandbox

import (
	"context"
	"io"
	"time"
)

// Runtime is the container runtime the Manager drives. It is injected by the
// composition root; internal/sandbox/docker provides the Docker implementation.
//
// Methods that look a container up by name return ErrNotFound when it does
// not exist.
type Runtime interface {
	// Inspect returns the container with the given name.
	Inspect(ctx context.Context, name string) (*Container, error)

	// Create creates (but does not start) a container. It returns
	// ErrNameConflict if the name is taken.
	Create(ctx context.Context, spec ContainerSpec) (id string, err error)

	Start(ctx context.Context, id string) error

	// Stop stops a container, killing it after timeout.
	Stop(ctx context.Context, id string, timeout time.Duration) error

	// Restart restarts a container in place.
	Restart(ctx context.Context, id string, timeout time.Duration) error

	// Remove force-removes a container together with its anonymous volumes.
	Remove(ctx context.Context, id string) error

	// List returns containers carrying all of the given labels.
	List(ctx context.Context, labels map[string]string) ([]*Container, error)

	// PullImage refreshes an image from its registry.
	PullImage(ctx context.Context, image string) error

	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, id string) (int, error)

	// Logs follows the container's combined output into w until it exits.
	Logs(ctx context.Context, id string, w io.Writer) error
}

// ContainerSpec is everything needed to create a sandbox container.
type ContainerSpec struct {
	Name    string
	Image   string
	Cmd     []string
	Env     []string
	Labels  map[string]string
	Network string

	AgentPort       int // published on a random loopback port unless Network is set
	ServicePort     int
	HostServicePort int // when non-zero, ServicePort is bound to this host port

	MemoryMB int64
	CPUs     float64
}

// Container is the runtime's view of one container.
type Container struct {
	ID       string
	Name     string
	Running  bool
	ExitCode int
	Labels   map[string]string

	// AgentHostPort is the loopback host port mapped to the agent port, 0 if
	// not published.
	AgentHostPort int

	StartedAt  time.Time
	FinishedAt time.Time
}
