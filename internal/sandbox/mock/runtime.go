// Package mock provides an in-memory sandbox.Runtime for tests.
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/forgeline/sandboxd/internal/sandbox"
)

// Runtime is an in-memory container runtime. Containers are keyed by name and
// every call is appended to Calls as "<op>:<name>".
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*sandbox.Container
	specs      map[string]sandbox.ContainerSpec
	nextID     int
	calls      []string

	// LogOutput is written to the sink by Logs.
	LogOutput string

	// Configurable behaviors for testing
	CreateFunc  func(ctx context.Context, spec sandbox.ContainerSpec) error
	RestartFunc func(ctx context.Context, id string) error
	RemoveFunc  func(ctx context.Context, id string) error
	PullFunc    func(ctx context.Context, image string) error
	WaitFunc    func(ctx context.Context, id string) (int, error)
}

// NewRuntime creates an empty runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		containers: make(map[string]*sandbox.Container),
		specs:      make(map[string]sandbox.ContainerSpec),
	}
}

// Add registers an existing container, as if left over from a previous run.
func (r *Runtime) Add(c *sandbox.Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		r.nextID++
		c.ID = fmt.Sprintf("container-%d", r.nextID)
	}
	r.containers[c.Name] = c
}

// Calls returns the recorded operations in order.
func (r *Runtime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns the number of containers currently known.
func (r *Runtime) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Spec returns the spec a container was created from.
func (r *Runtime) Spec(name string) (sandbox.ContainerSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.specs[name]
	return spec, ok
}

func (r *Runtime) record(op, name string) {
	r.calls = append(r.calls, op+":"+name)
}

// byID must be called with mu held.
func (r *Runtime) byID(id string) (*sandbox.Container, error) {
	for _, c := range r.containers {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, sandbox.ErrNotFound
}

func clone(c *sandbox.Container) *sandbox.Container {
	cp := *c
	cp.Labels = make(map[string]string, len(c.Labels))
	for k, v := range c.Labels {
		cp.Labels[k] = v
	}
	return &cp
}

func (r *Runtime) Inspect(_ context.Context, name string) (*sandbox.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return clone(c), nil
}

func (r *Runtime) Create(ctx context.Context, spec sandbox.ContainerSpec) (string, error) {
	if r.CreateFunc != nil {
		if err := r.CreateFunc(ctx, spec); err != nil {
			return "", err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("create", spec.Name)
	if _, exists := r.containers[spec.Name]; exists {
		return "", sandbox.ErrNameConflict
	}
	r.nextID++
	c := &sandbox.Container{
		ID:     fmt.Sprintf("container-%d", r.nextID),
		Name:   spec.Name,
		Labels: spec.Labels,
	}
	r.containers[spec.Name] = c
	r.specs[spec.Name] = spec
	return c.ID, nil
}

func (r *Runtime) Start(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.byID(id)
	if err != nil {
		return err
	}
	r.record("start", c.Name)
	c.Running = true
	c.StartedAt = time.Now()
	return nil
}

func (r *Runtime) Stop(_ context.Context, id string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.byID(id)
	if err != nil {
		return err
	}
	r.record("stop", c.Name)
	c.Running = false
	c.FinishedAt = time.Now()
	return nil
}

func (r *Runtime) Restart(ctx context.Context, id string, _ time.Duration) error {
	if r.RestartFunc != nil {
		if err := r.RestartFunc(ctx, id); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.byID(id)
	if err != nil {
		return err
	}
	r.record("restart", c.Name)
	c.Running = true
	c.StartedAt = time.Now()
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	c, err := r.byID(id)
	if err == nil {
		r.record("remove", c.Name)
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if r.RemoveFunc != nil {
		if err := r.RemoveFunc(ctx, id); err != nil {
			return err
		}
	}
	r.mu.Lock()
	delete(r.containers, c.Name)
	delete(r.specs, c.Name)
	r.mu.Unlock()
	return nil
}

func (r *Runtime) List(_ context.Context, labels map[string]string) ([]*sandbox.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*sandbox.Container
	for _, c := range r.containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (r *Runtime) PullImage(ctx context.Context, image string) error {
	r.mu.Lock()
	r.record("pull", image)
	r.mu.Unlock()
	if r.PullFunc != nil {
		return r.PullFunc(ctx, image)
	}
	return nil
}

// Wait returns the WaitFunc result, or exits the container with code 0.
func (r *Runtime) Wait(ctx context.Context, id string) (int, error) {
	code := 0
	if r.WaitFunc != nil {
		var err error
		if code, err = r.WaitFunc(ctx, id); err != nil {
			return 0, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.byID(id)
	if err != nil {
		return 0, err
	}
	c.Running = false
	c.ExitCode = code
	c.FinishedAt = time.Now()
	return code, nil
}

func (r *Runtime) Logs(_ context.Context, _ string, w io.Writer) error {
	if r.LogOutput == "" {
		return nil
	}
	_, err := io.WriteString(w, r.LogOutput)
	return err
}

var _ sandbox.Runtime = (*Runtime)(nil)
