package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/forgeline/sandboxd/internal/agentapi"
	"github.com/forgeline/sandboxd/internal/config"
	"github.com/forgeline/sandboxd/internal/metrics"
)

// Provisioner creates and drops the dedicated database of a session.
type Provisioner interface {
	// Ensure creates the database if needed and returns its DSN. An empty DSN
	// means no database is provisioned.
	Ensure(ctx context.Context, dbName string) (string, error)
	Drop(ctx context.Context, dbName string) error
}

// AgentClient is the part of the agent API the Manager needs.
type AgentClient interface {
	Health(ctx context.Context, sessionID string) (*agentapi.HealthResponse, error)
	GitPull(ctx context.Context, sessionID string, req agentapi.GitPullRequest) (*agentapi.GitPullResponse, error)
}

const (
	defaultPollInterval = time.Second
	destroyConcurrency  = 4
)

// Manager owns the lifecycle of per-session sandboxes. Operations for a
// single session are expected to be serialized by callers; concurrent Create
// calls for one session are collapsed into one.
type Manager struct {
	runtime     Runtime
	provisioner Provisioner
	router      Router
	naming      Naming
	agent       AgentClient
	cfg         config.SandboxConfig
	network     string
	logger      *slog.Logger

	pollInterval time.Duration
	creates      singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithAgentClient replaces the agent client used for health polling and pulls.
func WithAgentClient(c AgentClient) Option {
	return func(m *Manager) { m.agent = c }
}

// WithPollInterval sets the interval between health probes.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// NewManager creates a Manager. By default it talks to sandbox agents through
// an agentapi.Client that resolves endpoints via the Manager itself.
func NewManager(cfg *config.Config, runtime Runtime, provisioner Provisioner, router Router, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		runtime:      runtime,
		provisioner:  provisioner,
		router:       router,
		naming:       Naming{Prefix: cfg.Sandbox.NamePrefix, Domain: cfg.Routing.Domain},
		cfg:          cfg.Sandbox,
		network:      cfg.DockerNetwork,
		logger:       logger.With("component", "sandbox_manager"),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.agent == nil {
		m.agent = agentapi.NewClient(m)
	}
	return m
}

// Naming returns the naming scheme used for containers and databases.
func (m *Manager) Naming() Naming {
	return m.naming
}

// Create returns a running sandbox for the session, reusing, restarting or
// recreating its container as needed. For command mode it blocks until the
// command exits.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Info, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	v, err, _ := m.creates.Do(opts.SessionID, func() (any, error) {
		return m.create(ctx, opts)
	})
	if err != nil {
		metrics.RecordSandboxCreate("failed")
		var info *Info
		if v != nil {
			info = v.(*Info).clone()
		}
		return info, err
	}
	return v.(*Info).clone(), nil
}

func (m *Manager) create(ctx context.Context, opts CreateOptions) (*Info, error) {
	log := m.logger.With("session_id", opts.SessionID, "project_id", opts.ProjectID)
	name := m.naming.ContainerName(opts.SessionID)

	existing, err := m.runtime.Inspect(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to inspect sandbox: %w", err)
	}

	var rec Record
	if existing != nil {
		rec, _ = RecordFromLabels(existing.Labels)
	}

	switch {
	case existing == nil:
	case opts.ServicesMode == ServicesCommand || rec.ServicesMode == ServicesCommand:
		// One-shot semantics: never reuse, and never serve a later session
		// sandbox from a command container.
		log.Info("Removing previous command sandbox", "container_id", shortID(existing.ID))
		if err := m.runtime.Remove(ctx, existing.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to remove previous command sandbox: %w", err)
		}
	case existing.Running:
		metrics.RecordSandboxCreate("reused")
		return m.info(existing), nil
	default:
		if rec.Mode == ModeProduction {
			log.Info("Removing stopped production sandbox for a fresh build", "container_id", shortID(existing.ID))
			if err := m.runtime.Remove(ctx, existing.ID); err != nil {
				return nil, fmt.Errorf("failed to remove stopped production sandbox: %w", err)
			}
			break
		}
		info, err := m.restartExisting(ctx, existing, opts)
		if err == nil {
			metrics.RecordSandboxCreate("restarted")
			return info, nil
		}
		log.Warn("Restart failed, recreating sandbox", "error", err)
		if err := m.runtime.Remove(ctx, existing.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to remove sandbox after restart failure: %w", err)
		}
	}

	info, err := m.createFresh(ctx, name, opts)
	if err == nil || errors.Is(err, ErrCommandTimeout) {
		metrics.RecordSandboxCreate("created")
	}
	return info, err
}

// restartExisting restarts a stopped non-production container, waits for its
// agent and pulls the requested branch when a credential is available.
func (m *Manager) restartExisting(ctx context.Context, c *Container, opts CreateOptions) (*Info, error) {
	if err := m.runtime.Restart(ctx, c.ID, m.cfg.StopTimeout); err != nil {
		return nil, err
	}
	if !m.WaitForAgent(ctx, opts.SessionID, 0) {
		m.logger.Warn("Agent not ready after restart, continuing", "session_id", opts.SessionID)
	}
	if opts.Credential != "" && opts.Branch != "" {
		if _, err := m.agent.GitPull(ctx, opts.SessionID, agentapi.GitPullRequest{Branch: opts.Branch, Token: opts.Credential}); err != nil {
			m.logger.Warn("Failed to pull latest source after restart", "session_id", opts.SessionID, "error", err)
		}
	}

	refreshed, err := m.runtime.Inspect(ctx, c.Name)
	if err != nil {
		return nil, err
	}
	return m.info(refreshed), nil
}

func (m *Manager) createFresh(ctx context.Context, name string, opts CreateOptions) (*Info, error) {
	log := m.logger.With("session_id", opts.SessionID)

	if err := m.runtime.PullImage(ctx, m.cfg.Image); err != nil {
		log.Warn("Image refresh failed, using local image", "image", m.cfg.Image, "error", err)
	}

	dsn, err := m.provisioner.Ensure(ctx, m.naming.DatabaseName(opts.SessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to provision database: %w", err)
	}

	var route Route
	if opts.ServicesMode == ServicesFull {
		if route, err = m.router.Route(opts.SessionID); err != nil {
			return nil, fmt.Errorf("failed to compute route: %w", err)
		}
	}

	rec := Record{
		SessionID:    opts.SessionID,
		ProjectID:    opts.ProjectID,
		Mode:         opts.Mode,
		ServicesMode: opts.ServicesMode,
		Branch:       opts.Branch,
		URL:          route.URL,
	}
	labels := rec.Labels()
	for k, v := range route.Labels {
		labels[k] = v
	}

	spec := ContainerSpec{
		Name:            name,
		Image:           m.cfg.Image,
		Env:             m.env(opts, dsn, route.URL),
		Labels:          labels,
		Network:         m.network,
		AgentPort:       m.cfg.AgentPort,
		ServicePort:     m.cfg.ServicePort,
		HostServicePort: route.HostPort,
		MemoryMB:        m.cfg.MemoryMB,
		CPUs:            m.cfg.CPUs,
	}
	if opts.ServicesMode == ServicesCommand {
		spec.Cmd = opts.Command
	}

	id, err := m.runtime.Create(ctx, spec)
	if errors.Is(err, ErrNameConflict) && opts.ServicesMode != ServicesCommand {
		// Someone else created it between our inspect and create.
		winner, ierr := m.runtime.Inspect(ctx, name)
		if ierr != nil {
			return nil, fmt.Errorf("failed to inspect conflicting sandbox: %w", ierr)
		}
		return m.info(winner), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	if err := m.runtime.Start(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	log.Info("Sandbox started", "container_id", shortID(id), "mode", opts.Mode, "services_mode", opts.ServicesMode, "url", route.URL)

	info := &Info{
		SessionID:    opts.SessionID,
		ProjectID:    opts.ProjectID,
		ContainerID:  id,
		Name:         name,
		Mode:         opts.Mode,
		ServicesMode: opts.ServicesMode,
		Branch:       opts.Branch,
		Status:       StatusRunning,
		URL:          route.URL,
		StartedAt:    time.Now(),
	}
	if opts.ServicesMode == ServicesCommand {
		return m.runCommand(ctx, info, opts)
	}
	return info, nil
}

// runCommand waits for a one-shot container to exit while relaying its logs.
// On timeout the container is stopped but kept for inspection.
func (m *Manager) runCommand(ctx context.Context, info *Info, opts CreateOptions) (*Info, error) {
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logsDone := make(chan struct{})
	sink := opts.LogSink
	if sink == nil {
		sink = io.Discard
	}
	go func() {
		defer close(logsDone)
		if err := m.runtime.Logs(cmdCtx, info.ContainerID, sink); err != nil && cmdCtx.Err() == nil {
			m.logger.Warn("Command log stream failed", "session_id", info.SessionID, "error", err)
		}
	}()

	code, err := m.runtime.Wait(cmdCtx, info.ContainerID)
	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StopTimeout+5*time.Second)
			defer stopCancel()
			if serr := m.runtime.Stop(stopCtx, info.ContainerID, 0); serr != nil {
				m.logger.Error("Failed to stop timed out command sandbox", "session_id", info.SessionID, "error", serr)
			}
			info.Status = StatusError
			return info, fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
		}
		return nil, fmt.Errorf("failed waiting for command sandbox: %w", err)
	}

	select {
	case <-logsDone:
	case <-time.After(2 * time.Second):
	}

	info.ExitCode = &code
	info.FinishedAt = time.Now()
	if code == 0 {
		info.Status = StatusCompleted
	} else {
		info.Status = StatusError
	}
	return info, nil
}

// env assembles the container environment.
func (m *Manager) env(opts CreateOptions, dsn, publicURL string) []string {
	env := []string{
		"SESSION_ID=" + opts.SessionID,
		"PROJECT_ID=" + opts.ProjectID,
		"SANDBOX_MODE=" + string(opts.Mode),
		"SERVICES_MODE=" + string(opts.ServicesMode),
		fmt.Sprintf("AGENT_PORT=%d", m.cfg.AgentPort),
		fmt.Sprintf("PORT=%d", m.cfg.ServicePort),
	}
	if opts.RepoURL != "" {
		env = append(env, "REPO_URL="+opts.RepoURL)
	}
	if opts.Branch != "" {
		env = append(env, "GIT_BRANCH="+opts.Branch)
	}
	if opts.Credential != "" {
		env = append(env, "GIT_TOKEN="+opts.Credential)
	}
	if dsn != "" {
		env = append(env, "DATABASE_URL="+dsn)
	}
	if publicURL != "" {
		env = append(env, "PUBLIC_URL="+publicURL)
	}
	if opts.ServicesMode == ServicesCommand {
		keys := make([]string, 0, len(opts.CommandEnv))
		for k := range opts.CommandEnv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+opts.CommandEnv[k])
		}
	}
	return env
}

// Get returns the sandbox of a session, or nil if no container exists.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Info, error) {
	c, err := m.runtime.Inspect(ctx, m.naming.ContainerName(sessionID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.info(c), nil
}

// Stop stops the sandbox gracefully; the container is kept for restart.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	c, err := m.runtime.Inspect(ctx, m.naming.ContainerName(sessionID))
	if err != nil {
		return err
	}
	if err := m.runtime.Stop(ctx, c.ID, m.cfg.StopTimeout); err != nil {
		return fmt.Errorf("failed to stop sandbox: %w", err)
	}
	m.logger.Info("Sandbox stopped", "session_id", sessionID)
	return nil
}

// Restart restarts the sandbox in place and waits for its agent. It reports
// whether the agent became ready.
func (m *Manager) Restart(ctx context.Context, sessionID string) (bool, error) {
	c, err := m.runtime.Inspect(ctx, m.naming.ContainerName(sessionID))
	if err != nil {
		return false, err
	}
	if err := m.runtime.Restart(ctx, c.ID, m.cfg.StopTimeout); err != nil {
		return false, fmt.Errorf("failed to restart sandbox: %w", err)
	}
	return m.WaitForAgent(ctx, sessionID, 0), nil
}

// Destroy force-stops and removes the container with its volumes, then drops
// the session database. The drop runs even if removal failed and its own
// failure is only logged.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	log := m.logger.With("session_id", sessionID)
	name := m.naming.ContainerName(sessionID)

	var removeErr error
	c, err := m.runtime.Inspect(ctx, name)
	switch {
	case err == nil:
		if serr := m.runtime.Stop(ctx, c.ID, 0); serr != nil {
			log.Debug("Stop before remove failed", "error", serr)
		}
		if rerr := m.runtime.Remove(ctx, c.ID); rerr != nil && !errors.Is(rerr, ErrNotFound) {
			removeErr = fmt.Errorf("failed to remove sandbox: %w", rerr)
		}
	case !errors.Is(err, ErrNotFound):
		removeErr = fmt.Errorf("failed to inspect sandbox: %w", err)
	}

	dbName := m.naming.DatabaseName(sessionID)
	if err := m.provisioner.Drop(ctx, dbName); err != nil {
		log.Error("Failed to drop sandbox database, manual cleanup required", "database", dbName, "error", err)
	}

	metrics.RecordSandboxDestroy(removeErr)
	if removeErr == nil {
		log.Info("Sandbox destroyed")
	}
	return removeErr
}

// WaitForAgent polls the agent's health endpoint until it reports both alive
// and ready, up to maxAttempts probes (the configured budget when <= 0).
// It never returns an error; false means readiness was not observed.
func (m *Manager) WaitForAgent(ctx context.Context, sessionID string, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.HealthAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		health, err := m.agent.Health(ctx, sessionID)
		if err == nil && health.Alive && health.Ready {
			return true
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.pollInterval):
		}
	}

	metrics.RecordAgentNotReady()
	m.logger.Warn("Agent did not become ready", "session_id", sessionID, "attempts", maxAttempts)
	return false
}

// UpdateSandbox pulls the latest source into a running sandbox. Production
// sandboxes are restarted afterwards to rebuild; development sandboxes rely on
// live reload.
func (m *Manager) UpdateSandbox(ctx context.Context, sessionID, branch, credential string) error {
	c, err := m.runtime.Inspect(ctx, m.naming.ContainerName(sessionID))
	if err != nil {
		return err
	}
	if !c.Running {
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}

	if _, err := m.agent.GitPull(ctx, sessionID, agentapi.GitPullRequest{Branch: branch, Token: credential}); err != nil {
		return fmt.Errorf("failed to pull source: %w", err)
	}

	rec, _ := RecordFromLabels(c.Labels)
	if rec.Mode != ModeProduction {
		return nil
	}
	if err := m.runtime.Restart(ctx, c.ID, m.cfg.StopTimeout); err != nil {
		return fmt.Errorf("failed to restart production sandbox: %w", err)
	}
	m.WaitForAgent(ctx, sessionID, 0)
	return nil
}

// ListProjectSandboxes lists the sandboxes of a project.
func (m *Manager) ListProjectSandboxes(ctx context.Context, projectID string) ([]*Info, error) {
	return m.list(ctx, projectFilter(projectID))
}

// ListCommandSandboxes lists one-shot command sandboxes in any state.
func (m *Manager) ListCommandSandboxes(ctx context.Context) ([]*Info, error) {
	return m.list(ctx, commandFilter())
}

func (m *Manager) list(ctx context.Context, labels map[string]string) ([]*Info, error) {
	containers, err := m.runtime.List(ctx, labels)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	infos := make([]*Info, 0, len(containers))
	for _, c := range containers {
		if _, ok := RecordFromLabels(c.Labels); ok {
			infos = append(infos, m.info(c))
		}
	}
	return infos, nil
}

// DestroyAllProjectSandboxes destroys every sandbox of a project. Individual
// failures are logged and counted, not returned.
func (m *Manager) DestroyAllProjectSandboxes(ctx context.Context, projectID string) (destroyed, failed int, err error) {
	infos, err := m.ListProjectSandboxes(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}

	var ok, bad atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(destroyConcurrency)
	for _, info := range infos {
		g.Go(func() error {
			if err := m.Destroy(gctx, info.SessionID); err != nil {
				bad.Add(1)
				m.logger.Error("Failed to destroy project sandbox", "project_id", projectID, "session_id", info.SessionID, "error", err)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(ok.Load()), int(bad.Load()), nil
}

// AgentEndpoint resolves the base URL of a session's agent: the published
// loopback port when there is one, otherwise the container name on the
// shared network.
func (m *Manager) AgentEndpoint(ctx context.Context, sessionID string) (string, error) {
	c, err := m.runtime.Inspect(ctx, m.naming.ContainerName(sessionID))
	if err != nil {
		return "", err
	}
	if !c.Running {
		return "", fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}
	if c.AgentHostPort > 0 {
		return fmt.Sprintf("http://127.0.0.1:%d", c.AgentHostPort), nil
	}
	return fmt.Sprintf("http://%s:%d", c.Name, m.cfg.AgentPort), nil
}

// info converts a runtime container into sandbox Info.
func (m *Manager) info(c *Container) *Info {
	rec, _ := RecordFromLabels(c.Labels)
	info := &Info{
		SessionID:    rec.SessionID,
		ProjectID:    rec.ProjectID,
		ContainerID:  c.ID,
		Name:         c.Name,
		Mode:         rec.Mode,
		ServicesMode: rec.ServicesMode,
		Branch:       rec.Branch,
		URL:          rec.URL,
		StartedAt:    c.StartedAt,
		FinishedAt:   c.FinishedAt,
	}
	switch {
	case c.Running:
		info.Status = StatusRunning
	case rec.ServicesMode == ServicesCommand:
		code := c.ExitCode
		info.ExitCode = &code
		if code == 0 {
			info.Status = StatusCompleted
		} else {
			info.Status = StatusError
		}
	default:
		info.Status = StatusStopped
	}
	return info
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
