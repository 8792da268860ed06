// Package sweeper stops sandboxes of inactive sessions and reaps finished
// command sandboxes.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeline/sandboxd/internal/config"
	"github.com/forgeline/sandboxd/internal/metrics"
	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/sandbox"
)

// Store is the session persistence the sweeper needs.
type Store interface {
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*model.Session, error)
	GetSessionByID(ctx context.Context, id string) (*model.Session, error)
	MarkSandboxStoppedIfIdle(ctx context.Context, id string, observed time.Time) (bool, error)
	UpdateSandboxStatus(ctx context.Context, id, status string) error
}

// Sandboxes is the part of sandbox.Manager the sweeper drives.
type Sandboxes interface {
	Stop(ctx context.Context, sessionID string) error
	Destroy(ctx context.Context, sessionID string) error
	ListCommandSandboxes(ctx context.Context) ([]*sandbox.Info, error)
}

// Sweeper periodically stops idle sandboxes.
type Sweeper struct {
	store     Store
	sandboxes Sandboxes
	logger    *slog.Logger

	idleTimeout time.Duration
	interval    time.Duration
	retention   time.Duration
	now         func() time.Time

	mu           sync.Mutex
	running      bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func New(s Store, sandboxes Sandboxes, cfg *config.Config, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:       s,
		sandboxes:   sandboxes,
		logger:      logger.With("component", "sweeper"),
		idleTimeout: cfg.IdleTimeout,
		interval:    cfg.SweepInterval,
		retention:   cfg.CommandRetention,
		now:         time.Now,
		stopChan:    make(chan struct{}),
	}
}

// Start runs Sweep and ReapCommandSandboxes on every tick until ctx is done
// or Shutdown is called.
func (w *Sweeper) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("Sweeper started",
		"idle_timeout", w.idleTimeout,
		"interval", w.interval,
		"command_retention", w.retention)
}

// Shutdown stops the loop and waits for an in-flight sweep.
func (w *Sweeper) Shutdown(ctx context.Context) error {
	var err error
	w.shutdownOnce.Do(func() {
		close(w.stopChan)

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			w.logger.Info("Sweeper stopped")
		case <-ctx.Done():
			err = fmt.Errorf("sweeper shutdown: %w", ctx.Err())
		}
	})
	return err
}

func (w *Sweeper) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("Idle sweep failed", "error", err)
			}
			if _, err := w.ReapCommandSandboxes(ctx); err != nil {
				w.logger.Error("Command reap failed", "error", err)
			}
		}
	}
}

// Sweep stops the sandbox of every session inactive for longer than the idle
// timeout. Each candidate is re-read right before acting, and the stop is
// claimed with a conditional update on the observed activity time, so a
// session touched mid-sweep keeps its sandbox. Production sandboxes are never
// stopped. It returns how many sandboxes were stopped; per-session failures
// are logged and do not abort the sweep.
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.idleTimeout)
	candidates, err := w.store.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}

	stopped := 0
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return stopped, ctx.Err()
		}
		if w.sweepSession(ctx, candidate.ID, cutoff) {
			stopped++
		}
	}

	if stopped > 0 {
		w.logger.Info("Stopped idle sandboxes", "count", stopped)
	}
	return stopped, nil
}

func (w *Sweeper) sweepSession(ctx context.Context, sessionID string, cutoff time.Time) bool {
	log := w.logger.With("session_id", sessionID)

	session, err := w.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		log.Error("Failed to re-read session", "error", err)
		return false
	}
	log = log.With("project_id", session.ProjectID)

	switch {
	case session.SandboxMode == string(sandbox.ModeProduction):
		metrics.RecordSweeperSkip("production")
		return false
	case session.SandboxStatus != model.SandboxStatusRunning:
		metrics.RecordSweeperSkip("not_running")
		return false
	case !session.LastActivityAt.Before(cutoff):
		log.Debug("Session became active, skipping")
		metrics.RecordSweeperSkip("active")
		return false
	}

	claimed, err := w.store.MarkSandboxStoppedIfIdle(ctx, session.ID, session.LastActivityAt)
	if err != nil {
		log.Error("Failed to claim idle sandbox", "error", err)
		return false
	}
	if !claimed {
		log.Debug("Session changed before stop, skipping")
		metrics.RecordSweeperSkip("raced")
		return false
	}

	log.Info("Stopping idle sandbox", "last_activity", session.LastActivityAt)
	if err := w.sandboxes.Stop(ctx, session.ID); err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			if err := w.store.UpdateSandboxStatus(ctx, session.ID, model.SandboxStatusNone); err != nil {
				log.Error("Failed to clear sandbox status", "error", err)
			}
			return false
		}
		log.Error("Failed to stop idle sandbox", "error", err)
		if err := w.store.UpdateSandboxStatus(ctx, session.ID, model.SandboxStatusError); err != nil {
			log.Error("Failed to record sandbox error", "error", err)
		}
		return false
	}

	metrics.RecordSweeperStop()
	return true
}

// ReapCommandSandboxes destroys command sandboxes that exited more than the
// retention period ago. A zero retention disables reaping. Running command
// sandboxes are never touched.
func (w *Sweeper) ReapCommandSandboxes(ctx context.Context) (int, error) {
	if w.retention <= 0 {
		return 0, nil
	}

	infos, err := w.sandboxes.ListCommandSandboxes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list command sandboxes: %w", err)
	}

	cutoff := w.now().Add(-w.retention)
	reaped := 0
	for _, info := range infos {
		if info.Status == sandbox.StatusRunning || info.FinishedAt.IsZero() || info.FinishedAt.After(cutoff) {
			continue
		}
		if err := w.sandboxes.Destroy(ctx, info.SessionID); err != nil {
			w.logger.Error("Failed to reap command sandbox", "session_id", info.SessionID, "error", err)
			continue
		}
		reaped++
	}

	metrics.RecordCommandReaps(reaped)
	if reaped > 0 {
		w.logger.Info("Reaped command sandboxes", "count", reaped)
	}
	return reaped, nil
}
