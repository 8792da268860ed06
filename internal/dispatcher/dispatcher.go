package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/sandboxd/internal/config"
	"github.com/forgeline/sandboxd/internal/jobs"
	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/store"
)

// Service claims jobs from the database queue and runs them. Only the
// server holding the leadership row claims jobs.
type Service struct {
	store    *store.Store
	cfg      *config.Config
	serverID string
	logger   *slog.Logger

	executors map[jobs.JobType]JobExecutor

	runningJobs   map[jobs.JobType]int
	runningJobsMu sync.Mutex

	isLeader   bool
	isLeaderMu sync.RWMutex

	// Enqueuers send here to skip the poll interval.
	notifyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new dispatcher service.
func NewService(s *store.Store, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{
		store:       s,
		cfg:         cfg,
		serverID:    uuid.New().String(),
		logger:      logger.With("component", "dispatcher"),
		executors:   make(map[jobs.JobType]JobExecutor),
		runningJobs: make(map[jobs.JobType]int),
		notifyCh:    make(chan struct{}, 100),
	}
}

// RegisterExecutor registers an executor for a job type.
func (d *Service) RegisterExecutor(executor JobExecutor) {
	d.executors[executor.Type()] = executor
}

// ServerID returns this server's unique ID.
func (d *Service) ServerID() string {
	return d.serverID
}

// IsLeader returns whether this server is currently the leader.
func (d *Service) IsLeader() bool {
	d.isLeaderMu.RLock()
	defer d.isLeaderMu.RUnlock()
	return d.isLeader
}

// NotifyNewJob wakes the processing loop when immediate execution is
// enabled.
func (d *Service) NotifyNewJob() {
	if !d.cfg.DispatcherImmediateExecution {
		return
	}
	// Non-blocking send - if channel is full, poll will pick it up
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// Start begins the dispatcher service.
func (d *Service) Start(parentCtx context.Context) {
	d.ctx, d.cancel = context.WithCancel(parentCtx)

	d.logger.Info("Dispatcher starting", "server_id", d.serverID)

	d.wg.Add(3)
	go d.leaderElectionLoop()
	go d.jobProcessingLoop()
	go d.staleJobCleanupLoop()
}

// Stop cancels in-flight jobs, waits up to 30s for them and releases
// leadership.
func (d *Service) Stop() {
	d.logger.Info("Dispatcher stopping")
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		d.logger.Warn("Timeout waiting for dispatcher goroutines")
	}

	if d.IsLeader() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.ReleaseLeadership(ctx, d.serverID); err != nil {
			d.logger.Error("Failed to release leadership", "error", err)
		} else {
			d.logger.Info("Leadership released")
		}
	}
}

func (d *Service) leaderElectionLoop() {
	defer d.wg.Done()

	d.tryAcquireLeadership()

	ticker := time.NewTicker(d.cfg.DispatcherHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.tryAcquireLeadership()
		}
	}
}

func (d *Service) tryAcquireLeadership() {
	acquired, err := d.store.TryAcquireLeadership(d.ctx, d.serverID, d.cfg.DispatcherHeartbeatTimeout)
	if err != nil {
		d.logger.Error("Leader election error", "error", err)
		// Ownership can't be confirmed, so stop acting as leader.
		acquired = false
	}

	d.isLeaderMu.Lock()
	wasLeader := d.isLeader
	d.isLeader = acquired
	d.isLeaderMu.Unlock()

	if acquired && !wasLeader {
		d.logger.Info("Became leader", "server_id", d.serverID)
	} else if !acquired && wasLeader {
		d.logger.Warn("Lost leadership", "server_id", d.serverID)
	}
}

func (d *Service) jobProcessingLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.DispatcherPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processAvailableJobs()
		case <-d.notifyCh:
			d.processAvailableJobs()
		}
	}
}

// processAvailableJobs claims jobs until the queue is empty or every job
// type is at its concurrency limit.
func (d *Service) processAvailableJobs() {
	if !d.IsLeader() {
		return
	}

	for {
		availableTypes := d.getAvailableJobTypes()
		if len(availableTypes) == 0 {
			return
		}

		job, err := d.store.ClaimJobOfTypes(d.ctx, availableTypes, d.serverID)
		if err != nil {
			d.logger.Error("Failed to claim job", "error", err)
			return
		}
		if job == nil {
			return
		}

		jobType := jobs.JobType(job.Type)
		d.runningJobsMu.Lock()
		d.runningJobs[jobType]++
		d.runningJobsMu.Unlock()

		d.wg.Add(1)
		go func(j *model.Job, jt jobs.JobType) {
			defer d.wg.Done()
			defer d.decrementRunning(jt)
			d.executeJob(j)
		}(job, jobType)
	}
}

func (d *Service) getAvailableJobTypes() []string {
	d.runningJobsMu.Lock()
	defer d.runningJobsMu.Unlock()

	var available []string
	for jobType := range d.executors {
		if d.runningJobs[jobType] < GetConcurrencyLimit(jobType) {
			available = append(available, string(jobType))
		}
	}
	return available
}

func (d *Service) executeJob(job *model.Job) {
	logger := d.logger.With("job_id", job.ID, "type", job.Type)
	logger.Info("Processing job")

	executor, ok := d.executors[jobs.JobType(job.Type)]
	if !ok {
		logger.Error("No executor registered for job type")
		if err := d.store.FailJob(d.ctx, job.ID, "no executor registered for job type"); err != nil {
			logger.Error("Failed to mark job failed", "error", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.DispatcherJobTimeout)
	defer cancel()

	if err := executor.Execute(ctx, job); err != nil {
		logger.Warn("Job failed", "error", err)
		if err := d.store.FailJob(context.WithoutCancel(d.ctx), job.ID, err.Error()); err != nil {
			logger.Error("Failed to mark job failed", "error", err)
		}
		return
	}

	logger.Info("Job completed")
	if err := d.store.CompleteJob(context.WithoutCancel(d.ctx), job.ID); err != nil {
		logger.Error("Failed to mark job completed", "error", err)
	}
}

func (d *Service) decrementRunning(jobType jobs.JobType) {
	d.runningJobsMu.Lock()
	d.runningJobs[jobType]--
	d.runningJobsMu.Unlock()
}

// staleJobCleanupLoop resets running jobs whose worker vanished.
func (d *Service) staleJobCleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.IsLeader() {
				continue
			}
			count, err := d.store.CleanupStaleJobs(d.ctx, d.cfg.DispatcherStaleJobTimeout)
			if err != nil {
				d.logger.Error("Stale job cleanup error", "error", err)
			} else if count > 0 {
				d.logger.Info("Reset stale jobs", "count", count)
			}
		}
	}
}
