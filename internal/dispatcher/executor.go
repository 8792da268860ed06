// Package dispatcher runs queued jobs on the elected leader server.
package dispatcher

import (
	"context"

	"github.com/forgeline/sandboxd/internal/jobs"
	"github.com/forgeline/sandboxd/internal/model"
)

// JobExecutor defines the interface for executing a specific job type.
type JobExecutor interface {
	// Type returns the job type this executor handles.
	Type() jobs.JobType

	// Execute processes the job. Returns error on failure.
	Execute(ctx context.Context, job *model.Job) error
}
