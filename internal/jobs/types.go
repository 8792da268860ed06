// Package jobs defines background job payloads and the queues that carry
// them to workers.
package jobs

import (
	"context"

	"github.com/forgeline/sandboxd/internal/agentapi"
)

// JobType represents the type of job.
type JobType string

const (
	JobTypeBuild JobType = "build"
)

// Resource type constants for job deduplication.
const (
	ResourceTypeSession = "session"
)

// JobPayload is implemented by all job payloads. The payload struct itself
// is JSON-marshaled as the job's Payload field.
type JobPayload interface {
	JobType() JobType
	ResourceKey() (resourceType string, resourceID string)
}

// Prioritized is an optional interface payloads can implement to override the default priority (10).
type Prioritized interface {
	Priority() int
}

// MaxAttempter is an optional interface payloads can implement to override the default max attempts.
type MaxAttempter interface {
	MaxAttempts() int
}

// Enqueuer accepts a payload and returns the queue's job identifier.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload JobPayload) (string, error)
}

// BuildPayload is the payload for build jobs.
type BuildPayload struct {
	BuildJobID  string            `json:"buildJobId"`
	MessageID   string            `json:"messageId"`
	SessionID   string            `json:"sessionId"`
	ProjectID   string            `json:"projectId"`
	WorkDir     string            `json:"workdir,omitempty"`
	Tickets     []agentapi.Ticket `json:"tickets"`
	TicketsPath string            `json:"ticketsPath,omitempty"`
	Credential  string            `json:"credential,omitempty"`
	Flags       map[string]bool   `json:"flags,omitempty"`
}

func (p BuildPayload) JobType() JobType              { return JobTypeBuild }
func (p BuildPayload) ResourceKey() (string, string) { return ResourceTypeSession, p.SessionID }

// Builds are not retried: a partially applied ticket set must not run twice.
func (p BuildPayload) MaxAttempts() int { return 1 }
