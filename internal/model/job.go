package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job represents a background job in the queue.
type Job struct {
	ID           string          `gorm:"primaryKey;type:text" json:"id"`
	Type         string          `gorm:"not null;type:text;index:idx_job_status_type" json:"type"`
	Payload      json.RawMessage `gorm:"type:text;not null" json:"payload"`
	Status       string          `gorm:"not null;type:text;default:pending;index:idx_job_status_type" json:"status"`
	Priority     int             `gorm:"not null;default:0;index" json:"priority"`
	Attempts     int             `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts  int             `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	Error        *string         `gorm:"type:text" json:"error,omitempty"`
	WorkerID     *string         `gorm:"column:worker_id;type:text" json:"worker_id,omitempty"`
	ResourceType *string         `gorm:"column:resource_type;type:text;index:idx_job_resource" json:"resource_type,omitempty"`
	ResourceID   *string         `gorm:"column:resource_id;type:text;index:idx_job_resource" json:"resource_id,omitempty"`
	ScheduledAt  time.Time       `gorm:"column:scheduled_at;not null;index" json:"scheduled_at"`
	StartedAt    *time.Time      `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Job.
func (Job) TableName() string { return "jobs" }

// BeforeCreate generates a UUID if not set.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = time.Now()
	}
	if j.Status == "" {
		j.Status = string(JobStatusPending)
	}
	return nil
}

// BuildJobStatus is the lifecycle of one build execution.
type BuildJobStatus string

const (
	BuildJobPending   BuildJobStatus = "pending"
	BuildJobRunning   BuildJobStatus = "running"
	BuildJobCompleted BuildJobStatus = "completed"
	BuildJobFailed    BuildJobStatus = "failed"
	BuildJobCancelled BuildJobStatus = "cancelled"
)

// ActiveBuildStatuses are the statuses that block another build for the same session.
var ActiveBuildStatuses = []string{string(BuildJobPending), string(BuildJobRunning)}

// IsTerminal reports whether no further transitions are expected.
func (s BuildJobStatus) IsTerminal() bool {
	return s == BuildJobCompleted || s == BuildJobFailed || s == BuildJobCancelled
}

// BuildJob is a queued or running build for a session. At most one pending or
// running BuildJob exists per session (enforced by idx_build_jobs_one_active).
type BuildJob struct {
	ID               string          `gorm:"primaryKey;type:text" json:"id"`
	SessionID        string          `gorm:"column:session_id;not null;type:text;index" json:"sessionId"`
	ProjectID        string          `gorm:"column:project_id;not null;type:text;index" json:"projectId"`
	Status           string          `gorm:"not null;type:text;default:pending" json:"status"`
	Tickets          json.RawMessage `gorm:"type:text;not null" json:"tickets"`
	TicketsPath      string          `gorm:"column:tickets_path;type:text" json:"ticketsPath,omitempty"`
	TotalTickets     int             `gorm:"column:total_tickets;not null;default:0" json:"totalTickets"`
	CompletedTickets int             `gorm:"column:completed_tickets;not null;default:0" json:"completedTickets"`
	FailedTickets    int             `gorm:"column:failed_tickets;not null;default:0" json:"failedTickets"`
	CostUSD          float64         `gorm:"column:cost_usd;not null;default:0" json:"costUsd"`
	QueueJobID       *string         `gorm:"column:queue_job_id;type:text" json:"queueJobId,omitempty"`
	MessageID        *string         `gorm:"column:message_id;type:text" json:"messageId,omitempty"`
	Error            *string         `gorm:"type:text" json:"error,omitempty"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	StartedAt        *time.Time      `gorm:"column:started_at" json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `gorm:"column:completed_at" json:"completedAt,omitempty"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (BuildJob) TableName() string { return "build_jobs" }

func (b *BuildJob) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = string(BuildJobPending)
	}
	return nil
}
