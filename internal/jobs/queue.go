package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/store"
)

// ErrJobAlreadyExists is returned when a job for the resource already exists.
var ErrJobAlreadyExists = errors.New("job already exists for resource")

// Queue enqueues jobs into the database table polled by the dispatcher.
type Queue struct {
	store              *store.Store
	defaultMaxAttempts int
	notifyFunc         func() // Called after job creation to notify dispatcher
}

// NewQueue creates a new job queue helper.
func NewQueue(s *store.Store, defaultMaxAttempts int) *Queue {
	return &Queue{store: s, defaultMaxAttempts: defaultMaxAttempts}
}

// SetNotifyFunc sets the function to call after job creation.
// This is typically dispatcher.NotifyNewJob.
func (q *Queue) SetNotifyFunc(f func()) {
	q.notifyFunc = f
}

// Enqueue stores a job for payload and returns its id. It returns
// ErrJobAlreadyExists if a pending or running job holds the same resource.
func (q *Queue) Enqueue(ctx context.Context, payload JobPayload) (string, error) {
	resType, resID := payload.ResourceKey()

	exists, err := q.store.HasActiveJobForResource(ctx, resType, resID)
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrJobAlreadyExists
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	priority := 10 // default
	if p, ok := payload.(Prioritized); ok {
		priority = p.Priority()
	}

	maxAttempts := q.defaultMaxAttempts
	if m, ok := payload.(MaxAttempter); ok {
		maxAttempts = m.MaxAttempts()
	}

	job := &model.Job{
		Type:         string(payload.JobType()),
		Payload:      data,
		Status:       string(model.JobStatusPending),
		MaxAttempts:  maxAttempts,
		Priority:     priority,
		ResourceType: &resType,
		ResourceID:   &resID,
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return "", err
	}
	if q.notifyFunc != nil {
		q.notifyFunc()
	}
	return job.ID, nil
}
