package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/forgeline/sandboxd/internal/model"
)

var activeJobStatuses = []string{string(model.JobStatusPending), string(model.JobStatusRunning)}

// --- Queue jobs ---

func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *Store) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// HasActiveJobForResource reports whether a pending or running job exists for
// the resource.
func (s *Store) HasActiveJobForResource(ctx context.Context, resourceType, resourceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("resource_type = ? AND resource_id = ? AND status IN ?", resourceType, resourceID, activeJobStatuses).
		Count(&count).Error
	return count > 0, err
}

// ClaimJobOfTypes atomically claims the best pending job of any of the given
// types: highest priority, then oldest scheduled. A job bound to a resource is
// skipped while another job for that resource is running.
// Returns nil, nil if nothing is claimable.
func (s *Store) ClaimJobOfTypes(ctx context.Context, jobTypes []string, workerID string) (*model.Job, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}

	var claimed *model.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.Job
		if err := tx.Where("type IN ? AND status = ? AND scheduled_at <= ?", jobTypes, model.JobStatusPending, time.Now()).
			Order("priority DESC, scheduled_at ASC, created_at ASC").
			Limit(10).
			Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			c := &candidates[i]
			if c.ResourceType != nil && c.ResourceID != nil {
				var running int64
				if err := tx.Model(&model.Job{}).
					Where("resource_type = ? AND resource_id = ? AND status = ? AND id != ?",
						*c.ResourceType, *c.ResourceID, model.JobStatusRunning, c.ID).
					Count(&running).Error; err != nil {
					return err
				}
				if running > 0 {
					continue
				}
			}
			claimed = c
			break
		}
		if claimed == nil {
			return nil
		}

		now := time.Now()
		claimed.Status = string(model.JobStatusRunning)
		claimed.WorkerID = &workerID
		claimed.StartedAt = &now
		claimed.Attempts++
		return tx.Save(claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       model.JobStatusCompleted,
			"completed_at": time.Now(),
		}).Error
}

// FailJob records a failure. Jobs with attempts left go back to pending with
// a linear backoff; the rest are marked failed.
func (s *Store) FailJob(ctx context.Context, jobID string, errMsg string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}

		if job.Attempts < job.MaxAttempts {
			backoff := time.Duration(job.Attempts) * 30 * time.Second
			return tx.Model(&job).Updates(map[string]interface{}{
				"status":       model.JobStatusPending,
				"worker_id":    nil,
				"started_at":   nil,
				"scheduled_at": time.Now().Add(backoff),
				"error":        errMsg,
			}).Error
		}

		return tx.Model(&job).Updates(map[string]interface{}{
			"status":       model.JobStatusFailed,
			"completed_at": time.Now(),
			"error":        errMsg,
		}).Error
	})
}

func (s *Store) CountRunningJobsByType(ctx context.Context, jobType string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("type = ? AND status = ?", jobType, model.JobStatusRunning).
		Count(&count).Error
	return count, err
}

// CleanupStaleJobs requeues running jobs whose worker stopped reporting.
func (s *Store) CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, time.Now().Add(-staleAfter)).
		Updates(map[string]interface{}{
			"status":     model.JobStatusPending,
			"worker_id":  nil,
			"started_at": nil,
		})
	return result.RowsAffected, result.Error
}

// --- Dispatcher leadership ---

// TryAcquireLeadership claims or renews the leadership row. It reports whether
// serverID holds leadership afterwards.
func (s *Store) TryAcquireLeadership(ctx context.Context, serverID string, heartbeatTimeout time.Duration) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-heartbeatTimeout)

	var acquired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.DispatcherLeader
		err := tx.First(&existing, "id = ?", model.DispatcherLeaderSingletonID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			leader := model.DispatcherLeader{
				ID:          model.DispatcherLeaderSingletonID,
				ServerID:    serverID,
				HeartbeatAt: now,
				AcquiredAt:  now,
			}
			// A failed insert means another server won the race.
			acquired = tx.Create(&leader).Error == nil
			return nil
		}
		if err != nil {
			return err
		}

		switch {
		case existing.ServerID == serverID:
			existing.HeartbeatAt = now
		case existing.HeartbeatAt.Before(cutoff):
			existing.ServerID = serverID
			existing.HeartbeatAt = now
			existing.AcquiredAt = now
		default:
			return nil
		}
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLeadership gives up leadership on graceful shutdown.
func (s *Store) ReleaseLeadership(ctx context.Context, serverID string) error {
	return s.db.WithContext(ctx).
		Where("id = ? AND server_id = ?", model.DispatcherLeaderSingletonID, serverID).
		Delete(&model.DispatcherLeader{}).Error
}
