// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/forgeline/sandboxd/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")

	// ErrActiveBuildExists is returned when inserting a build job for a session
	// that already has a pending or running one.
	ErrActiveBuildExists = errors.New("active build already exists for session")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Projects ---

func (s *Store) GetProjectByID(ctx context.Context, id string) (*model.Project, error) {
	var project model.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

func (s *Store) CreateProject(ctx context.Context, project *model.Project) error {
	return s.db.WithContext(ctx).Create(project).Error
}

// --- Sessions ---

func (s *Store) GetSessionByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	return s.db.WithContext(ctx).Create(session).Error
}

// ListSessionsByProject returns every session of a project, oldest first.
func (s *Store) ListSessionsByProject(ctx context.Context, projectID string) ([]*model.Session, error) {
	var sessions []*model.Session
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at ASC").Find(&sessions).Error
	return sessions, err
}

// ListIdleSessions returns sessions with a running sandbox whose last activity
// is older than cutoff.
func (s *Store) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*model.Session, error) {
	var sessions []*model.Session
	err := s.db.WithContext(ctx).
		Where("sandbox_status = ? AND last_activity_at < ?", model.SandboxStatusRunning, cutoff).
		Order("last_activity_at ASC").
		Find(&sessions).Error
	return sessions, err
}

// TouchSession records activity on a session.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Update("last_activity_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSandboxStatus sets the sandbox status mirrored on the session row.
func (s *Store) UpdateSandboxStatus(ctx context.Context, id, status string) error {
	return s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Update("sandbox_status", status).Error
}

// MarkSandboxStoppedIfIdle flips a running sandbox to stopped only if the
// session's last activity still equals observed. It reports whether the row
// was updated; false means the session became active or was already handled.
func (s *Store) MarkSandboxStoppedIfIdle(ctx context.Context, id string, observed time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND sandbox_status = ? AND last_activity_at = ?", id, model.SandboxStatusRunning, observed).
		Update("sandbox_status", model.SandboxStatusStopped)
	return result.RowsAffected > 0, result.Error
}

// --- Messages ---

// ListMessagesBySession returns a session's messages in creation order.
func (s *Store) ListMessagesBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	var messages []*model.Message
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at ASC, id ASC").Find(&messages).Error
	return messages, err
}

func (s *Store) GetMessageByID(ctx context.Context, id string) (*model.Message, error) {
	var message model.Message
	if err := s.db.WithContext(ctx).First(&message, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &message, nil
}

func (s *Store) CreateMessage(ctx context.Context, message *model.Message) error {
	return s.db.WithContext(ctx).Create(message).Error
}

// UpdateMessage saves the transcript fields of a message.
func (s *Store) UpdateMessage(ctx context.Context, message *model.Message) error {
	return s.db.WithContext(ctx).Model(message).
		Select("status", "content", "blocks", "input_tokens", "output_tokens", "context_window", "cost_usd", "build_job_id").
		Updates(message).Error
}

// --- Credentials ---

func (s *Store) GetCredentialByProvider(ctx context.Context, projectID, provider string) (*model.Credential, error) {
	var credential model.Credential
	if err := s.db.WithContext(ctx).Where("project_id = ? AND provider = ?", projectID, provider).First(&credential).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &credential, nil
}

func (s *Store) SaveCredential(ctx context.Context, credential *model.Credential) error {
	return s.db.WithContext(ctx).Save(credential).Error
}

// --- Build jobs ---

// CreateBuildJob inserts a build job. Returns ErrActiveBuildExists when the
// session already has a pending or running build.
func (s *Store) CreateBuildJob(ctx context.Context, job *model.BuildJob) error {
	err := s.db.WithContext(ctx).Create(job).Error
	if isUniqueViolation(err) {
		return ErrActiveBuildExists
	}
	return err
}

func (s *Store) GetBuildJobByID(ctx context.Context, id string) (*model.BuildJob, error) {
	var job model.BuildJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetActiveBuildJob returns the pending or running build for a session.
func (s *Store) GetActiveBuildJob(ctx context.Context, sessionID string) (*model.BuildJob, error) {
	var job model.BuildJob
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND status IN ?", sessionID, model.ActiveBuildStatuses).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// CountBuildJobsBySession counts all build jobs ever created for a session.
func (s *Store) CountBuildJobsBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.BuildJob{}).Where("session_id = ?", sessionID).Count(&count).Error
	return count, err
}

// SetBuildJobQueued records the queue job id and placeholder message.
func (s *Store) SetBuildJobQueued(ctx context.Context, id, queueJobID, messageID string) error {
	return s.db.WithContext(ctx).Model(&model.BuildJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"queue_job_id": queueJobID,
			"message_id":   messageID,
		}).Error
}

// StartBuildJob moves a pending build to running. It reports false if the
// build was no longer pending (for example cancelled before a worker got it).
func (s *Store) StartBuildJob(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&model.BuildJob{}).
		Where("id = ? AND status = ?", id, model.BuildJobPending).
		Updates(map[string]interface{}{
			"status":     model.BuildJobRunning,
			"started_at": now,
		})
	return result.RowsAffected > 0, result.Error
}

// UpdateBuildJobProgress stores per-ticket counters while a build runs.
func (s *Store) UpdateBuildJobProgress(ctx context.Context, id string, completed, failed int) error {
	return s.db.WithContext(ctx).Model(&model.BuildJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"completed_tickets": completed,
			"failed_tickets":    failed,
		}).Error
}

// FinishBuildJob moves a non-terminal build to a terminal status. Builds that
// already reached a terminal status (e.g. cancelled) are left untouched.
func (s *Store) FinishBuildJob(ctx context.Context, job *model.BuildJob) error {
	now := time.Now()
	job.CompletedAt = &now
	return s.db.WithContext(ctx).Model(&model.BuildJob{}).
		Where("id = ? AND status IN ?", job.ID, model.ActiveBuildStatuses).
		Updates(map[string]interface{}{
			"status":            job.Status,
			"tickets":           job.Tickets,
			"completed_tickets": job.CompletedTickets,
			"failed_tickets":    job.FailedTickets,
			"cost_usd":          job.CostUSD,
			"error":             job.Error,
			"completed_at":      now,
		}).Error
}

// CancelBuildJob marks an active build cancelled. It reports whether a row changed.
func (s *Store) CancelBuildJob(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&model.BuildJob{}).
		Where("id = ? AND status IN ?", id, model.ActiveBuildStatuses).
		Updates(map[string]interface{}{
			"status":       model.BuildJobCancelled,
			"completed_at": now,
		})
	return result.RowsAffected > 0, result.Error
}

// isUniqueViolation recognizes unique constraint failures from both drivers,
// with or without gorm's error translation enabled.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
