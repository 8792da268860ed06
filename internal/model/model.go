// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Project ownership determines how source-control credentials are resolved.
const (
	OwnershipFirstParty = "first_party" // repository lives in the platform's own organization
	OwnershipImported   = "imported"    // repository imported from a user's account
)

// Project is the owner of sessions and their sandboxes.
type Project struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	Name          string    `gorm:"not null;type:text" json:"name"`
	RepoURL       string    `gorm:"column:repo_url;type:text" json:"repoUrl"`
	DefaultBranch string    `gorm:"column:default_branch;type:text;default:main" json:"defaultBranch"`
	Ownership     string    `gorm:"not null;type:text;default:first_party" json:"ownership"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Sessions []Session `gorm:"foreignKey:ProjectID" json:"-"`
}

func (Project) TableName() string { return "projects" }

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// Sandbox status values mirrored onto the session row.
const (
	SandboxStatusNone      = "none"
	SandboxStatusRunning   = "running"
	SandboxStatusStopped   = "stopped"
	SandboxStatusError     = "error"
	SandboxStatusCompleted = "completed"
)

// Session is a long-lived unit of conversation that owns at most one sandbox.
type Session struct {
	ID             string    `gorm:"primaryKey;type:text" json:"id"`
	ProjectID      string    `gorm:"column:project_id;not null;type:text;index" json:"projectId"`
	Name           string    `gorm:"not null;type:text;default:''" json:"name"`
	Branch         string    `gorm:"type:text" json:"branch"`
	SandboxMode    string    `gorm:"column:sandbox_mode;not null;type:text;default:development" json:"sandboxMode"`
	ServicesMode   string    `gorm:"column:services_mode;not null;type:text;default:full" json:"servicesMode"`
	SandboxStatus  string    `gorm:"column:sandbox_status;not null;type:text;default:none;index:idx_session_activity,priority:1" json:"sandboxStatus"`
	LastActivityAt time.Time `gorm:"column:last_activity_at;not null;index:idx_session_activity,priority:2" json:"lastActivityAt"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Project  *Project  `gorm:"foreignKey:ProjectID" json:"-"`
	Messages []Message `gorm:"foreignKey:SessionID" json:"-"`
}

func (Session) TableName() string { return "sessions" }

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = time.Now()
	}
	if s.SandboxStatus == "" {
		s.SandboxStatus = SandboxStatusNone
	}
	return nil
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message kinds.
const (
	MessageKindChat  = "chat"
	MessageKindBuild = "build" // placeholder that a queued build job fills in
)

// Message status values.
const (
	MessageStatusStreaming = "streaming"
	MessageStatusComplete  = "complete"
	MessageStatusError     = "error"
)

// Message is one persisted turn of a session's conversation.
type Message struct {
	ID            string          `gorm:"primaryKey;type:text" json:"id"`
	SessionID     string          `gorm:"column:session_id;not null;type:text;index" json:"sessionId"`
	Role          string          `gorm:"not null;type:text" json:"role"`
	Kind          string          `gorm:"not null;type:text;default:chat" json:"kind"`
	Status        string          `gorm:"not null;type:text;default:complete" json:"status"`
	Content       string          `gorm:"type:text;not null;default:''" json:"content"`
	Blocks        json.RawMessage `gorm:"type:text" json:"blocks,omitempty"`
	BuildJobID    *string         `gorm:"column:build_job_id;type:text" json:"buildJobId,omitempty"`
	InputTokens   int             `gorm:"column:input_tokens;not null;default:0" json:"inputTokens"`
	OutputTokens  int             `gorm:"column:output_tokens;not null;default:0" json:"outputTokens"`
	ContextWindow int             `gorm:"column:context_window;not null;default:0" json:"contextWindow"`
	CostUSD       float64         `gorm:"column:cost_usd;not null;default:0" json:"costUsd"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`

	Session *Session `gorm:"foreignKey:SessionID" json:"-"`
}

func (Message) TableName() string { return "messages" }

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Kind == "" {
		m.Kind = MessageKindChat
	}
	if m.Status == "" {
		m.Status = MessageStatusComplete
	}
	return nil
}

// Credential holds an encrypted source-control token for an imported project.
type Credential struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	ProjectID     string    `gorm:"column:project_id;not null;type:text;uniqueIndex:idx_project_provider" json:"projectId"`
	Provider      string    `gorm:"not null;type:text;uniqueIndex:idx_project_provider" json:"provider"`
	EncryptedData []byte    `gorm:"column:encrypted_data" json:"-"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Project *Project `gorm:"foreignKey:ProjectID" json:"-"`
}

func (Credential) TableName() string { return "credentials" }

func (c *Credential) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Project{},
		&Session{},
		&Message{},
		&Credential{},
		&BuildJob{},
		&Job{},
		&DispatcherLeader{},
	}
}
