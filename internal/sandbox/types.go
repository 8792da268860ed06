// Package sandbox manages per-session execution sandboxes: a container, a
// dedicated database and an optional routed URL, all keyed by session id.
package sandbox

import (
	"fmt"
	"io"
	"time"
)

// Mode selects how the sandbox serves the project.
type Mode string

const (
	ModeDevelopment  Mode = "development"
	ModeProduction   Mode = "production"
	ModeRequirements Mode = "requirements"
)

// ServicesMode selects which processes run inside the sandbox.
type ServicesMode string

const (
	ServicesFull      ServicesMode = "full"       // agent plus the routed app service
	ServicesAgentOnly ServicesMode = "agent-only" // agent control API only
	ServicesCommand   ServicesMode = "command"    // one-shot command, then exit
)

// Status is the observed state of a sandbox.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
	StatusCompleted Status = "completed"
)

// DefaultCommandTimeout bounds one-shot command sandboxes when neither the
// caller nor configuration sets a timeout.
const DefaultCommandTimeout = time.Hour

// CreateOptions configures Manager.Create.
type CreateOptions struct {
	ProjectID    string
	SessionID    string
	Mode         Mode
	ServicesMode ServicesMode

	// Branch, RepoURL and Credential are required unless Mode is requirements.
	Branch     string
	RepoURL    string
	Credential string

	// One-shot command settings, used only with ServicesCommand.
	Command        []string
	CommandEnv     map[string]string
	CommandTimeout time.Duration

	// LogSink receives the command container's output while it runs.
	LogSink io.Writer
}

func (o CreateOptions) validate() error {
	if o.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidOptions)
	}
	if o.ProjectID == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidOptions)
	}
	switch o.Mode {
	case ModeDevelopment, ModeProduction, ModeRequirements:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, o.Mode)
	}
	switch o.ServicesMode {
	case ServicesFull, ServicesAgentOnly:
	case ServicesCommand:
		if len(o.Command) == 0 {
			return fmt.Errorf("%w: command mode requires a command", ErrInvalidOptions)
		}
	default:
		return fmt.Errorf("%w: unknown services mode %q", ErrInvalidOptions, o.ServicesMode)
	}
	if o.Mode != ModeRequirements {
		if o.Branch == "" || o.RepoURL == "" || o.Credential == "" {
			return fmt.Errorf("%w: branch, repo url and credential are required in %s mode", ErrInvalidOptions, o.Mode)
		}
	}
	return nil
}

// Info describes a sandbox as observed from the runtime.
type Info struct {
	SessionID    string
	ProjectID    string
	ContainerID  string
	Name         string
	Mode         Mode
	ServicesMode ServicesMode
	Branch       string
	Status       Status
	URL          string // empty when no service is routed
	ExitCode     *int   // set only for command sandboxes that exited
	StartedAt    time.Time
	FinishedAt   time.Time
}

// clone returns a copy that shares no pointers with i.
func (i *Info) clone() *Info {
	cp := *i
	if i.ExitCode != nil {
		code := *i.ExitCode
		cp.ExitCode = &code
	}
	return &cp
}
