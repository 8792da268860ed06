// Package agentapi is the typed HTTP/SSE client for the agent that runs
// inside every sandbox.
package agentapi

import "encoding/json"

// HealthResponse is returned by GET /agent/health. A booted agent reports
// Alive before it is Ready (for example while dependencies install).
type HealthResponse struct {
	Alive   bool    `json:"alive"`
	Ready   bool    `json:"ready"`
	Version string  `json:"version,omitempty"`
	Uptime  float64 `json:"uptime,omitempty"`
}

// ReadFileResponse is returned by GET /agent/files.
type ReadFileResponse struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"` // "utf8" or "base64"
}

// WriteFileRequest is the body of POST /agent/files.
type WriteFileRequest struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// WriteFileResponse is returned by POST /agent/files.
type WriteFileResponse struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// GitPullRequest is the body of POST /agent/git/pull.
type GitPullRequest struct {
	Branch string `json:"branch"`
	Token  string `json:"token,omitempty"`
}

// GitPullResponse reports the commit checked out after the pull.
type GitPullResponse struct {
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// GitRevertRequest is the body of POST /agent/git/revert.
type GitRevertRequest struct {
	Commit string `json:"commit"`
}

// HistoryMessage is one prior conversation turn sent to the planner.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PlanRequest is the body of POST /agent/plan and /agent/requirements.
type PlanRequest struct {
	Message string           `json:"message"`
	History []HistoryMessage `json:"history,omitempty"`
	WorkDir string           `json:"workdir,omitempty"`
}

// TicketStatus is the build state of one ticket.
type TicketStatus string

const (
	TicketTodo       TicketStatus = "todo"
	TicketInProgress TicketStatus = "in_progress"
	TicketDone       TicketStatus = "done"
	TicketError      TicketStatus = "error"
)

// Ticket is one unit of build work produced by planning.
type Ticket struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	Type            string       `json:"type"`
	Category        string       `json:"category,omitempty"`
	EstimatedEffort int          `json:"estimatedEffort"`
	Status          TicketStatus `json:"status"`
	Error           string       `json:"error,omitempty"`
}

// BuildRequest is the body of POST /agent/build.
type BuildRequest struct {
	Tickets     []Ticket        `json:"tickets"`
	TicketsPath string          `json:"ticketsPath,omitempty"`
	WorkDir     string          `json:"workdir,omitempty"`
	Token       string          `json:"token,omitempty"`
	Flags       map[string]bool `json:"flags,omitempty"`
}

// Upstream event names emitted by the agent's SSE endpoints.
const (
	EventText          = "text"
	EventToolUse       = "tool_use"
	EventToolResult    = "tool_result"
	EventClarification = "clarification"
	EventTickets       = "tickets"
	EventUsage         = "usage"
	EventError         = "error"
	EventTicketStart   = "ticket_start"
	EventTicketDone    = "ticket_done"
	EventTicketError   = "ticket_error"
	EventBuildComplete = "build_complete"
)

// StreamEvent is one parsed SSE event. Exactly one of Data, Done or Err is
// meaningful.
type StreamEvent struct {
	Type string
	Data json.RawMessage
	Done bool  // the [DONE] sentinel was received
	Err  error // reading the stream failed
}

// Decode unmarshals the event payload into v.
func (e StreamEvent) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type TextPayload struct {
	Text string `json:"text"`
}

type ToolUsePayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type ToolResultPayload struct {
	ID      string          `json:"id"`
	Output  json.RawMessage `json:"output,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

type ClarificationPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

type TicketsPayload struct {
	Tickets []Ticket `json:"tickets"`
	Path    string   `json:"path,omitempty"`
}

type UsagePayload struct {
	InputTokens   int     `json:"inputTokens"`
	OutputTokens  int     `json:"outputTokens"`
	ContextWindow int     `json:"contextWindow,omitempty"`
	CostUSD       float64 `json:"costUsd,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// TicketProgressPayload accompanies ticket_start, ticket_done and ticket_error.
type TicketProgressPayload struct {
	TicketID string `json:"ticketId"`
	Error    string `json:"error,omitempty"`
}

type BuildCompletePayload struct {
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	CostUSD   float64 `json:"costUsd,omitempty"`
}
