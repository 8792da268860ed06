// Package events normalizes the agent's upstream SSE vocabulary into the
// event stream consumed by chat clients, and accumulates the transcript that
// is persisted on the assistant message.
package events

import (
	"context"
	"encoding/json"

	"github.com/forgeline/sandboxd/internal/agentapi"
)

// Type discriminates a normalized event.
type Type string

const (
	TypeBlockStart      Type = "content_block_start"
	TypeBlockDelta      Type = "content_block_delta"
	TypeBlockStop       Type = "content_block_stop"
	TypeToolStart       Type = "tool_start"
	TypeToolStop        Type = "tool_stop"
	TypeClarification   Type = "clarification"
	TypeTickets         Type = "tickets"
	TypeBuildProgress   Type = "build_progress"
	TypeMessageComplete Type = "message_complete"
	TypeError           Type = "error"
)

// Event is one normalized event. Which fields are set depends on Type.
type Event struct {
	Type Type `json:"type"`

	// Block events
	Index int    `json:"index"`
	Text  string `json:"text,omitempty"`

	// Tool events
	ToolID string          `json:"toolId,omitempty"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Status string          `json:"status,omitempty"`

	// Clarification
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`

	// Tickets and build progress
	Tickets     []agentapi.Ticket `json:"tickets,omitempty"`
	TicketsPath string            `json:"ticketsPath,omitempty"`
	TicketID    string            `json:"ticketId,omitempty"`
	Completed   int               `json:"completed,omitempty"`
	Failed      int               `json:"failed,omitempty"`
	Total       int               `json:"total,omitempty"`

	// Message complete
	MessageID  string `json:"messageId,omitempty"`
	BuildJobID string `json:"buildJobId,omitempty"`

	// Error
	Message string `json:"message,omitempty"`
}

// Block kinds.
const (
	BlockText = "text"
	BlockTool = "tool"
)

// Tool block statuses.
const (
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// Block is one persisted segment of an assistant message.
type Block struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	ToolID string          `json:"toolId,omitempty"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Status string          `json:"status,omitempty"`
}

// Usage is aggregate token accounting. ContextWindow is the most recent
// reported size, not a sum.
type Usage struct {
	InputTokens   int `json:"inputTokens"`
	OutputTokens  int `json:"outputTokens"`
	ContextWindow int `json:"contextWindow"`
}

// Sink receives normalized events.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// ChannelSink forwards events to a channel. Emit blocks until the event is
// received or ctx is done; events emitted after that are dropped.
type ChannelSink struct {
	ctx context.Context
	ch  chan<- Event
}

func NewChannelSink(ctx context.Context, ch chan<- Event) *ChannelSink {
	return &ChannelSink{ctx: ctx, ch: ch}
}

func (s *ChannelSink) Emit(e Event) {
	select {
	case s.ch <- e:
	case <-s.ctx.Done():
	}
}

// Multi fans every event out to each sink in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			s.Emit(e)
		}
	})
}
