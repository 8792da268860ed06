package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forgeline/sandboxd/internal/agentapi"
)

// Processor turns upstream agent events into normalized events while
// accumulating blocks, usage, cost and tickets. It is not safe for
// concurrent use; create one per run or call Reset between runs.
type Processor struct {
	blocks []Block
	open   *strings.Builder // current text accumulator, nil when closed
	tools  map[string]int   // upstream tool id -> index into blocks

	usage   Usage
	cost    float64
	tickets []agentapi.Ticket
	path    string
	clarify *agentapi.ClarificationPayload
	errMsg  string

	completed int
	failed    int
}

func NewProcessor() *Processor {
	p := &Processor{}
	p.Reset()
	return p
}

// Reset discards all accumulated state.
func (p *Processor) Reset() {
	*p = Processor{tools: make(map[string]int)}
}

// Process handles one upstream event and returns the normalized events it
// produces, in order.
func (p *Processor) Process(ev agentapi.StreamEvent) []Event {
	if ev.Done {
		return nil
	}
	if ev.Err != nil {
		return p.fail(ev.Err.Error())
	}

	switch ev.Type {
	case agentapi.EventText:
		var payload agentapi.TextPayload
		if err := ev.Decode(&payload); err != nil {
			return p.malformed(ev.Type, err)
		}
		return p.Text(payload.Text)

	case agentapi.EventToolUse:
		var payload agentapi.ToolUsePayload
		if err := ev.Decode(&payload); err != nil {
			return p.malformed(ev.Type, err)
		}
		out := p.Flush()
		p.tools[payload.ID] = len(p.blocks)
		p.blocks = append(p.blocks, Block{
			Type:   BlockTool,
			ToolID: payload.ID,
			Name:   payload.Name,
			Input:  payload.Input,
			Status: ToolRunning,
		})
		return append(out, Event{
			Type:   TypeToolStart,
			Index:  len(p.blocks) - 1,
			ToolID: payload.ID,
			Name:   payload.Name,
			Input:  payload.Input,
			Status: ToolRunning,
		})

	case agentapi.EventToolResult:
		var payload agentapi.ToolResultPayload
		if err := ev.Decode(&payload); err != nil {
			return p.malformed(ev.Type, err)
		}
		idx, ok := p.tools[payload.ID]
		if !ok {
			return nil
		}
		delete(p.tools, payload.ID)
		b := &p.blocks[idx]
		b.Output = payload.Output
		b.Status = ToolCompleted
		if payload.IsError {
			b.Status = ToolError
		}
		return []Event{{
			Type:   TypeToolStop,
			Index:  idx,
			ToolID: b.ToolID,
			Name:   b.Name,
			Output: b.Output,
			Status: b.Status,
		}}

	case agentapi.EventClarification:
		var payload agentapi.ClarificationPayload
		if err := ev.Decode(&payload); err != nil {
			return p.malformed(ev.Type, err)
		}
		out := p.Flush()
		p.clarify = &payload
		return append(out, Event{
			Type:     TypeClarification,
			Question: payload.Question,
			Options:  payload.Options,
		})

	case agentapi.EventTickets:
		var payload agentapi.TicketsPayload
		if err := ev.Decode(&payload); err != nil {
			return p.malformed(ev.Type, err)
		}
		out := p.Flush()
		p.tickets = make([]agentapi.Ticket, len(payload.Tickets))
		for i, t := range payload.Tickets {
			if t.Status == "" {
				t.Status = agentapi.TicketTodo
			}
			p.tickets[i] = t
		}
		p.path = payload.Path
		out = append(out, Event{
			Type:        TypeTickets,
			Tickets:     p.Tickets(),
			TicketsPath: p.path,
		})
		out = append(out, p.Text(FormatTicketSummary(p.tickets))...)
		return append(out, p.Flush()...)

	case agentapi.EventUsage:
		var payload agentapi.UsagePayload
		if err := ev.Decode(&payload); err != nil {
			return p.malformed(ev.Type, err)
		}
		p.usage.InputTokens += payload.InputTokens
		p.usage.OutputTokens += payload.OutputTokens
		if payload.ContextWindow > 0 {
			p.usage.ContextWindow = payload.ContextWindow
		}
		p.cost += payload.CostUSD
		return nil

	case agentapi.EventTicketStart, agentapi.EventTicketDone, agentapi.EventTicketError:
		var payload agentapi.TicketProgressPayload
		if err := ev.Decode(&payload); err != nil {
			return p.malformed(ev.Type, err)
		}
		return p.progress(ev.Type, payload)

	case agentapi.EventBuildComplete:
		var payload agentapi.BuildCompletePayload
		if err := ev.Decode(&payload); err != nil {
			return p.malformed(ev.Type, err)
		}
		p.completed, p.failed = payload.Succeeded, payload.Failed
		p.cost += payload.CostUSD
		out := p.Flush()
		out = append(out, p.Text(FormatBuildSummary(payload.Succeeded, payload.Failed, p.cost))...)
		return append(out, p.Flush()...)

	case agentapi.EventError:
		var payload agentapi.ErrorPayload
		if err := ev.Decode(&payload); err != nil || payload.Message == "" {
			payload.Message = "agent reported an error"
		}
		return p.fail(payload.Message)
	}

	// Unknown event types are ignored so newer agents stay compatible.
	return nil
}

// SetTickets seeds the ticket set for a build whose tickets were generated
// in an earlier run.
func (p *Processor) SetTickets(tickets []agentapi.Ticket, path string) {
	p.tickets = make([]agentapi.Ticket, len(tickets))
	copy(p.tickets, tickets)
	p.path = path
}

// Text feeds text through the accumulator, opening a block if none is open.
func (p *Processor) Text(s string) []Event {
	if s == "" {
		return nil
	}
	var out []Event
	if p.open == nil {
		p.open = &strings.Builder{}
		out = append(out, Event{Type: TypeBlockStart, Index: len(p.blocks)})
	}
	p.open.WriteString(s)
	return append(out, Event{Type: TypeBlockDelta, Index: len(p.blocks), Text: s})
}

// Flush closes the open text block, if any.
func (p *Processor) Flush() []Event {
	if p.open == nil {
		return nil
	}
	idx := len(p.blocks)
	p.blocks = append(p.blocks, Block{Type: BlockText, Text: p.open.String()})
	p.open = nil
	return []Event{{Type: TypeBlockStop, Index: idx}}
}

// FailWith records an error raised outside the stream (for example a failed
// request) and returns the terminal error event.
func (p *Processor) FailWith(msg string) []Event {
	return p.fail(msg)
}

func (p *Processor) fail(msg string) []Event {
	out := p.Flush()
	p.errMsg = msg
	return append(out, Event{Type: TypeError, Message: msg})
}

func (p *Processor) malformed(eventType string, err error) []Event {
	return p.fail(fmt.Sprintf("malformed %s event: %v", eventType, err))
}

func (p *Processor) progress(eventType string, payload agentapi.TicketProgressPayload) []Event {
	var status agentapi.TicketStatus
	switch eventType {
	case agentapi.EventTicketStart:
		status = agentapi.TicketInProgress
	case agentapi.EventTicketDone:
		status = agentapi.TicketDone
		p.completed++
	default:
		status = agentapi.TicketError
		p.failed++
	}
	for i := range p.tickets {
		if p.tickets[i].ID == payload.TicketID {
			p.tickets[i].Status = status
			p.tickets[i].Error = payload.Error
		}
	}
	return []Event{{
		Type:      TypeBuildProgress,
		TicketID:  payload.TicketID,
		Status:    string(status),
		Message:   payload.Error,
		Completed: p.completed,
		Failed:    p.failed,
		Total:     len(p.tickets),
	}}
}

// Blocks returns the block list including a still-open text block.
func (p *Processor) Blocks() []Block {
	out := make([]Block, len(p.blocks), len(p.blocks)+1)
	copy(out, p.blocks)
	if p.open != nil {
		out = append(out, Block{Type: BlockText, Text: p.open.String()})
	}
	return out
}

// BlocksJSON is Blocks encoded for persistence.
func (p *Processor) BlocksJSON() json.RawMessage {
	data, err := json.Marshal(p.Blocks())
	if err != nil {
		return nil
	}
	return data
}

// TextContent joins every text block in order, including the open one.
func (p *Processor) TextContent() string {
	var parts []string
	for _, b := range p.Blocks() {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (p *Processor) Usage() Usage  { return p.usage }
func (p *Processor) Cost() float64 { return p.cost }

// Tickets returns a copy of the generated ticket set with current statuses.
func (p *Processor) Tickets() []agentapi.Ticket {
	if p.tickets == nil {
		return nil
	}
	out := make([]agentapi.Ticket, len(p.tickets))
	copy(out, p.tickets)
	return out
}

func (p *Processor) TicketsPath() string { return p.path }

// Clarification returns the pending clarification request, or nil.
func (p *Processor) Clarification() *agentapi.ClarificationPayload { return p.clarify }

// Err returns the last error message, empty if none.
func (p *Processor) Err() string { return p.errMsg }

// Progress returns the completed and failed ticket counts seen so far.
func (p *Processor) Progress() (completed, failed int) { return p.completed, p.failed }
