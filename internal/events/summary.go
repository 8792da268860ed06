package events

import (
	"fmt"
	"strings"

	"github.com/forgeline/sandboxd/internal/agentapi"
)

// typePriority orders ticket groups in the summary. Types not listed fall
// into the trailing "other" group.
var typePriority = []string{"schema", "database", "backend", "api", "frontend", "testing", "docs"}

const otherType = "other"

// FormatTicketSummary renders tickets grouped by type in priority order.
// Tickets keep their relative order within a group.
func FormatTicketSummary(tickets []agentapi.Ticket) string {
	if len(tickets) == 0 {
		return ""
	}

	known := make(map[string]bool, len(typePriority))
	for _, t := range typePriority {
		known[t] = true
	}

	groups := make(map[string][]agentapi.Ticket)
	effort := 0
	for _, t := range tickets {
		key := strings.ToLower(strings.TrimSpace(t.Type))
		if !known[key] {
			key = otherType
		}
		groups[key] = append(groups[key], t)
		effort += t.EstimatedEffort
	}

	var b strings.Builder
	noun := "tickets"
	if len(tickets) == 1 {
		noun = "ticket"
	}
	fmt.Fprintf(&b, "Planned %d %s (estimated effort %d):\n", len(tickets), noun, effort)
	for _, key := range append(typePriority, otherType) {
		group := groups[key]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n**%s**\n", key)
		for _, t := range group {
			fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Title)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatBuildSummary renders the line appended when a build completes.
func FormatBuildSummary(succeeded, failed int, cost float64) string {
	return fmt.Sprintf("Build complete: %d succeeded, %d failed (cost $%.2f)", succeeded, failed, cost)
}
