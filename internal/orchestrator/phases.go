package orchestrator

import (
	"context"

	"github.com/forgeline/sandboxd/internal/agentapi"
)

// AgentPhases runs both phases against the sandbox agent.
type AgentPhases struct {
	client *agentapi.Client
}

func NewAgentPhases(client *agentapi.Client) *AgentPhases {
	return &AgentPhases{client: client}
}

func (a *AgentPhases) Plan(ctx context.Context, sessionID string, mode PlanMode, req agentapi.PlanRequest) (<-chan agentapi.StreamEvent, error) {
	if mode == ModeRequirements {
		return a.client.StreamRequirements(ctx, sessionID, req)
	}
	return a.client.StreamPlan(ctx, sessionID, req)
}

func (a *AgentPhases) Build(ctx context.Context, sessionID string, req agentapi.BuildRequest) (<-chan agentapi.StreamEvent, error) {
	return a.client.StreamBuild(ctx, sessionID, req)
}

var (
	_ Planner = (*AgentPhases)(nil)
	_ Builder = (*AgentPhases)(nil)
)
