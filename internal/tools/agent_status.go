package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/herdwork/corral/internal/agent"
)

// ListAgentsTool handles the list_agents MCP tool: a read-only
// projection of every non-terminated agent for monitoring.
type ListAgentsTool struct {
	authn    *Authenticator
	registry *agent.Store
}

// NewListAgentsTool creates a ListAgentsTool.
func NewListAgentsTool(authn *Authenticator, registry *agent.Store) *ListAgentsTool {
	return &ListAgentsTool{authn: authn, registry: registry}
}

// Definition returns the MCP tool definition for registration.
func (t *ListAgentsTool) Definition() mcp.Tool {
	return mcp.NewTool("list_agents",
		mcp.WithDescription("List all active agents with their status, current task and working directory."),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Bearer token (agent or admin)"),
		),
	)
}

// Handle processes the list_agents tool call.
func (t *ListAgentsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, errRes := t.authn.Resolve(req); errRes != nil {
		return errRes, nil
	}

	agents, err := t.registry.ListActive()
	if err != nil {
		return errorResult(err), nil
	}
	if len(agents) == 0 {
		return mcp.NewToolResultText("No active agents."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d active agent(s):\n", len(agents))
	for _, a := range agents {
		sb.WriteString(formatAgent(&a))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// AgentStatusTool handles the agent_status MCP tool: the full record
// of a single agent, including terminated ones (audit view).
type AgentStatusTool struct {
	authn    *Authenticator
	registry *agent.Store
}

// NewAgentStatusTool creates an AgentStatusTool.
func NewAgentStatusTool(authn *Authenticator, registry *agent.Store) *AgentStatusTool {
	return &AgentStatusTool{authn: authn, registry: registry}
}

// Definition returns the MCP tool definition for registration.
func (t *AgentStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("agent_status",
		mcp.WithDescription("Show one agent's status, including terminated agents (audit view)."),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Bearer token (agent or admin)"),
		),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Agent to inspect"),
		),
	)
}

// Handle processes the agent_status tool call.
func (t *AgentStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, errRes := t.authn.Resolve(req); errRes != nil {
		return errRes, nil
	}

	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("'agent_id' is required"), nil
	}

	a, err := t.registry.Get(agentID)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(formatAgent(a)), nil
}

func formatAgent(a *agent.Agent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- %s [%s]", a.ID, a.Status)
	if a.CurrentTask != "" {
		fmt.Fprintf(&sb, " task=%s", a.CurrentTask)
	}
	if len(a.Capabilities) > 0 {
		fmt.Fprintf(&sb, " caps=%s", strings.Join(a.Capabilities, ","))
	}
	fmt.Fprintf(&sb, " dir=%s color=%s", a.WorkingDirectory, a.Color)
	if a.TerminatedAt != nil {
		fmt.Fprintf(&sb, " terminated_at=%s", a.TerminatedAt.Format("2006-01-02 15:04:05"))
	}
	sb.WriteString("\n")
	return sb.String()
}
