package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/herdwork/corral/internal/agent"
)

// TerminateAgentTool handles the terminate_agent MCP tool. Admin
// only: the agent is deauthorized, its locks reclaimed and its task
// assignments released. Terminating an unknown or already-terminated
// agent is reported as a no-op, not a failure.
type TerminateAgentTool struct {
	authn    *Authenticator
	registry *agent.Store
}

// NewTerminateAgentTool creates a TerminateAgentTool.
func NewTerminateAgentTool(authn *Authenticator, registry *agent.Store) *TerminateAgentTool {
	return &TerminateAgentTool{authn: authn, registry: registry}
}

// Definition returns the MCP tool definition for registration.
func (t *TerminateAgentTool) Definition() mcp.Tool {
	return mcp.NewTool("terminate_agent",
		mcp.WithDescription(
			"Terminate an agent (admin only). Its token stops working, every file "+
				"lock it holds is released, and its open task assignments are cleared. "+
				"The agent record is kept for audit.",
		),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Admin bearer token"),
		),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Agent to terminate"),
		),
	)
}

// Handle processes the terminate_agent tool call.
func (t *TerminateAgentTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, errRes := t.authn.RequireAdmin(req)
	if errRes != nil {
		return errRes, nil
	}

	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("'agent_id' is required"), nil
	}

	if err := t.registry.Terminate(identity, agentID); err != nil {
		if errors.Is(err, agent.ErrNoOp) {
			return mcp.NewToolResultText(fmt.Sprintf("No-op: %v", err)), nil
		}
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Agent %q terminated; its locks were released.", agentID)), nil
}
