package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/herdwork/corral/internal/agent"
)

// CreateAgentTool handles the create_agent MCP tool. Admin only: it
// registers a new agent, spawns its session, binds its initial tasks,
// and returns the identity with its freshly minted token.
type CreateAgentTool struct {
	authn    *Authenticator
	registry *agent.Store
}

// NewCreateAgentTool creates a CreateAgentTool.
func NewCreateAgentTool(authn *Authenticator, registry *agent.Store) *CreateAgentTool {
	return &CreateAgentTool{authn: authn, registry: registry}
}

// Definition returns the MCP tool definition for registration.
func (t *CreateAgentTool) Definition() mcp.Tool {
	return mcp.NewTool("create_agent",
		mcp.WithDescription(
			"Register a new worker agent (admin only). The agent must be created "+
				"with at least one task to work on; agents without a purpose are rejected. "+
				"Returns the agent identity and its bearer token; the token is shown only once.",
		),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Admin bearer token"),
		),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Human-chosen unique agent id, e.g. 'backend-1'"),
		),
		mcp.WithArray("capabilities",
			mcp.Description("Capability tags, e.g. ['python', 'frontend']"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithArray("task_ids",
			mcp.Required(),
			mcp.Description("Tasks this agent is created to work on (at least one)"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
}

// Handle processes the create_agent tool call.
func (t *CreateAgentTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, errRes := t.authn.RequireAdmin(req)
	if errRes != nil {
		return errRes, nil
	}

	agentID := req.GetString("agent_id", "")
	capabilities := stringSliceArg(req, "capabilities")
	taskIDs := stringSliceArg(req, "task_ids")

	a, err := t.registry.Create(identity, agentID, capabilities, taskIDs)
	if err != nil {
		return errorResult(err), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Agent %q created.\n", a.ID)
	fmt.Fprintf(&sb, "Token: %s\n", a.Token)
	fmt.Fprintf(&sb, "Working directory: %s\n", a.WorkingDirectory)
	fmt.Fprintf(&sb, "Color: %s\n", a.Color)
	fmt.Fprintf(&sb, "Assigned tasks: %s\n", strings.Join(taskIDs, ", "))
	sb.WriteString("Store the token now; it is not shown again.")
	return mcp.NewToolResultText(sb.String()), nil
}
