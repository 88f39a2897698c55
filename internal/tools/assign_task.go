package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/herdwork/corral/internal/agent"
	"github.com/herdwork/corral/internal/task"
)

// AssignTaskTool handles the assign_task MCP tool. Admin only: binds
// existing tasks to an agent and points the agent at the first one.
type AssignTaskTool struct {
	authn    *Authenticator
	tasks    *task.Store
	registry *agent.Store
}

// NewAssignTaskTool creates an AssignTaskTool.
func NewAssignTaskTool(authn *Authenticator, tasks *task.Store, registry *agent.Store) *AssignTaskTool {
	return &AssignTaskTool{authn: authn, tasks: tasks, registry: registry}
}

// Definition returns the MCP tool definition for registration.
func (t *AssignTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("assign_task",
		mcp.WithDescription("Assign existing tasks to an agent (admin only). The agent must be active."),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Admin bearer token"),
		),
		mcp.WithArray("task_ids",
			mcp.Required(),
			mcp.Description("Tasks to assign"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Receiving agent"),
		),
	)
}

// Handle processes the assign_task tool call.
func (t *AssignTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, errRes := t.authn.RequireAdmin(req)
	if errRes != nil {
		return errRes, nil
	}

	taskIDs := stringSliceArg(req, "task_ids")
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("'agent_id' is required"), nil
	}

	if err := t.tasks.AssignExisting(identity, taskIDs, agentID); err != nil {
		return errorResult(err), nil
	}
	if len(taskIDs) > 0 {
		if err := t.registry.SetCurrentTask(agentID, taskIDs[0]); err != nil {
			return errorResult(err), nil
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("Assigned %d task(s) to %q: %s",
		len(taskIDs), agentID, strings.Join(taskIDs, ", "))), nil
}
