package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/herdwork/corral/internal/task"
)

// UpdateTaskStatusTool handles the update_task_status MCP tool.
// Allowed for admin and for the task's creator or assignee; the
// optional note is appended to the task's immutable progress log so
// a fresh agent can reconstruct context from history.
type UpdateTaskStatusTool struct {
	authn *Authenticator
	tasks *task.Store
}

// NewUpdateTaskStatusTool creates an UpdateTaskStatusTool.
func NewUpdateTaskStatusTool(authn *Authenticator, tasks *task.Store) *UpdateTaskStatusTool {
	return &UpdateTaskStatusTool{authn: authn, tasks: tasks}
}

// Definition returns the MCP tool definition for registration.
func (t *UpdateTaskStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("update_task_status",
		mcp.WithDescription(
			"Move a task through its lifecycle: pending → in_progress → completed/cancelled. "+
				"A task with incomplete dependencies is blocked and cannot start; the block "+
				"clears automatically once every dependency completes. Include a note listing "+
				"files touched and APIs changed so the next agent has deterministic context.",
		),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Bearer token (agent or admin)"),
		),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task to update"),
		),
		mcp.WithString("status",
			mcp.Required(),
			mcp.Description("New status"),
			mcp.Enum("pending", "in_progress", "completed", "cancelled", "blocked"),
		),
		mcp.WithString("note",
			mcp.Description("Progress note appended to the task history (files touched, routes changed, ...)"),
		),
	)
}

// Handle processes the update_task_status tool call.
func (t *UpdateTaskStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, errRes := t.authn.Resolve(req)
	if errRes != nil {
		return errRes, nil
	}

	taskID := req.GetString("task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("'task_id' is required"), nil
	}
	status := task.Status(req.GetString("status", ""))
	note := req.GetString("note", "")

	updated, err := t.tasks.UpdateStatus(identity, taskID, status, note)
	if err != nil {
		return errorResult(err), nil
	}

	msg := fmt.Sprintf("Task updated: %s (version %d)", updated.String(), updated.Version)
	if note != "" {
		msg += fmt.Sprintf("\nNote recorded by %s.", identity)
	}
	return mcp.NewToolResultText(msg), nil
}
