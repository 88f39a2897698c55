package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/herdwork/corral/internal/task"
)

// GetTaskTool handles the get_task MCP tool: the full task record as
// JSON, including hierarchy, dependencies and the notes log.
type GetTaskTool struct {
	authn *Authenticator
	tasks *task.Store
}

// NewGetTaskTool creates a GetTaskTool.
func NewGetTaskTool(authn *Authenticator, tasks *task.Store) *GetTaskTool {
	return &GetTaskTool{authn: authn, tasks: tasks}
}

// Definition returns the MCP tool definition for registration.
func (t *GetTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("get_task",
		mcp.WithDescription("Fetch one task with its children, dependencies and full notes history."),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Bearer token (agent or admin)"),
		),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task to fetch"),
		),
	)
}

// Handle processes the get_task tool call.
func (t *GetTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, errRes := t.authn.Resolve(req); errRes != nil {
		return errRes, nil
	}

	taskID := req.GetString("task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("'task_id' is required"), nil
	}

	found, err := t.tasks.Get(taskID)
	if err != nil {
		return errorResult(err), nil
	}
	data, err := json.MarshalIndent(found, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ListTasksTool handles the list_tasks MCP tool: a filtered backlog
// listing with effective (lazily unblocked) statuses.
type ListTasksTool struct {
	authn *Authenticator
	tasks *task.Store
}

// NewListTasksTool creates a ListTasksTool.
func NewListTasksTool(authn *Authenticator, tasks *task.Store) *ListTasksTool {
	return &ListTasksTool{authn: authn, tasks: tasks}
}

// Definition returns the MCP tool definition for registration.
func (t *ListTasksTool) Definition() mcp.Tool {
	return mcp.NewTool("list_tasks",
		mcp.WithDescription("List backlog tasks, optionally filtered by status, assignee or parent."),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Bearer token (agent or admin)"),
		),
		mcp.WithString("status",
			mcp.Description("Filter by effective status"),
			mcp.Enum("pending", "in_progress", "completed", "cancelled", "blocked"),
		),
		mcp.WithString("assigned_to",
			mcp.Description("Filter by assignee agent id"),
		),
		mcp.WithString("parent_task_id",
			mcp.Description("Filter by parent task"),
		),
	)
}

// Handle processes the list_tasks tool call.
func (t *ListTasksTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, errRes := t.authn.Resolve(req); errRes != nil {
		return errRes, nil
	}

	tasks, err := t.tasks.List(task.Filter{
		Status:     task.Status(req.GetString("status", "")),
		AssignedTo: req.GetString("assigned_to", ""),
		Parent:     req.GetString("parent_task_id", ""),
	})
	if err != nil {
		return errorResult(err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks match."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d task(s):\n", len(tasks))
	for _, tk := range tasks {
		fmt.Fprintf(&sb, "- %s", tk.String())
		if tk.AssignedTo != "" {
			fmt.Fprintf(&sb, " → %s", tk.AssignedTo)
		}
		if len(tk.DependsOn) > 0 {
			fmt.Fprintf(&sb, " (after %s)", strings.Join(tk.DependsOn, ", "))
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}
