package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/herdwork/corral/internal/task"
)

// CreateTaskTool handles the create_task MCP tool. Agents place new
// tasks inside the existing hierarchy; only an admin may open a new
// root once one exists.
type CreateTaskTool struct {
	authn *Authenticator
	tasks *task.Store
}

// NewCreateTaskTool creates a CreateTaskTool.
func NewCreateTaskTool(authn *Authenticator, tasks *task.Store) *CreateTaskTool {
	return &CreateTaskTool{authn: authn, tasks: tasks}
}

// Definition returns the MCP tool definition for registration.
func (t *CreateTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("create_task",
		mcp.WithDescription(
			"Create a task in the shared backlog. Pass parent_task_id to place it in "+
				"the hierarchy; once a root task exists, parentless creation is admin-only "+
				"and the rejection names the most plausible parent. Dependencies must not "+
				"form a cycle.",
		),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Bearer token (agent or admin)"),
		),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Short task title"),
		),
		mcp.WithString("description",
			mcp.Description("What needs doing, in enough detail for another agent to pick up"),
		),
		mcp.WithString("priority",
			mcp.Description("Task priority (default medium)"),
			mcp.Enum("low", "medium", "high"),
		),
		mcp.WithString("parent_task_id",
			mcp.Description("Parent task in the hierarchy"),
		),
		mcp.WithArray("depends_on_tasks",
			mcp.Description("Tasks that must complete before this one can start"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
}

// Handle processes the create_task tool call.
func (t *CreateTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, errRes := t.authn.Resolve(req)
	if errRes != nil {
		return errRes, nil
	}

	created, err := t.tasks.Create(identity, task.CreateParams{
		Title:        req.GetString("title", ""),
		Description:  req.GetString("description", ""),
		Priority:     task.Priority(req.GetString("priority", "")),
		ParentTaskID: req.GetString("parent_task_id", ""),
		DependsOn:    stringSliceArg(req, "depends_on_tasks"),
	})
	if err != nil {
		return errorResult(err), nil
	}

	msg := fmt.Sprintf("Task created: %s", created.String())
	if len(created.DependsOn) > 0 {
		msg += fmt.Sprintf(" (blocked until %d dependenc(ies) complete)", len(created.DependsOn))
	}
	return mcp.NewToolResultText(msg), nil
}
