package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/herdwork/corral/internal/lock"
)

// LockAcquireTool handles the lock_acquire MCP tool. It is invoked by
// the editor-integration hook immediately before a file mutation; the
// call never waits: it is granted or rejected at once, and a
// rejection names the holding agent so the caller can back off.
type LockAcquireTool struct {
	locks *lock.Manager
}

// NewLockAcquireTool creates a LockAcquireTool.
func NewLockAcquireTool(locks *lock.Manager) *LockAcquireTool {
	return &LockAcquireTool{locks: locks}
}

// Definition returns the MCP tool definition for registration.
func (t *LockAcquireTool) Definition() mcp.Tool {
	return mcp.NewTool("lock_acquire",
		mcp.WithDescription(
			"Take the exclusive lease on a file path before editing it. Non-blocking: "+
				"returns granted or a conflict naming the current holder and remaining lease. "+
				"Re-acquiring a path you already hold extends the lease.",
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("File path to lock, relative to the shared tree"),
		),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Requesting agent"),
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Requesting session handle"),
		),
		mcp.WithString("operation",
			mcp.Description("Why the path is locked (default editing)"),
			mcp.Enum("editing", "reading"),
		),
		mcp.WithNumber("lease_seconds",
			mcp.Description("Lease length in seconds (default 600)"),
		),
	)
}

// Handle processes the lock_acquire tool call.
func (t *LockAcquireTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	agentID := req.GetString("agent_id", "")
	sessionID := req.GetString("session_id", "")
	op := lock.Operation(req.GetString("operation", string(lock.OpEditing)))
	lease := time.Duration(intArg(req, "lease_seconds", 0)) * time.Second

	granted, err := t.locks.Acquire(path, agentID, sessionID, op, lease)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Lock granted: %s held by %s until %s (%ds lease)",
		granted.Path, granted.AgentID, granted.ExpiresAt.Format(time.RFC3339), granted.LeaseSeconds)), nil
}
