package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/herdwork/corral/internal/lock"
)

// LockReleaseTool handles the lock_release MCP tool, invoked by the
// editor-integration hook after a file mutation completes.
type LockReleaseTool struct {
	locks *lock.Manager
}

// NewLockReleaseTool creates a LockReleaseTool.
func NewLockReleaseTool(locks *lock.Manager) *LockReleaseTool {
	return &LockReleaseTool{locks: locks}
}

// Definition returns the MCP tool definition for registration.
func (t *LockReleaseTool) Definition() mcp.Tool {
	return mcp.NewTool("lock_release",
		mcp.WithDescription(
			"Release the lease on a file path after editing. Only the holding "+
				"agent/session may release; the release is recorded in the activity log.",
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Locked file path"),
		),
		mcp.WithString("agent_id",
			mcp.Required(),
			mcp.Description("Holding agent"),
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Holding session handle"),
		),
	)
}

// Handle processes the lock_release tool call.
func (t *LockReleaseTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	agentID := req.GetString("agent_id", "")
	sessionID := req.GetString("session_id", "")

	if err := t.locks.Release(path, agentID, sessionID); err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Lock released: %s", lock.NormalizePath(path))), nil
}

// LockStatusTool handles the lock_status MCP tool: the current lock
// inventory, for monitoring and coordination.
type LockStatusTool struct {
	locks *lock.Manager
}

// NewLockStatusTool creates a LockStatusTool.
func NewLockStatusTool(locks *lock.Manager) *LockStatusTool {
	return &LockStatusTool{locks: locks}
}

// Definition returns the MCP tool definition for registration.
func (t *LockStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("lock_status",
		mcp.WithDescription("Show the current lock inventory, or the holder of one path."),
		mcp.WithString("path",
			mcp.Description("Inspect a single path instead of the full inventory"),
		),
	)
}

// Handle processes the lock_status tool call.
func (t *LockStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if path := req.GetString("path", ""); path != "" {
		holder, err := t.locks.Holder(path)
		if err != nil {
			return errorResult(err), nil
		}
		if holder == nil {
			return mcp.NewToolResultText(fmt.Sprintf("%s is free.", lock.NormalizePath(path))), nil
		}
		return mcp.NewToolResultText(formatLock(*holder)), nil
	}

	inventory, err := t.locks.Inventory()
	if err != nil {
		return errorResult(err), nil
	}
	if len(inventory) == 0 {
		return mcp.NewToolResultText("No locks held."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d lock(s) held:\n", len(inventory))
	for _, l := range inventory {
		sb.WriteString(formatLock(l))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func formatLock(l lock.FileLock) string {
	return fmt.Sprintf("- %s held by %s (%s, session %s) until %s\n",
		l.Path, l.AgentID, l.Operation, l.SessionID, l.ExpiresAt.Format(time.RFC3339))
}
