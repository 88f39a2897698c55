// Package tools implements the MCP tool handlers that form corral's
// call surface.
//
// Each file holds one tool (or one small family): a struct carrying
// its store dependencies, a Definition() returning the mcp.Tool
// schema, and a Handle() that validates the typed arguments, resolves
// the caller's identity, and dispatches to the core. Domain rejections
// come back as tool errors; only infrastructure failures return a Go
// error.
package tools

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/herdwork/corral/internal/agent"
	"github.com/herdwork/corral/internal/auth"
	"github.com/herdwork/corral/internal/fault"
	"github.com/herdwork/corral/internal/knowledge"
)

// Authenticator resolves bearer tokens for tool handlers and records
// tool activity for the idle reaper.
type Authenticator struct {
	Auth   *auth.Service
	Agents *agent.Store
}

// Resolve maps the request's token argument to an identity. On
// failure it returns a ready-made tool error; on success it refreshes
// the caller's activity timestamp.
func (a *Authenticator) Resolve(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	token := req.GetString("token", "")
	identity, err := a.Auth.Resolve(token)
	if err != nil {
		return "", errorResult(err)
	}
	if !auth.IsAdmin(identity) {
		a.Agents.TouchActivity(token)
	}
	return identity, nil
}

// RequireAdmin resolves the token and rejects non-admin callers.
func (a *Authenticator) RequireAdmin(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	identity, errRes := a.Resolve(req)
	if errRes != nil {
		return "", errRes
	}
	if !auth.IsAdmin(identity) {
		return "", errorResult(fault.Unauthorizedf("this tool requires the admin token"))
	}
	return identity, nil
}

// errorResult maps a core error to a classified tool error so callers
// can tell a retryable conflict from a hard rejection.
func errorResult(err error) *mcp.CallToolResult {
	class := "error"
	switch {
	case errors.Is(err, fault.ErrUnauthorized):
		class = "unauthorized"
	case errors.Is(err, fault.ErrValidation):
		class = "validation"
	case errors.Is(err, fault.ErrConflict):
		class = "conflict"
	case errors.Is(err, fault.ErrUnavailable):
		class = "unavailable"
	case errors.Is(err, knowledge.ErrReindexRequired):
		class = "reindex_required"
	case errors.Is(err, fault.ErrProvider):
		class = "provider"
	}
	return mcp.NewToolResultError(fmt.Sprintf("[%s] %v", class, err))
}

// intArg extracts an integer argument, returning defaultVal if the
// key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// floatArg extracts a float argument with a default.
func floatArg(req mcp.CallToolRequest, key string, defaultVal float64) float64 {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return v
}

// stringSliceArg extracts a string-array argument. Missing or
// malformed values yield nil.
func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// stringMapArg extracts an object argument as a string map. Non-string
// values are skipped.
func stringMapArg(req mcp.CallToolRequest, key string) map[string]string {
	raw, ok := req.GetArguments()[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
