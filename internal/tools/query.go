package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/herdwork/corral/internal/knowledge"
)

// QueryTool handles the query MCP tool: nearest-neighbor retrieval
// from the shared knowledge store.
type QueryTool struct {
	authn    *Authenticator
	pipeline *knowledge.Pipeline
}

// NewQueryTool creates a QueryTool.
func NewQueryTool(authn *Authenticator, pipeline *knowledge.Pipeline) *QueryTool {
	return &QueryTool{authn: authn, pipeline: pipeline}
}

// Definition returns the MCP tool definition for registration.
func (t *QueryTool) Definition() mcp.Tool {
	return mcp.NewTool("query",
		mcp.WithDescription(
			"Retrieve the k nearest chunks to a query from the shared knowledge store, "+
				"ordered by ascending distance. Optionally drop results below a cosine "+
				"similarity threshold.",
		),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Bearer token (agent or admin)"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Query text"),
		),
		mcp.WithNumber("k",
			mcp.Required(),
			mcp.Description("Number of nearest chunks to return"),
		),
		mcp.WithNumber("similarity_threshold",
			mcp.Description("Minimum cosine similarity in [0,1]; results below it are dropped"),
		),
	)
}

// Handle processes the query tool call.
func (t *QueryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, errRes := t.authn.Resolve(req); errRes != nil {
		return errRes, nil
	}

	results, err := t.pipeline.Query(ctx,
		req.GetString("text", ""),
		intArg(req, "k", 0),
		float32(floatArg(req, "similarity_threshold", 0)),
	)
	if err != nil {
		return errorResult(err), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("No matching chunks."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d result(s), nearest first:\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. [%s %s] distance=%.4f\n%s\n",
			i+1, r.SourceType, r.SourceRef, r.Distance, strings.TrimSpace(r.Text))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ReindexTool handles the reindex MCP tool. Admin only: rebuilds the
// vector index with the active provider after a model change.
type ReindexTool struct {
	authn    *Authenticator
	pipeline *knowledge.Pipeline
}

// NewReindexTool creates a ReindexTool.
func NewReindexTool(authn *Authenticator, pipeline *knowledge.Pipeline) *ReindexTool {
	return &ReindexTool{authn: authn, pipeline: pipeline}
}

// Definition returns the MCP tool definition for registration.
func (t *ReindexTool) Definition() mcp.Tool {
	return mcp.NewTool("reindex",
		mcp.WithDescription(
			"Rebuild the vector index from stored chunk texts with the currently active "+
				"embedding provider (admin only). Required after switching provider or model "+
				"to a different dimension.",
		),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Admin bearer token"),
		),
	)
}

// Handle processes the reindex tool call.
func (t *ReindexTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, errRes := t.authn.RequireAdmin(req); errRes != nil {
		return errRes, nil
	}

	n, err := t.pipeline.Reindex(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reindexed %d chunk(s) at dimension %d.",
		n, t.pipeline.ActiveDimension())), nil
}
