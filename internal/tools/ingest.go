package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/herdwork/corral/internal/knowledge"
)

// IngestTool handles the ingest MCP tool: chunk, embed and index
// source material into the shared knowledge store.
type IngestTool struct {
	authn    *Authenticator
	pipeline *knowledge.Pipeline
}

// NewIngestTool creates an IngestTool.
func NewIngestTool(authn *Authenticator, pipeline *knowledge.Pipeline) *IngestTool {
	return &IngestTool{authn: authn, pipeline: pipeline}
}

// Definition returns the MCP tool definition for registration.
func (t *IngestTool) Definition() mcp.Tool {
	return mcp.NewTool("ingest",
		mcp.WithDescription(
			"Index text into the shared knowledge store. The text is split into "+
				"token-bounded chunks and embedded through the provider chain; on provider "+
				"failure the whole call fails cleanly and can be retried.",
		),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Bearer token (agent or admin)"),
		),
		mcp.WithString("source_type",
			mcp.Required(),
			mcp.Description("Kind of source: file, note, context, ..."),
		),
		mcp.WithString("source_ref",
			mcp.Required(),
			mcp.Description("Where the text came from: a path, task id, url"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The material to index"),
		),
		mcp.WithObject("metadata",
			mcp.Description("Optional string key/value metadata stored with each chunk"),
		),
	)
}

// Handle processes the ingest tool call.
func (t *IngestTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, errRes := t.authn.Resolve(req); errRes != nil {
		return errRes, nil
	}

	res, err := t.pipeline.Ingest(ctx,
		req.GetString("source_type", ""),
		req.GetString("source_ref", ""),
		req.GetString("text", ""),
		stringMapArg(req, "metadata"),
	)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Indexed %d chunk(s) with %s (dimension %d).",
		res.Chunks, res.Model, res.Dimension)), nil
}
