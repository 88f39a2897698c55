// Package server wires all corral components and creates the MCP
// server instance.
//
// This is the composition root: it opens the shared store, builds the
// lock manager, task store, agent registry, auth service and knowledge
// pipeline, injects them into the tool handlers, and starts the
// background sweepers. No business logic lives here, only wiring.
package server

import (
	"fmt"
	"log/slog"
	"os"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/herdwork/corral/internal/agent"
	"github.com/herdwork/corral/internal/auth"
	"github.com/herdwork/corral/internal/config"
	"github.com/herdwork/corral/internal/knowledge"
	"github.com/herdwork/corral/internal/lock"
	"github.com/herdwork/corral/internal/storage"
	"github.com/herdwork/corral/internal/task"
	"github.com/herdwork/corral/internal/tools"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates and configures the MCP server with every tool
// registered, and starts the lock sweeper and idle-agent reaper.
//
// The returned cleanup function stops the background loops and closes
// the database; it is always non-nil and safe to call once.
func New(cfg config.Config) (*mcpserver.MCPServer, func(), error) {
	// Logs go to stderr; stdout belongs to the MCP stdio transport.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, noop, fmt.Errorf("opening store: %w", err)
	}

	locks := lock.NewManager(db, cfg.LocksDir(), cfg.LockLease, logger)
	taskStore := task.NewStore(db)
	sessions := agent.NewDirSessionManager(cfg.WorkspacesDir())
	registry := agent.NewStore(db, agent.Options{
		Locks:     locks,
		Tasks:     taskStore,
		Sessions:  sessions,
		MaxActive: cfg.MaxActiveAgents,
		Logger:    logger,
	})
	// Registry and task store validate against each other; close the
	// loop now that both exist.
	taskStore.SetAgents(registry)

	authSvc := auth.NewService(cfg.AdminToken, registry)

	chain, err := knowledge.NewChainFromConfig(cfg.Knowledge.Providers, logger)
	if err != nil {
		db.Close()
		return nil, noop, fmt.Errorf("building embedding chain: %w", err)
	}
	chunker, err := knowledge.NewChunker(cfg.Knowledge.ChunkTokens, cfg.Knowledge.OverlapTokens)
	if err != nil {
		db.Close()
		return nil, noop, fmt.Errorf("building chunker: %w", err)
	}
	pipeline, err := knowledge.New(db, chain, chunker, cfg.VectorsDir(), cfg.Knowledge.BatchSize, logger)
	if err != nil {
		db.Close()
		return nil, noop, fmt.Errorf("opening knowledge pipeline: %w", err)
	}

	s := mcpserver.NewMCPServer(
		"corral",
		Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(serverInstructions()),
	)

	authn := &tools.Authenticator{Auth: authSvc, Agents: registry}

	// --- Agent lifecycle tools ---

	createAgent := tools.NewCreateAgentTool(authn, registry)
	s.AddTool(createAgent.Definition(), createAgent.Handle)

	terminateAgent := tools.NewTerminateAgentTool(authn, registry)
	s.AddTool(terminateAgent.Definition(), terminateAgent.Handle)

	listAgents := tools.NewListAgentsTool(authn, registry)
	s.AddTool(listAgents.Definition(), listAgents.Handle)

	agentStatus := tools.NewAgentStatusTool(authn, registry)
	s.AddTool(agentStatus.Definition(), agentStatus.Handle)

	// --- Task graph tools ---

	createTask := tools.NewCreateTaskTool(authn, taskStore)
	s.AddTool(createTask.Definition(), createTask.Handle)

	assignTask := tools.NewAssignTaskTool(authn, taskStore, registry)
	s.AddTool(assignTask.Definition(), assignTask.Handle)

	updateStatus := tools.NewUpdateTaskStatusTool(authn, taskStore)
	s.AddTool(updateStatus.Definition(), updateStatus.Handle)

	getTask := tools.NewGetTaskTool(authn, taskStore)
	s.AddTool(getTask.Definition(), getTask.Handle)

	listTasks := tools.NewListTasksTool(authn, taskStore)
	s.AddTool(listTasks.Definition(), listTasks.Handle)

	// --- Lock tools ---
	//
	// Lock calls carry agent/session identity directly: they are
	// issued by the editor-integration hook around file mutations,
	// which holds the ids but not the bearer token.

	lockAcquire := tools.NewLockAcquireTool(locks)
	s.AddTool(lockAcquire.Definition(), lockAcquire.Handle)

	lockRelease := tools.NewLockReleaseTool(locks)
	s.AddTool(lockRelease.Definition(), lockRelease.Handle)

	lockStatus := tools.NewLockStatusTool(locks)
	s.AddTool(lockStatus.Definition(), lockStatus.Handle)

	// --- Knowledge tools ---

	ingest := tools.NewIngestTool(authn, pipeline)
	s.AddTool(ingest.Definition(), ingest.Handle)

	query := tools.NewQueryTool(authn, pipeline)
	s.AddTool(query.Definition(), query.Handle)

	reindex := tools.NewReindexTool(authn, pipeline)
	s.AddTool(reindex.Definition(), reindex.Handle)

	stopBackground := startBackground(cfg, locks, registry, logger)

	cleanup := func() {
		stopBackground()
		if err := db.Close(); err != nil {
			logger.Warn("closing store", "error", err)
		}
	}
	return s, cleanup, nil
}

func noop() {}

func serverInstructions() string {
	return `corral coordinates multiple autonomous coding agents over a shared
file tree, task backlog and knowledge store.

Conventions:
- Every tool call (except the lock tools) carries your bearer token.
- Before editing any file, call lock_acquire; release it when done.
  A conflict names the holding agent; back off and retry.
- Place new tasks under an existing parent; record progress notes on
  every status change so the next agent inherits your context.
- Use ingest/query to share and retrieve project knowledge.`
}
