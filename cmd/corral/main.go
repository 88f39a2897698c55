// Corral: multi-agent coordination MCP server.
//
// Corral lets a fleet of autonomous coding agents share one file
// tree, one task backlog and one vector-indexed knowledge store,
// with lease-based file locking so they never trample each other.
//
// Usage:
//
//	corral serve    # Start MCP server (stdio transport)
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/herdwork/corral/internal/config"
	corralserver "github.com/herdwork/corral/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	case "--version", "-v", "version":
		fmt.Printf("corral v%s\n", corralserver.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func run() error {
	// Best effort: a missing .env is fine, the environment may
	// already carry everything.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	s, cleanup, err := corralserver.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	return mcpserver.ServeStdio(s)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Corral v%s - multi-agent coordination MCP server

Usage:
  corral serve    Start the MCP server (stdio transport)

Configuration:
  CORRAL_ADMIN_TOKEN   admin bearer token (required)
  CORRAL_DATA_DIR      state directory (default ~/.corral)
  CORRAL_CONFIG        path to corral.yaml (default ./corral.yaml)

  Add to your AI tool's MCP config:

  {
    "mcpServers": {
      "corral": {
        "command": "corral",
        "args": ["serve"]
      }
    }
  }
`, corralserver.Version)
}
