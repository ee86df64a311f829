// Atlas: schema-driven knowledge base MCP server.
//
// A multi-tenant knowledge base exposing generic entity access, typed
// relationships, hybrid search, and workflows to any MCP-capable AI tool.
//
// Usage:
//
//	atlas serve    # Start MCP server (stdio transport)
//	atlas update   # Update to the latest version
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/HendryAvila/atlas/internal/config"
	kbserver "github.com/HendryAvila/atlas/internal/server"
	"github.com/HendryAvila/atlas/internal/updater"
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
	case "update":
		runUpdate()
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	case "--version", "-v", "version":
		fmt.Printf("atlas v%s\n", kbserver.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Logs go to stderr so they don't interfere with MCP's stdio
	// transport on stdout.
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	s, cleanup, err := kbserver.New(cfg, log)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	// Background version check — prints to stderr so it doesn't
	// interfere with MCP's stdio transport on stdout.
	go checkForUpdates(log)

	log.Info().Str("version", kbserver.Version).Msg("atlas serving on stdio")
	return server.ServeStdio(s)
}

// checkForUpdates runs a non-blocking version check and logs a notice if an
// update is available. Best-effort: network failures are silently ignored.
func checkForUpdates(log zerolog.Logger) {
	result := updater.CheckVersion(kbserver.Version)
	if result.UpdateAvailable {
		log.Info().
			Str("current", result.CurrentVersion).
			Str("latest", result.LatestVersion).
			Str("release", result.ReleaseURL).
			Msg("update available, run: atlas update")
	}
}

// runUpdate performs a self-update to the latest version.
func runUpdate() {
	fmt.Fprintf(os.Stderr, "Checking for updates...\n")

	result := updater.CheckVersion(kbserver.Version)
	if !result.UpdateAvailable {
		fmt.Fprintf(os.Stderr, "Already at the latest version (v%s)\n", result.CurrentVersion)
		return
	}

	fmt.Fprintf(os.Stderr, "New version available: v%s -> v%s\nDownloading...\n",
		result.CurrentVersion, result.LatestVersion)

	if err := updater.SelfUpdate(kbserver.Version); err != nil {
		fmt.Fprintf(os.Stderr, "Update failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "\n  You can download manually from:\n  %s\n", result.ReleaseURL)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Updated to v%s!\n", result.LatestVersion)
	fmt.Fprintf(os.Stderr, "  Restart atlas to use the new version.\n")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Atlas v%s — Knowledge Base MCP Server

Usage:
  atlas serve    Start the MCP server (stdio transport)
  atlas update   Update to the latest version

Configuration (environment):
  ATLAS_AUTH_JWT_SECRET   Principal token signing secret (required)
  ATLAS_DB_DATA_DIR       Database directory (default ~/.atlas)
  ATLAS_SEARCH_OPENAI_API_KEY
                          Enables OpenAI embeddings for semantic search

  Add to your AI tool's MCP config:

  {
    "mcpServers": {
      "atlas": {
        "command": "atlas",
        "args": ["serve"]
      }
    }
  }
`, kbserver.Version)
}
