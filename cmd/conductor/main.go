// Package main provides the CLI entry point for the conversation orchestrator.
//
// The orchestrator dispatches turns across a registry of agents using one
// of four coordination patterns (single agent, round-robin group, workflow
// graph, swarm), injects per-turn retrieved context, gates sensitive
// actions behind human approval, enforces a per-turn/session/daily/monthly
// cost budget behind a circuit breaker, and streams model output to
// subscribers over the streaming hub.
//
// # Basic Usage
//
// Start the server:
//
//	conductor serve --config conductor.yaml
//
// Hot-reload the agent registry from disk:
//
//	conductor reload-agents --config conductor.yaml
//
// Flip a feature flag:
//
//	conductor flag set per_turn_rag --strategy percentage --percentage 25
//
// Issue an emergency circuit-breaker override code:
//
//	conductor breaker override --by ops-oncall --duration 10m
//
// Check today's spend against the daily budget:
//
//	conductor cost daily
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - CONDUCTOR_CONFIG: Path to configuration file (default: conductor.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// main is the entry point for the conductor CLI.
// It sets up the root command and all subcommands, then executes based on CLI args.
func main() {
	// Configure structured logging with JSON output for production parsing.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "conductor - multi-agent conversation orchestrator",
		Long: `conductor dispatches conversation turns across a registry of agents,
injects per-turn retrieved context, enforces a cost budget behind a
circuit breaker, and streams model output to subscribers.

Coordination patterns: single agent, round-robin group, workflow graph, swarm
LLM providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildReloadAgentsCmd(),
		buildFlagCmd(),
		buildBreakerCmd(),
		buildCostCmd(),
	)

	return rootCmd
}
