// Package main provides the CLI entry point for the agentcore execution
// service.
//
// Agentcore runs a bounded agentic loop against an LLM provider
// (Anthropic, OpenAI) with tool execution, durable session state, and
// failure containment through circuit breakers and rate limits.
//
// # Basic Usage
//
// Run a single message:
//
//	agentcore run --config agentcore.yaml "what time is it in Tokyo?"
//
// Start the HTTP service:
//
//	agentcore serve --config agentcore.yaml --listen :8080
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - AGENTCORE_CONFIG: Path to configuration file (default: agentcore.yaml)
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
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
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
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentcore",
		Short: "Agentcore - resilient agentic execution service",
		Long: `Agentcore runs bounded agentic loops with tool execution.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)
Built-in tools: clock, calculator, durable memory`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildServeCmd(),
		buildHealthCmd(),
		buildSchemaCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the AGENTCORE_CONFIG fallback when no flag
// was given.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("AGENTCORE_CONFIG"); env != "" {
		return env
	}
	return "agentcore.yaml"
}
