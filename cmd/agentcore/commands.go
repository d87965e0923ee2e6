// commands.go contains the cobra command definitions and their flag
// configurations. Each command builder wires a command to its handler.
package main

import (
	"github.com/spf13/cobra"
)

// buildRunCmd creates the "run" command that executes one message
// through the agentic loop and prints the answer.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		model      string
		system     string
		showTrace  bool
	)

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run one message through the agentic loop",
		Long: `Run one message through the agentic loop and print the answer.

The session identified by --session is loaded before the run and
persisted afterwards, so repeated invocations with the same session
continue the same conversation.`,
		Example: `  # One-shot question
  agentcore run "what is 12 * 34?"

  # Continue a conversation
  agentcore run --session demo "and double that"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runRun(cmd.Context(), configPath, runOptions{
				SessionID: sessionID,
				Model:     model,
				System:    system,
				Message:   args[0],
				ShowTrace: showTrace,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID to continue (new session when empty)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model override for this run")
	cmd.Flags().StringVar(&system, "system", "", "System prompt override for this run")
	cmd.Flags().BoolVar(&showTrace, "trace", false, "Print the execution trace as JSON after the answer")

	return cmd
}

// buildServeCmd creates the "serve" command that starts the HTTP
// service.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentcore HTTP service",
		Long: `Start the HTTP service exposing the agentic loop.

Endpoints:
  POST /v1/run     execute a message in a session
  GET  /healthz    breaker and cache health snapshot
  GET  /metrics    Prometheus metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  agentcore serve

  # Start on a custom port with debug logging
  agentcore serve --listen :9000 --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, listen, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&listen, "listen", "l", ":8080", "Address for the HTTP service")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

// buildHealthCmd creates the "health" command that prints a local
// health snapshot.
func buildHealthCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Print a health snapshot of the configured runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runHealth(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

// buildSchemaCmd creates the "schema" command that prints the JSON
// Schema for the configuration file.
func buildSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(cmd.OutOrStdout())
		},
	}
}
