package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets coding agents drive sessions natively: report activity,
record evidence through validation transactions, and request state
transitions. Configure in Claude Code with:

  {
    "mcpServers": {
      "warden": { "command": "warden", "args": ["mcp"] }
    }
  }

Available tools: warden_session_status, warden_session_list,
warden_session_transition, warden_add_activity, warden_record_evidence,
warden_list_rounds, warden_next_round`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	s, err := getStack()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	srv := mcpserver.NewServer(s.sessions, s.engine, s.rounds)
	return srv.ServeStdio(ctx)
}
