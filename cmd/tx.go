package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/fsutil"
	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/internal/output"
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Inspect validation transactions",
	Long: `Inspect the validation transactions recorded for a session, including
open ones left behind by a crash. Transactions are begun and committed
by agents over MCP; the CLI only reads their durable metadata.`,
}

var txListCmd = &cobra.Command{
	Use:     "list <session-id>",
	Aliases: []string{"ls"},
	Short:   "List a session's validation transactions",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return txListRun(args[0])
	},
}

var txShowCmd = &cobra.Command{
	Use:   "show <session-id> <tx-id>",
	Short: "Show one transaction's metadata",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return txShowRun(args[0], args[1])
	},
}

func init() {
	txCmd.AddCommand(txListCmd)
	txCmd.AddCommand(txShowCmd)
	rootCmd.AddCommand(txCmd)
}

func txListRun(sessionID string) error {
	s, err := getStack()
	if err != nil {
		return err
	}

	if _, err := s.sessions.Get(sessionID); err != nil {
		return err
	}
	metas, err := s.engine.List(sessionID)
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		ui.Info("No transactions for %s.", sessionID)
		return nil
	}

	table := ui.Table([]string{"Tx", "Wave", "Started", "State"})
	for _, m := range metas {
		_ = table.Append([]string{
			output.Cyan(m.TxID),
			m.Wave,
			timeAgo(m.StartedAt),
			txStateLabel(m),
		})
	}
	_ = table.Render()
	return nil
}

func txShowRun(sessionID, txID string) error {
	s, err := getStack()
	if err != nil {
		return err
	}

	m, err := s.engine.LoadMeta(sessionID, txID)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(m.TxID))
	fmt.Fprintf(ui.Out, "  Session:    %s\n", m.SessionID)
	fmt.Fprintf(ui.Out, "  Wave:       %s\n", m.Wave)
	fmt.Fprintf(ui.Out, "  State:      %s\n", txStateLabel(m))
	fmt.Fprintf(ui.Out, "  Started:    %s (%s)\n", m.StartedAt.Format(time.RFC3339), timeAgo(m.StartedAt))
	if m.Finalized != nil {
		fmt.Fprintf(ui.Out, "  Finalized:  %s\n", m.Finalized.Format(time.RFC3339))
	}
	if m.Aborted != nil {
		fmt.Fprintf(ui.Out, "  Aborted:    %s\n", m.Aborted.Format(time.RFC3339))
	}
	if m.Reason != "" {
		fmt.Fprintf(ui.Out, "  Reason:     %s\n", m.Reason)
	}
	if m.Open() {
		staging := fsutil.IsDir(s.engine.ValidationDir(sessionID, txID))
		fmt.Fprintf(ui.Out, "  Staging:    present=%v\n", staging)
	}

	if len(m.PreManifest) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Pre-commit manifest (%d):\n", len(m.PreManifest))
		for _, e := range m.PreManifest {
			fmt.Fprintf(ui.Out, "    %s (%s)\n", e.Path, formatBytes(e.Size))
		}
	}
	return nil
}

func txStateLabel(m *models.ValidationMeta) string {
	switch {
	case m.Finalized != nil:
		return output.Green("finalized")
	case m.Aborted != nil:
		return output.Red("aborted")
	default:
		return output.Yellow("open")
	}
}

// formatBytes returns a human-readable byte size string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
