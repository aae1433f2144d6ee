package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status [session]",
	Short: "Show a state directory overview",
	Long: `Show a state directory overview or detailed status for one session.

Without arguments, summarizes sessions per state, global queue depths,
open validation transactions, and advisory locks. With a session id,
shows detailed status for that session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return sessionShowRun(args[0]) // reuse session show for detail
		}
		return statusRun()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusRun() error {
	s, err := getStack()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sessions, err := s.sessions.ListAll()
	if err != nil {
		return err
	}

	type openTx struct {
		session, tx, wave string
	}
	counts := make(map[string]int)
	var open []openTx
	for _, sess := range sessions {
		counts[sess.State]++
		metas, err := s.engine.List(sess.ID)
		if err != nil {
			return err
		}
		for _, m := range metas {
			if m.Open() {
				open = append(open, openTx{sess.ID, m.TxID, m.Wave})
			}
		}
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(fmt.Sprintf("Sessions (%d)", len(sessions))))
	if len(sessions) == 0 {
		ui.Info("No sessions yet. Use 'warden session create <id>' to get started.")
	} else {
		table := ui.Table([]string{"State", "Count"})
		for _, st := range s.machine.States(lifecycle.SessionDomain) {
			if counts[st] == 0 {
				continue
			}
			_ = table.Append([]string{output.StateColor(st), fmt.Sprintf("%d", counts[st])})
		}
		_ = table.Render()
	}

	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "%s\n", output.Cyan("Global queues"))
	for _, d := range models.Domains() {
		ids, err := s.records.ListGlobal(d)
		if err != nil {
			return err
		}
		fmt.Fprintf(ui.Out, "  %-7s %d queued\n", string(d)+":", len(ids))
	}

	if len(open) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "%s\n", output.Cyan(fmt.Sprintf("Open transactions (%d)", len(open))))
		for _, o := range open {
			fmt.Fprintf(ui.Out, "  %s  %s (wave %s)\n", output.Yellow(o.tx), o.session, o.wave)
		}
		ui.Info("Run 'warden recover' to roll back abandoned transactions.")
	}

	locks, err := s.recovery.CleanLocks(ctx, false)
	if err != nil {
		return err
	}
	if len(locks) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "%s\n", output.Cyan(fmt.Sprintf("Advisory locks (%d)", len(locks))))
		for _, l := range locks {
			age := time.Since(l.Info.AcquiredAt)
			fmt.Fprintf(ui.Out, "  %s  held %s (tx %s, pid %d)\n",
				l.SessionID, output.AgeColor(age, s.cfg.Txn.LockTimeout), l.Info.TxID, l.Info.PID)
		}
		ui.Info("Locks outliving their holder need 'warden recover --force-locks'.")
	}

	return nil
}
