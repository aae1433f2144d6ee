package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/output"
)

var (
	recoverNow        string
	recoverForceLocks bool
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Sweep for crashed transactions and expired sessions",
	Long: `Run a recovery sweep over the state directory.

The sweep rewinds transactions abandoned mid-commit, expires sessions
idle past the configured timeout (restoring their claimed records to
the global queues), and reports advisory locks left behind by dead
processes. Locks are only removed with --force-locks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return recoverRun()
	},
}

func init() {
	recoverCmd.Flags().StringVar(&recoverNow, "now", "", "Sweep instant as RFC3339 (default: current time)")
	recoverCmd.Flags().BoolVar(&recoverForceLocks, "force-locks", false, "Remove stale locks instead of only reporting them")
	rootCmd.AddCommand(recoverCmd)
}

func recoverRun() error {
	s, err := getStack()
	if err != nil {
		return err
	}
	ctx := context.Background()

	now := time.Now().UTC()
	if recoverNow != "" {
		now, err = time.Parse(time.RFC3339, recoverNow)
		if err != nil {
			return fmt.Errorf("invalid --now %q: %w", recoverNow, err)
		}
	}

	if dryRun {
		return recoverDryRun(ctx, s, now)
	}

	report, err := s.recovery.Sweep(ctx, now, recoverForceLocks)
	if err != nil {
		return err
	}

	if len(report.Recovered) == 0 {
		ui.Info("No abandoned transactions.")
	}
	for _, r := range report.Recovered {
		detail := "staging discarded"
		if r.RolledBack {
			detail = "destinations rewound"
		}
		ui.Success("Recovered tx %s (session %s, wave %s, %s)", output.Cyan(r.TxID), r.SessionID, r.Wave, detail)
	}

	if len(report.Expired) == 0 {
		ui.Info("No expired sessions.")
	}
	for _, id := range report.Expired {
		ui.Warning("Expired session %s", output.Cyan(id))
	}

	for _, l := range report.Locks {
		if l.Removed {
			ui.Success("Removed stale lock for %s (tx %s)", output.Cyan(l.SessionID), l.Info.TxID)
		} else {
			ui.Warning("Stale lock for %s held since %s (tx %s, pid %d); rerun with --force-locks to remove",
				output.Cyan(l.SessionID), timeAgo(l.Info.AcquiredAt), l.Info.TxID, l.Info.PID)
		}
	}

	return nil
}

// recoverDryRun reports what a sweep would touch without mutating anything.
func recoverDryRun(ctx context.Context, s *stack, now time.Time) error {
	sessions, err := s.sessions.ListAll()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		metas, err := s.engine.List(sess.ID)
		if err != nil {
			return err
		}
		for _, m := range metas {
			if m.Open() {
				ui.DryRunMsg("Would recover tx %s (session %s)", m.TxID, sess.ID)
			}
		}
		settled := sess.State == s.cfg.Recovery.ClosingState ||
			s.machine.IsFinal(lifecycle.SessionDomain, sess.State)
		if !settled && s.recovery.Expired(sess, now) {
			ui.DryRunMsg("Would expire session %s (idle since %s)", sess.ID, timeAgo(sess.LastTouched()))
		}
	}

	locks, err := s.recovery.CleanLocks(ctx, false)
	if err != nil {
		return err
	}
	for _, l := range locks {
		ui.DryRunMsg("Would report stale lock for %s (tx %s)", l.SessionID, l.Info.TxID)
	}
	return nil
}
