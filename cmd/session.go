package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/internal/output"
)

var (
	sessionOwner     string
	sessionMeta      []string
	sessionWorktree  bool
	sessionListState string
	transitionReason string
	transitionTask   string
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sess"},
	Short:   "Manage agent sessions",
	Long: `Create, inspect, transition, and archive agent sessions.

Each session lives under the sessions root in a directory named after its
current state; the record moves between partitions as it transitions.`,
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a session in the initial state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCreateRun(args[0])
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions across state partitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show detailed session information",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionTransitionCmd = &cobra.Command{
	Use:   "transition <id> <to>",
	Short: "Transition a session to a new state",
	Long: `Transition a session to a new state.

The configured transition table decides which edges exist and which guards
they carry. Edges guarded by evidence approval need --task to name the task
whose latest round is checked.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionTransitionRun(args[0], args[1])
	},
}

var sessionTouchCmd = &cobra.Command{
	Use:   "touch <id>",
	Short: "Bump a session's lastActive timestamp",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionTouchRun(args[0])
	},
}

var sessionNoteCmd = &cobra.Command{
	Use:   "note <id> <text>",
	Short: "Append a note to the session activity log",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionNoteRun(args[0], strings.Join(args[1:], " "))
	},
}

var sessionArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a final-state session to a tar.gz",
	Long: `Compress a session that has reached a final state into a tar.gz under
the archive root and remove the live record. The archive is verified on
disk before anything is deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionArchiveRun(args[0])
	},
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionOwner, "owner", "", "Owner recorded in the session metadata")
	sessionCreateCmd.Flags().StringArrayVar(&sessionMeta, "meta", nil, "Extra metadata as key=value (repeatable)")
	sessionCreateCmd.Flags().BoolVar(&sessionWorktree, "worktree", false, "Also create the session's worktree")

	sessionListCmd.Flags().StringVar(&sessionListState, "state", "", "Filter by state partition")

	sessionTransitionCmd.Flags().StringVar(&transitionReason, "reason", "", "Reason recorded in the state history")
	sessionTransitionCmd.Flags().StringVar(&transitionTask, "task", "", "Task whose evidence approval guards the transition")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionTransitionCmd)
	sessionCmd.AddCommand(sessionTouchCmd)
	sessionCmd.AddCommand(sessionNoteCmd)
	sessionCmd.AddCommand(sessionArchiveCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionCreateRun(id string) error {
	s, err := getStack()
	if err != nil {
		return err
	}

	extra, err := parseMetaFlags(sessionMeta)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would create session %s (owner %q)", id, sessionOwner)
		return nil
	}

	sess, err := s.sessions.Create(id, sessionOwner, extra)
	if err != nil {
		return err
	}
	ui.Success("Created session %s in state %s", output.Cyan(sess.ID), output.StateColor(sess.State))

	if sessionWorktree {
		return worktreeCreateRun(id)
	}
	return nil
}

func sessionListRun() error {
	s, err := getStack()
	if err != nil {
		return err
	}

	sessions, err := listSessions(s, sessionListState)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions found.")
		return nil
	}

	table := ui.Table([]string{"Session", "State", "Owner", "Idle", "Worktree"})
	for _, sess := range sessions {
		wt := "-"
		if sess.HasWorktree() {
			wt = sess.Git.WorktreePath
		}
		idle := time.Since(sess.LastTouched())
		_ = table.Append([]string{
			output.Cyan(sess.ID),
			output.StateColor(sess.State),
			sess.Meta.Owner,
			output.AgeColor(idle, s.cfg.Session.Timeout),
			wt,
		})
	}
	_ = table.Render()
	return nil
}

func sessionShowRun(id string) error {
	s, err := getStack()
	if err != nil {
		return err
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		return err
	}

	// Header
	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(sess.ID))
	fmt.Fprintf(ui.Out, "  State:      %s\n", output.StateColor(sess.State))
	if sess.Phase != "" {
		fmt.Fprintf(ui.Out, "  Phase:      %s\n", sess.Phase)
	}
	if sess.Meta.Owner != "" {
		fmt.Fprintf(ui.Out, "  Owner:      %s\n", sess.Meta.Owner)
	}
	if sess.Meta.Status != "" {
		fmt.Fprintf(ui.Out, "  Status:     %s\n", sess.Meta.Status)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", timeAgo(sess.Meta.CreatedAt))
	fmt.Fprintf(ui.Out, "  Active:     %s\n", timeAgo(sess.Meta.LastActive))
	if sess.Meta.ExpiredAt != nil {
		fmt.Fprintf(ui.Out, "  Expired:    %s\n", output.Red(timeAgo(*sess.Meta.ExpiredAt)))
	}
	if sess.Ready {
		fmt.Fprintf(ui.Out, "  Ready:      yes\n")
	}
	if len(sess.Meta.Extra) > 0 {
		keys := make([]string, 0, len(sess.Meta.Extra))
		for k := range sess.Meta.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(ui.Out, "  %-11s %s\n", k+":", sess.Meta.Extra[k])
		}
	}

	// Worktree binding
	if sess.HasWorktree() {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Worktree:   %s\n", sess.Git.WorktreePath)
		fmt.Fprintf(ui.Out, "  Branch:     %s (from %s)\n", sess.Git.BranchName, sess.Git.BaseBranch)
	}

	// Validation transactions
	if txs, err := s.engine.List(sess.ID); err == nil && len(txs) > 0 {
		open := 0
		for _, meta := range txs {
			if meta.Open() {
				open++
			}
		}
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Transactions: %d total, %d open\n", len(txs), open)
	}

	// Recent activity
	if n := len(sess.ActivityLog); n > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Activity (%d):\n", n)
		tail := sess.ActivityLog
		if len(tail) > 5 {
			tail = tail[len(tail)-5:]
		}
		for _, a := range tail {
			fmt.Fprintf(ui.Out, "    %-10s %s\n", timeAgo(a.At), a.Note)
		}
	}

	// State history
	if len(sess.StateHistory) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  History:\n")
		for _, h := range sess.StateHistory {
			line := fmt.Sprintf("%s -> %s", h.From, h.To)
			if h.Reason != "" {
				line += fmt.Sprintf(" (%s)", h.Reason)
			}
			fmt.Fprintf(ui.Out, "    %-10s %s\n", timeAgo(h.At), line)
		}
	}

	return nil
}

func sessionTransitionRun(id, to string) error {
	s, err := getStack()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		sess, err := s.sessions.Get(id)
		if err != nil {
			return err
		}
		gctx := guardContext(s, transitionTask)
		gctx.Session = sess
		if err := s.machine.ValidateTransition(lifecycle.SessionDomain, sess.State, to, gctx); err != nil {
			return err
		}
		ui.DryRunMsg("Would transition %s: %s -> %s", id, sess.State, to)
		return nil
	}

	sess, err := s.sessions.Transition(ctx, id, to, transitionReason, guardContext(s, transitionTask))
	if err != nil {
		return err
	}
	ui.Success("Session %s is now %s", output.Cyan(sess.ID), output.StateColor(sess.State))
	return nil
}

func sessionTouchRun(id string) error {
	s, err := getStack()
	if err != nil {
		return err
	}

	sess, err := s.sessions.Touch(context.Background(), id, time.Now().UTC())
	if err != nil {
		return err
	}
	ui.Success("Touched %s (lastActive %s)", output.Cyan(id), sess.Meta.LastActive.Format(time.RFC3339))
	return nil
}

func sessionNoteRun(id, note string) error {
	s, err := getStack()
	if err != nil {
		return err
	}

	sess, err := s.sessions.AddActivity(context.Background(), id, note, time.Now().UTC())
	if err != nil {
		return err
	}
	ui.Success("Noted on %s (%d entries)", output.Cyan(id), len(sess.ActivityLog))
	return nil
}

func sessionArchiveRun(id string) error {
	s, err := getStack()
	if err != nil {
		return err
	}

	if dryRun {
		if _, err := s.sessions.Get(id); err != nil {
			return err
		}
		ui.DryRunMsg("Would archive session %s", id)
		return nil
	}

	dest, err := s.sessions.Archive(context.Background(), id, time.Now().UTC())
	if err != nil {
		return err
	}
	ui.Success("Archived session %s to %s", output.Cyan(id), dest)
	return nil
}

// listSessions returns one partition or every partition, repository-sorted.
func listSessions(s *stack, state string) ([]*models.Session, error) {
	if state != "" {
		sessions, err := s.sessions.List(state)
		if err != nil {
			return nil, err
		}
		return sessions, nil
	}
	return s.sessions.ListAll()
}

// parseMetaFlags turns repeated key=value flags into a map.
func parseMetaFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q: expected key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

// timeAgo returns a human-readable duration from a time.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
