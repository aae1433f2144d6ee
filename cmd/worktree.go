package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/fsutil"
	"github.com/wardenhq/warden/internal/output"
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Manage session worktrees",
	Long: `Provision, archive, restore, and remove the git worktree bound to a
session. Worktrees live under the worktrees root and branch off the
configured base branch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun()
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List worktrees bound to sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun()
	},
}

var worktreeInstall bool

var worktreeCreateCmd = &cobra.Command{
	Use:   "create <session-id>",
	Short: "Create the worktree for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeCreateRun(args[0])
	},
}

var worktreeArchiveCmd = &cobra.Command{
	Use:   "archive <session-id>",
	Short: "Park a session's worktree under the archive root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeArchiveRun(args[0])
	},
}

var worktreeRestoreCmd = &cobra.Command{
	Use:   "restore <session-id>",
	Short: "Move an archived worktree back into place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeRestoreRun(args[0])
	},
}

var worktreeRemoveCmd = &cobra.Command{
	Use:     "remove <session-id>",
	Aliases: []string{"rm"},
	Short:   "Tear down a session's worktree and branch",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeRemoveRun(args[0])
	},
}

func init() {
	worktreeCreateCmd.Flags().BoolVar(&worktreeInstall, "install", false, "Run the configured install command after creation")

	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeCreateCmd)
	worktreeCmd.AddCommand(worktreeArchiveCmd)
	worktreeCmd.AddCommand(worktreeRestoreCmd)
	worktreeCmd.AddCommand(worktreeRemoveCmd)
	rootCmd.AddCommand(worktreeCmd)
}

func worktreeListRun() error {
	s, err := getStack()
	if err != nil {
		return err
	}

	sessions, err := s.sessions.ListAll()
	if err != nil {
		return err
	}

	table := ui.Table([]string{"Session", "Branch", "Path", "Where"})
	count := 0
	for _, sess := range sessions {
		if !sess.HasWorktree() {
			continue
		}
		where := output.Red("missing")
		switch {
		case fsutil.IsDir(sess.Git.WorktreePath):
			where = output.Green("live")
		case fsutil.IsDir(s.worktrees.ArchivePath(sess.ID)):
			where = output.Yellow("archived")
		}
		_ = table.Append([]string{
			output.Cyan(sess.ID),
			sess.Git.BranchName,
			sess.Git.WorktreePath,
			where,
		})
		count++
	}

	if count == 0 {
		ui.Info("No worktrees bound.")
		return nil
	}
	_ = table.Render()
	return nil
}

func worktreeCreateRun(id string) error {
	s, err := getStack()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := s.sessions.Get(id)
	if err != nil {
		return err
	}

	info, err := s.worktrees.Create(ctx, sess)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would create worktree %s on branch %s", info.WorktreePath, info.BranchName)
		if worktreeInstall {
			ui.DryRunMsg("Would run the configured install command")
		}
		return nil
	}

	sess.Git = info
	if err := s.sessions.Save(ctx, sess); err != nil {
		return err
	}
	ui.Success("Worktree ready at %s (branch %s)", info.WorktreePath, output.Cyan(info.BranchName))

	if worktreeInstall {
		ui.Info("Running install command...")
		if err := s.worktrees.InstallDeps(ctx, sess); err != nil {
			return err
		}
		ui.Success("Dependencies installed")
	}
	return nil
}

func worktreeArchiveRun(id string) error {
	s, err := getStack()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := s.sessions.Get(id)
	if err != nil {
		return err
	}

	dest, err := s.worktrees.Archive(ctx, sess)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would archive worktree to %s", dest)
		return nil
	}
	ui.Success("Worktree archived to %s", dest)
	return nil
}

func worktreeRestoreRun(id string) error {
	s, err := getStack()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := s.sessions.Get(id)
	if err != nil {
		return err
	}

	if err := s.worktrees.Restore(ctx, sess); err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would restore worktree for %s", id)
		return nil
	}
	ui.Success("Worktree restored at %s", s.worktrees.Path(id))
	return nil
}

func worktreeRemoveRun(id string) error {
	s, err := getStack()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := s.sessions.Get(id)
	if err != nil {
		return err
	}

	s.worktrees.Remove(ctx, sess)
	if dryRun {
		ui.DryRunMsg("Would remove worktree for %s", id)
		return nil
	}

	if sess.Git != nil {
		sess.Git = nil
		if err := s.sessions.Save(ctx, sess); err != nil {
			return err
		}
	}
	ui.Success("Worktree removed for %s", output.Cyan(id))
	return nil
}
