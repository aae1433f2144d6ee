package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/output"
)

var evidenceCmd = &cobra.Command{
	Use:     "evidence",
	Aliases: []string{"ev"},
	Short:   "Inspect evidence rounds",
	Long: `Inspect the numbered evidence rounds recorded for a task. Evidence
files are published into rounds by validation transactions; these
commands only read and allocate round directories.`,
}

var evidenceRoundsCmd = &cobra.Command{
	Use:   "rounds <task-id>",
	Short: "List a task's evidence rounds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return evidenceRoundsRun(args[0])
	},
}

var evidenceLatestCmd = &cobra.Command{
	Use:   "latest <task-id>",
	Short: "Show the latest round for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return evidenceLatestRun(args[0])
	},
}

var evidenceNextCmd = &cobra.Command{
	Use:   "next <task-id>",
	Short: "Allocate the next round directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return evidenceNextRun(args[0])
	},
}

func init() {
	evidenceCmd.AddCommand(evidenceRoundsCmd)
	evidenceCmd.AddCommand(evidenceLatestCmd)
	evidenceCmd.AddCommand(evidenceNextCmd)
	rootCmd.AddCommand(evidenceCmd)
}

func evidenceRoundsRun(taskID string) error {
	s, err := getStack()
	if err != nil {
		return err
	}

	rs, err := s.rounds.List(taskID)
	if err != nil {
		return err
	}
	if len(rs) == 0 {
		ui.Info("No evidence rounds for %s.", taskID)
		return nil
	}

	table := ui.Table([]string{"Round", "Files", "Path"})
	for _, r := range rs {
		files := 0
		if entries, err := os.ReadDir(r.Path); err == nil {
			for _, e := range entries {
				if !e.IsDir() {
					files++
				}
			}
		}
		_ = table.Append([]string{
			output.Cyan(fmt.Sprintf("round-%d", r.N)),
			fmt.Sprintf("%d", files),
			r.Path,
		})
	}
	_ = table.Render()

	approved, err := s.rounds.HasApproval(taskID)
	if err != nil {
		return err
	}
	if approved {
		ui.Success("Latest round carries an approved bundle.")
	} else {
		ui.Info("No approval marker in the latest round.")
	}
	return nil
}

func evidenceLatestRun(taskID string) error {
	s, err := getStack()
	if err != nil {
		return err
	}

	n, path, err := s.rounds.FindLatest(taskID)
	if err != nil {
		return err
	}
	if n == 0 {
		ui.Info("No evidence rounds for %s.", taskID)
		return nil
	}
	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(fmt.Sprintf("round-%d", n)), path)
	return nil
}

func evidenceNextRun(taskID string) error {
	s, err := getStack()
	if err != nil {
		return err
	}

	if dryRun {
		n, _, err := s.rounds.FindLatest(taskID)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would create round-%d for %s", n+1, taskID)
		return nil
	}

	n, path, err := s.rounds.CreateNext(taskID)
	if err != nil {
		return err
	}
	ui.Success("Created %s at %s", output.Cyan(fmt.Sprintf("round-%d", n)), path)
	return nil
}
