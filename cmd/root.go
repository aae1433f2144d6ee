package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/errs"
	"github.com/wardenhq/warden/internal/fsutil"
	"github.com/wardenhq/warden/internal/git"
	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/logger"
	"github.com/wardenhq/warden/internal/output"
	"github.com/wardenhq/warden/internal/records"
	"github.com/wardenhq/warden/internal/recovery"
	"github.com/wardenhq/warden/internal/rounds"
	"github.com/wardenhq/warden/internal/session"
	"github.com/wardenhq/warden/internal/txn"
	"github.com/wardenhq/warden/internal/worktree"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose bool
	dryRun  bool
)

// stack bundles every component the commands operate on. Built lazily so
// config and version commands run without touching the state directory.
type stack struct {
	cfg       *config.Config
	machine   *lifecycle.Machine
	sessions  *session.Repository
	records   *records.Repository
	engine    *txn.Engine
	rounds    *rounds.Manager
	worktrees *worktree.Manager
	recovery  *recovery.Service
}

var deps *stack

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Session and evidence coordinator for automated coding agents",
	Long: `warden coordinates automated coding-agent work through a state
directory: state-partitioned session records, git worktrees per session,
numbered evidence rounds per task, and staged validation transactions
that publish evidence atomically or not at all.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	logger.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if verbose {
			if k := errs.GetKind(err); k != errs.KindUnknown {
				fmt.Fprintf(os.Stderr, "  kind: %s\n", k)
			}
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/warden/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("WARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	config.SetDefaults(viper.GetViper(), configDir())

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// configDir is where both the config file and, by default, the state
// directory live.
func configDir() string {
	dir, err := configDirFunc()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
		os.Exit(1)
	}
	return dir
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// The component stack is built lazily; see getStack.
}

// rootRun handles `warden` with no subcommand: show the status overview.
func rootRun(cmd *cobra.Command) error {
	if _, err := getStack(); err != nil {
		return cmd.Help()
	}
	return statusRun()
}

// getStack builds the shared component stack on first call.
func getStack() (*stack, error) {
	if deps != nil {
		return deps, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if err := logger.Init(cfg.Log.Path, cfg.Log.Level); err != nil {
		return nil, err
	}
	logger.SetDebug(verbose)

	machine, err := buildMachine(cfg)
	if err != nil {
		return nil, err
	}

	s := &stack{
		cfg:      cfg,
		machine:  machine,
		sessions: session.NewRepository(cfg, machine),
		records:  records.NewRepository(cfg),
		engine:   txn.NewEngine(cfg),
		rounds:   rounds.NewManager(cfg.Roots.Evidence),
	}
	s.worktrees = worktree.NewManager(cfg, git.NewClient())
	s.worktrees.DryRun = dryRun
	s.recovery = recovery.NewService(cfg, s.sessions, s.records, s.engine, machine)

	deps = s
	return deps, nil
}

// buildMachine loads the operator's transition table when one is present,
// otherwise the embedded default.
func buildMachine(cfg *config.Config) (*lifecycle.Machine, error) {
	tablePath := filepath.Join(cfg.StateDir, "state-machine.yaml")
	if fsutil.Exists(tablePath) {
		table, err := lifecycle.LoadTableFile(tablePath)
		if err != nil {
			return nil, err
		}
		return lifecycle.NewMachine(table, lifecycle.DefaultGuards())
	}
	return lifecycle.NewDefaultMachine()
}

// guardContext assembles the checkers transition guards inspect.
func guardContext(s *stack, taskID string) lifecycle.GuardContext {
	return lifecycle.GuardContext{
		TaskID:   taskID,
		Evidence: s.rounds,
		Txns:     s.engine,
	}
}
