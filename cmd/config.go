package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "warden"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "warden"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage warden configuration.

Running bare 'warden config' is the same as 'warden config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# warden configuration
# See: warden config show (for effective values and sources)

# State directory holding sessions, evidence, transactions, and locks
# (default: ~/.config/warden)
# state_dir: {{ .StateDir }}

# Git repository sessions work against
repo:
  # Repository worktrees are created from (required for worktree commands)
  path: "{{ .RepoPath }}"

  # Branch session branches fork from (default: "main")
  base_branch: "{{ .BaseBranch }}"

  # Prefix for session branch names (default: "agents/")
  branch_prefix: "{{ .BranchPrefix }}"

  # Command run inside a fresh worktree by 'worktree create --install'
  # (default: unset, installation unavailable)
  # install_cmd: "npm install"

# Session expiration
session:
  # Hours of inactivity before a sweep expires a session (default: 24)
  timeout_hours: {{ .TimeoutHours }}

  # Allowance for timestamps written by skewed clocks (default: "5m")
  clock_skew: "{{ .ClockSkew }}"

# Validation transactions
txn:
  # How long a transaction waits for the per-session lock (default: "10s")
  lock_timeout: "{{ .LockTimeout }}"

  # Free bytes required under the state dir before staging (default: 67108864)
  min_free_bytes: {{ .MinFreeBytes }}

# Recovery sweeps
recovery:
  # State expired sessions are transitioned to (default: "closing")
  closing_state: "{{ .ClosingState }}"

# Logging
log:
  # Log level: debug, info, warn, error (default: "info")
  level: "{{ .LogLevel }}"
`

type configTemplateData struct {
	StateDir     string
	RepoPath     string
	BaseBranch   string
	BranchPrefix string
	TimeoutHours float64
	ClockSkew    string
	LockTimeout  string
	MinFreeBytes uint64
	ClosingState string
	LogLevel     string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:     viper.GetString("state_dir"),
		RepoPath:     viper.GetString("repo.path"),
		BaseBranch:   viper.GetString("repo.base_branch"),
		BranchPrefix: viper.GetString("repo.branch_prefix"),
		TimeoutHours: viper.GetFloat64("session.timeout_hours"),
		ClockSkew:    viper.GetString("session.clock_skew"),
		LockTimeout:  viper.GetString("txn.lock_timeout"),
		MinFreeBytes: viper.GetUint64("txn.min_free_bytes"),
		ClosingState: viper.GetString("recovery.closing_state"),
		LogLevel:     viper.GetString("log.level"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "WARDEN_STATE_DIR"},
	{Key: "repo.path", EnvVar: "WARDEN_REPO_PATH"},
	{Key: "repo.base_branch", EnvVar: "WARDEN_REPO_BASE_BRANCH"},
	{Key: "repo.branch_prefix", EnvVar: "WARDEN_REPO_BRANCH_PREFIX"},
	{Key: "repo.install_cmd", EnvVar: "WARDEN_REPO_INSTALL_CMD"},
	{Key: "session.timeout_hours", EnvVar: "WARDEN_SESSION_TIMEOUT_HOURS"},
	{Key: "session.clock_skew", EnvVar: "WARDEN_SESSION_CLOCK_SKEW"},
	{Key: "txn.lock_timeout", EnvVar: "WARDEN_TXN_LOCK_TIMEOUT"},
	{Key: "txn.min_free_bytes", EnvVar: "WARDEN_TXN_MIN_FREE_BYTES"},
	{Key: "recovery.closing_state", EnvVar: "WARDEN_RECOVERY_CLOSING_STATE"},
	{Key: "log.level", EnvVar: "WARDEN_LOG_LEVEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-24s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set, point it at your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'warden config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
