// Package config loads warden's configuration into one explicit object.
// Viper supplies defaults, the optional config file, and WARDEN_* env
// overrides; everything downstream receives the typed Config built here
// rather than reading keys ad hoc.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/viper"

	"github.com/wardenhq/warden/internal/errs"
)

// Config is the single configuration object handed to every component at
// startup.
type Config struct {
	StateDir string

	Roots    Roots
	Repo     RepoConfig
	Session  SessionConfig
	Txn      TxnConfig
	Recovery RecoveryConfig
	Log      LogConfig

	idRegexp *regexp.Regexp
}

// Roots are the directory trees warden owns.
type Roots struct {
	Sessions  string
	Tx        string
	Evidence  string
	Records   string
	Archive   string
	Worktrees string
}

// RepoConfig describes the git repository sessions work against.
type RepoConfig struct {
	Path         string
	BaseBranch   string
	BranchPrefix string

	// InstallCmd is run inside a fresh worktree when dependency
	// installation is requested. Empty means installation is unavailable.
	InstallCmd string

	Timeouts GitTimeouts
}

// GitTimeouts bound individual git and install invocations.
type GitTimeouts struct {
	Probe    time.Duration
	Fetch    time.Duration
	Worktree time.Duration
	Clone    time.Duration
	Install  time.Duration
}

// SessionConfig governs session identity and expiration.
type SessionConfig struct {
	IDPattern string
	IDMaxLen  int
	Timeout   time.Duration
	ClockSkew time.Duration
}

// TxnConfig governs validation transactions.
type TxnConfig struct {
	LockTimeout  time.Duration
	MinFreeBytes uint64
}

// RecoveryConfig governs the recovery sweeps.
type RecoveryConfig struct {
	ClosingState string
}

// LogConfig points the operation log somewhere.
type LogConfig struct {
	Path  string
	Level string
}

// SetDefaults registers every key's default on the given viper instance.
// Called once from the root command before Load.
func SetDefaults(v *viper.Viper, stateDir string) {
	v.SetDefault("state_dir", stateDir)

	v.SetDefault("roots.sessions", "")
	v.SetDefault("roots.tx", "")
	v.SetDefault("roots.evidence", "")
	v.SetDefault("roots.records", "")
	v.SetDefault("roots.archive", "")
	v.SetDefault("roots.worktrees", "")

	v.SetDefault("repo.path", "")
	v.SetDefault("repo.base_branch", "main")
	v.SetDefault("repo.branch_prefix", "agents/")
	v.SetDefault("repo.install_cmd", "")
	v.SetDefault("repo.timeout.probe", "10s")
	v.SetDefault("repo.timeout.fetch", "60s")
	v.SetDefault("repo.timeout.worktree", "30s")
	v.SetDefault("repo.timeout.clone", "5m")
	v.SetDefault("repo.timeout.install", "10m")

	v.SetDefault("session.id_pattern", "^[a-z0-9][a-z0-9_-]*$")
	v.SetDefault("session.id_max_len", 64)
	v.SetDefault("session.timeout_hours", 24)
	v.SetDefault("session.clock_skew", "5m")

	v.SetDefault("txn.lock_timeout", "10s")
	v.SetDefault("txn.min_free_bytes", 64<<20)

	v.SetDefault("recovery.closing_state", "closing")

	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "info")
}

// Load builds the Config from the global viper state and validates it.
func Load() (*Config, error) {
	return FromViper(viper.GetViper())
}

// FromViper builds the Config from an explicit viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	stateDir := v.GetString("state_dir")

	cfg := &Config{
		StateDir: stateDir,
		Roots: Roots{
			Sessions:  orDefault(v.GetString("roots.sessions"), filepath.Join(stateDir, "sessions")),
			Tx:        orDefault(v.GetString("roots.tx"), filepath.Join(stateDir, "tx")),
			Evidence:  orDefault(v.GetString("roots.evidence"), filepath.Join(stateDir, "evidence")),
			Records:   orDefault(v.GetString("roots.records"), filepath.Join(stateDir, "records")),
			Archive:   orDefault(v.GetString("roots.archive"), filepath.Join(stateDir, "archive")),
			Worktrees: orDefault(v.GetString("roots.worktrees"), filepath.Join(stateDir, "worktrees")),
		},
		Repo: RepoConfig{
			Path:         v.GetString("repo.path"),
			BaseBranch:   v.GetString("repo.base_branch"),
			BranchPrefix: v.GetString("repo.branch_prefix"),
			InstallCmd:   v.GetString("repo.install_cmd"),
			Timeouts: GitTimeouts{
				Probe:    v.GetDuration("repo.timeout.probe"),
				Fetch:    v.GetDuration("repo.timeout.fetch"),
				Worktree: v.GetDuration("repo.timeout.worktree"),
				Clone:    v.GetDuration("repo.timeout.clone"),
				Install:  v.GetDuration("repo.timeout.install"),
			},
		},
		Session: SessionConfig{
			IDPattern: v.GetString("session.id_pattern"),
			IDMaxLen:  v.GetInt("session.id_max_len"),
			Timeout:   time.Duration(v.GetFloat64("session.timeout_hours") * float64(time.Hour)),
			ClockSkew: v.GetDuration("session.clock_skew"),
		},
		Txn: TxnConfig{
			LockTimeout:  v.GetDuration("txn.lock_timeout"),
			MinFreeBytes: v.GetUint64("txn.min_free_bytes"),
		},
		Recovery: RecoveryConfig{
			ClosingState: v.GetString("recovery.closing_state"),
		},
		Log: LogConfig{
			Path:  orDefault(v.GetString("log.path"), filepath.Join(stateDir, "warden.log")),
			Level: v.GetString("log.level"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural invariants and compiles the id pattern.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return errs.ConfigInvalid("state_dir must be set")
	}
	if c.Session.IDMaxLen <= 0 {
		return errs.ConfigInvalid("session.id_max_len must be positive")
	}
	if c.Session.Timeout <= 0 {
		return errs.ConfigInvalid("session.timeout_hours must be positive")
	}
	if c.Session.ClockSkew < 0 {
		return errs.ConfigInvalid("session.clock_skew must not be negative")
	}
	if c.Txn.LockTimeout <= 0 {
		return errs.ConfigInvalid("txn.lock_timeout must be positive")
	}
	if c.Recovery.ClosingState == "" {
		return errs.ConfigInvalid("recovery.closing_state must be set")
	}

	re, err := regexp.Compile(c.Session.IDPattern)
	if err != nil {
		return errs.ConfigInvalid(fmt.Sprintf("session.id_pattern does not compile: %v", err))
	}
	c.idRegexp = re
	return nil
}

// ValidateSessionID checks a caller-supplied session id against the
// configured pattern and length cap.
func (c *Config) ValidateSessionID(id string) error {
	if id == "" {
		return errs.E(errs.Op("config.ValidateSessionID"), errs.KindInvalid, "session id is empty")
	}
	if len(id) > c.Session.IDMaxLen {
		return errs.E(errs.Op("config.ValidateSessionID"), errs.KindInvalid,
			fmt.Sprintf("session id exceeds %d characters", c.Session.IDMaxLen), errs.F{"session": id})
	}
	if c.idRegexp != nil && !c.idRegexp.MatchString(id) {
		return errs.E(errs.Op("config.ValidateSessionID"), errs.KindInvalid,
			fmt.Sprintf("session id %q does not match %s", id, c.Session.IDPattern), errs.F{"session": id})
	}
	return nil
}

// SessionDir is the partition directory for one session in one state.
func (c *Config) SessionDir(state, id string) string {
	return filepath.Join(c.Roots.Sessions, state, id)
}

// StatePartition is the directory holding every session in the given state.
func (c *Config) StatePartition(state string) string {
	return filepath.Join(c.Roots.Sessions, state)
}

// TxDir is the per-session transaction directory.
func (c *Config) TxDir(sessionID string) string {
	return filepath.Join(c.Roots.Tx, sessionID)
}

// WorktreePath is the deterministic worktree location for a session.
func (c *Config) WorktreePath(sessionID string) string {
	return filepath.Join(c.Roots.Worktrees, sessionID)
}

// BranchName is the deterministic branch for a session.
func (c *Config) BranchName(sessionID string) string {
	return c.Repo.BranchPrefix + sessionID
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
