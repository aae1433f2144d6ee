// Package worktree manages the git worktree attached to each session.
// Paths and branch names derive deterministically from the session id, so
// every operation can recompute them instead of trusting stored state.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/errs"
	"github.com/wardenhq/warden/internal/fsutil"
	"github.com/wardenhq/warden/internal/git"
	"github.com/wardenhq/warden/internal/logger"
	"github.com/wardenhq/warden/internal/models"
)

// Manager creates, archives, restores, and removes session worktrees.
type Manager struct {
	cfg *config.Config
	git git.Client
	log *slog.Logger

	// DryRun short-circuits every operation before side effects.
	DryRun bool
}

// NewManager returns a Manager operating on cfg's repository.
func NewManager(cfg *config.Config, client git.Client) *Manager {
	return &Manager{
		cfg: cfg,
		git: client,
		log: logger.ForComponent("worktree"),
	}
}

// Path is the deterministic worktree location for a session.
func (m *Manager) Path(sessionID string) string {
	return m.cfg.WorktreePath(sessionID)
}

// Branch is the deterministic branch name for a session.
func (m *Manager) Branch(sessionID string) string {
	return m.cfg.BranchName(sessionID)
}

// ArchivePath is where an archived worktree is parked.
func (m *Manager) ArchivePath(sessionID string) string {
	return filepath.Join(m.cfg.Roots.Archive, "worktrees", sessionID)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (m *Manager) wrapGit(op errs.Op, msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.E(op, errs.KindTimeout, msg, err)
	}
	return errs.E(op, errs.KindGit, msg, err)
}

// Create provisions the session's worktree. Idempotent: a healthy existing
// worktree is returned as-is. The repository must have at least one commit;
// worktrees cannot hang off an unborn HEAD.
func (m *Manager) Create(ctx context.Context, sess *models.Session) (*models.GitInfo, error) {
	const op = errs.Op("worktree.Create")

	repo := m.cfg.Repo.Path
	if repo == "" {
		return nil, errs.ConfigInvalid("repo.path must be set to create worktrees")
	}

	path := m.Path(sess.ID)
	branch := m.Branch(sess.ID)
	info := &models.GitInfo{
		WorktreePath: path,
		BranchName:   branch,
		BaseBranch:   m.cfg.Repo.BaseBranch,
	}

	pctx, cancel := withTimeout(ctx, m.cfg.Repo.Timeouts.Probe)
	defer cancel()

	inside, err := m.git.IsInsideWorkTree(pctx, repo)
	if err != nil || !inside {
		return nil, errs.GitNotRepo(repo)
	}
	hasCommits, err := m.git.HasCommits(pctx, repo)
	if err != nil {
		return nil, m.wrapGit(op, "probe repository", err)
	}
	if !hasCommits {
		return nil, errs.E(op, errs.KindWorktree,
			fmt.Sprintf("repository %s has no commits; commit to %s before creating worktrees", repo, info.BaseBranch),
			errs.F{"repo": repo})
	}

	if m.DryRun {
		m.log.Info("dry-run: would create worktree", "session", sess.ID, "path", path, "branch", branch)
		return info, nil
	}

	if fsutil.IsDir(path) {
		if herr := m.healthy(pctx, path, branch); herr == nil {
			m.log.Info("worktree already healthy", "session", sess.ID, "path", path)
			return info, nil
		} else if brokenGitPointer(path) {
			m.log.Warn("worktree metadata unresolvable, recreating from clone",
				"session", sess.ID, "path", path, "detail", herr)
			if err := os.RemoveAll(path); err != nil {
				return nil, errs.E(op, errs.KindIO, "remove broken worktree", err)
			}
			m.pruneQuiet(ctx, repo)
			if err := m.cloneFallback(ctx, repo, path, branch); err != nil {
				return nil, err
			}
			return info, nil
		} else {
			return nil, errs.E(op, errs.KindWorktree,
				fmt.Sprintf("existing directory at %s is not the expected worktree: %v", path, herr),
				errs.F{"session": sess.ID, "path": path})
		}
	}

	hasRemote, err := m.git.HasRemote(pctx, repo)
	if err != nil {
		return nil, m.wrapGit(op, "probe remotes", err)
	}
	if hasRemote {
		fctx, fcancel := withTimeout(ctx, m.cfg.Repo.Timeouts.Fetch)
		defer fcancel()
		if err := m.git.Fetch(fctx, repo); err != nil {
			return nil, m.wrapGit(op, "fetch origin", err)
		}
	}

	wctx, wcancel := withTimeout(ctx, m.cfg.Repo.Timeouts.Worktree)
	defer wcancel()

	if err := m.addWorktree(wctx, repo, path, branch, info.BaseBranch); err != nil {
		m.log.Warn("worktree add failed, pruning and retrying", "session", sess.ID, "error", err)
		m.pruneQuiet(ctx, repo)
		os.RemoveAll(path)

		rctx, rcancel := withTimeout(ctx, m.cfg.Repo.Timeouts.Worktree)
		defer rcancel()
		if err := m.addWorktree(rctx, repo, path, branch, info.BaseBranch); err != nil {
			m.log.Warn("worktree add retry failed, falling back to clone", "session", sess.ID, "error", err)
			os.RemoveAll(path)
			if err := m.cloneFallback(ctx, repo, path, branch); err != nil {
				return nil, err
			}
			return info, nil
		}
	}

	m.log.Info("worktree created", "session", sess.ID, "path", path, "branch", branch)
	return info, nil
}

// InstallDeps runs the configured install command inside the session's
// worktree. The command is operator-supplied since what "install" means
// depends on the repository.
func (m *Manager) InstallDeps(ctx context.Context, sess *models.Session) error {
	const op = errs.Op("worktree.InstallDeps")

	installCmd := m.cfg.Repo.InstallCmd
	if installCmd == "" {
		return errs.ConfigInvalid("repo.install_cmd must be set to install dependencies")
	}
	path := m.Path(sess.ID)

	if m.DryRun {
		m.log.Info("dry-run: would install dependencies", "session", sess.ID, "cmd", installCmd)
		return nil
	}
	if !fsutil.IsDir(path) {
		return errs.E(op, errs.KindWorktree,
			fmt.Sprintf("no worktree at %s", path), errs.F{"session": sess.ID})
	}

	ictx, cancel := withTimeout(ctx, m.cfg.Repo.Timeouts.Install)
	defer cancel()

	c := exec.CommandContext(ictx, "sh", "-c", installCmd)
	c.Dir = path
	out, err := c.CombinedOutput()
	if err != nil {
		if errors.Is(ictx.Err(), context.DeadlineExceeded) {
			return errs.E(op, errs.KindTimeout, "install command timed out", ictx.Err(),
				errs.F{"session": sess.ID})
		}
		return errs.E(op, errs.KindWorktree,
			fmt.Sprintf("install command failed: %s", strings.TrimSpace(string(out))), err,
			errs.F{"session": sess.ID})
	}

	m.log.Info("dependencies installed", "session", sess.ID)
	return nil
}

// addWorktree attaches a worktree for branch at path, creating the branch
// from base when it does not exist yet.
func (m *Manager) addWorktree(ctx context.Context, repo, path, branch, base string) error {
	exists, err := m.git.BranchExists(ctx, repo, branch)
	if err != nil {
		return err
	}
	if exists {
		return m.git.WorktreeAdd(ctx, repo, path, branch)
	}
	return m.git.WorktreeAddNewBranch(ctx, repo, path, branch, base)
}

// cloneFallback provisions the worktree as a standalone local clone when
// worktree attachment keeps failing or its metadata is beyond repair.
func (m *Manager) cloneFallback(ctx context.Context, repo, path, branch string) error {
	const op = errs.Op("worktree.Create")

	cctx, cancel := withTimeout(ctx, m.cfg.Repo.Timeouts.Clone)
	defer cancel()

	if err := m.git.Clone(cctx, repo, path); err != nil {
		return m.wrapGit(op, "clone fallback", err)
	}
	exists, err := m.git.BranchExists(cctx, path, branch)
	if err != nil {
		return m.wrapGit(op, "inspect clone", err)
	}
	if exists {
		if err := m.git.Checkout(cctx, path, branch); err != nil {
			return m.wrapGit(op, "checkout session branch", err)
		}
		return nil
	}
	if err := m.git.CheckoutNewBranch(cctx, path, branch); err != nil {
		return m.wrapGit(op, "create session branch", err)
	}
	return nil
}

// healthy reports nil when the directory is a work tree on the expected
// branch with resolvable git metadata.
func (m *Manager) healthy(ctx context.Context, path, branch string) error {
	inside, err := m.git.IsInsideWorkTree(ctx, path)
	if err != nil {
		return err
	}
	if !inside {
		return fmt.Errorf("%s is not inside a work tree", path)
	}
	current, err := m.git.CurrentBranch(ctx, path)
	if err != nil {
		return err
	}
	if current != branch {
		return fmt.Errorf("on branch %s, expected %s", current, branch)
	}
	if brokenGitPointer(path) {
		return fmt.Errorf("gitdir pointer does not resolve")
	}
	return nil
}

// brokenGitPointer reports whether the dir's .git entry fails to resolve.
// Linked worktrees carry a `gitdir:` pointer file; clone-fallback dirs have
// a real .git directory.
func brokenGitPointer(path string) bool {
	gitPath := filepath.Join(path, ".git")
	data, err := os.ReadFile(gitPath)
	if err != nil {
		return !fsutil.IsDir(gitPath)
	}
	target := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(data)), "gitdir:"))
	if target == "" {
		return true
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(path, target)
	}
	return !fsutil.IsDir(target)
}

// isLinkedWorktree reports whether path carries a worktree pointer file
// rather than a full .git directory.
func isLinkedWorktree(path string) bool {
	info, err := os.Lstat(filepath.Join(path, ".git"))
	return err == nil && info.Mode().IsRegular()
}

// Archive parks the worktree directory under the archive root. The
// registration is locked first so a later prune does not orphan it; the
// follow-up remove and prune are best-effort.
func (m *Manager) Archive(ctx context.Context, sess *models.Session) (string, error) {
	const op = errs.Op("worktree.Archive")

	path := m.Path(sess.ID)
	dest := m.ArchivePath(sess.ID)

	if m.DryRun {
		m.log.Info("dry-run: would archive worktree", "session", sess.ID, "path", path, "dest", dest)
		return dest, nil
	}

	if !fsutil.IsDir(path) {
		return "", errs.E(op, errs.KindWorktree,
			fmt.Sprintf("no worktree at %s", path), errs.F{"session": sess.ID})
	}
	if fsutil.Exists(dest) {
		return "", errs.E(op, errs.KindState,
			fmt.Sprintf("archived worktree already exists at %s", dest), errs.F{"session": sess.ID})
	}

	wctx, cancel := withTimeout(ctx, m.cfg.Repo.Timeouts.Worktree)
	defer cancel()

	if isLinkedWorktree(path) {
		if err := m.git.WorktreeLock(wctx, m.cfg.Repo.Path, path, "archived by warden"); err != nil {
			m.log.Warn("lock worktree before archive", "session", sess.ID, "error", err)
		}
	}
	if err := fsutil.MoveDir(path, dest); err != nil {
		return "", errs.E(op, errs.KindIO, "move worktree to archive", err)
	}
	if err := m.git.WorktreeRemove(wctx, m.cfg.Repo.Path, path, true); err != nil {
		m.log.Debug("worktree remove after archive", "session", sess.ID, "error", err)
	}
	if err := m.git.WorktreePrune(wctx, m.cfg.Repo.Path); err != nil {
		m.log.Debug("worktree prune after archive", "session", sess.ID, "error", err)
	}

	m.log.Info("worktree archived", "session", sess.ID, "dest", dest)
	return dest, nil
}

// Restore moves an archived worktree back into place, re-registers it, and
// verifies health.
func (m *Manager) Restore(ctx context.Context, sess *models.Session) error {
	const op = errs.Op("worktree.Restore")

	path := m.Path(sess.ID)
	src := m.ArchivePath(sess.ID)

	if m.DryRun {
		m.log.Info("dry-run: would restore worktree", "session", sess.ID, "src", src, "path", path)
		return nil
	}

	if !fsutil.IsDir(src) {
		return errs.E(op, errs.KindNotFound,
			fmt.Sprintf("no archived worktree at %s", src), errs.F{"session": sess.ID})
	}
	if fsutil.Exists(path) {
		return errs.E(op, errs.KindState,
			fmt.Sprintf("live worktree already exists at %s", path), errs.F{"session": sess.ID})
	}
	if err := fsutil.MoveDir(src, path); err != nil {
		return errs.E(op, errs.KindIO, "move worktree from archive", err)
	}

	wctx, cancel := withTimeout(ctx, m.cfg.Repo.Timeouts.Worktree)
	defer cancel()

	if isLinkedWorktree(path) {
		if err := m.git.WorktreeRepair(wctx, m.cfg.Repo.Path, path); err != nil {
			return m.wrapGit(op, "repair worktree registration", err)
		}
		if err := m.git.WorktreeUnlock(wctx, m.cfg.Repo.Path, path); err != nil {
			m.log.Debug("unlock worktree after restore", "session", sess.ID, "error", err)
		}
	}
	if err := m.healthy(wctx, path, m.Branch(sess.ID)); err != nil {
		return errs.E(op, errs.KindWorktree,
			fmt.Sprintf("restored worktree unhealthy: %v", err), errs.F{"session": sess.ID, "path": path})
	}

	m.log.Info("worktree restored", "session", sess.ID, "path", path)
	return nil
}

// Remove tears the worktree down: deregister, delete the branch, prune.
// Everything is best-effort; failures are logged, never returned.
func (m *Manager) Remove(ctx context.Context, sess *models.Session) {
	path := m.Path(sess.ID)
	branch := m.Branch(sess.ID)

	if m.DryRun {
		m.log.Info("dry-run: would remove worktree", "session", sess.ID, "path", path, "branch", branch)
		return
	}

	wctx, cancel := withTimeout(ctx, m.cfg.Repo.Timeouts.Worktree)
	defer cancel()

	if err := m.git.WorktreeRemove(wctx, m.cfg.Repo.Path, path, true); err != nil {
		m.log.Warn("worktree remove", "session", sess.ID, "error", err)
		if err := os.RemoveAll(path); err != nil {
			m.log.Warn("remove worktree dir", "session", sess.ID, "error", err)
		}
	}
	if err := m.git.DeleteBranch(wctx, m.cfg.Repo.Path, branch); err != nil {
		m.log.Debug("delete session branch", "session", sess.ID, "error", err)
	}
	m.pruneQuiet(ctx, m.cfg.Repo.Path)

	m.log.Info("worktree removed", "session", sess.ID, "path", path)
}

func (m *Manager) pruneQuiet(ctx context.Context, repo string) {
	pctx, cancel := withTimeout(ctx, m.cfg.Repo.Timeouts.Worktree)
	defer cancel()
	if err := m.git.WorktreePrune(pctx, repo); err != nil {
		m.log.Debug("worktree prune", "error", err)
	}
}
