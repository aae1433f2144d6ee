// Package git wraps the git binary. Every invocation runs through one
// helper so timeouts and stderr reporting behave the same everywhere.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
	Locked bool
}

// Client defines the interface for git operations. All methods take a path
// parameter since warden operates on the main repo and many worktrees.
type Client interface {
	RepoRoot(ctx context.Context, path string) (string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	IsInsideWorkTree(ctx context.Context, path string) (bool, error)
	HasCommits(ctx context.Context, path string) (bool, error)
	HasRemote(ctx context.Context, path string) (bool, error)
	Fetch(ctx context.Context, path string) error
	BranchExists(ctx context.Context, path, branch string) (bool, error)
	CreateBranch(ctx context.Context, path, branch, start string) error
	DeleteBranch(ctx context.Context, path, branch string) error
	Checkout(ctx context.Context, path, branch string) error
	CheckoutNewBranch(ctx context.Context, path, branch string) error
	Clone(ctx context.Context, src, dst string) error
	WorktreeAdd(ctx context.Context, repo, wtPath, branch string) error
	WorktreeAddNewBranch(ctx context.Context, repo, wtPath, branch, start string) error
	WorktreeRemove(ctx context.Context, repo, wtPath string, force bool) error
	WorktreePrune(ctx context.Context, repo string) error
	WorktreeRepair(ctx context.Context, repo, wtPath string) error
	WorktreeLock(ctx context.Context, repo, wtPath, reason string) error
	WorktreeUnlock(ctx context.Context, repo, wtPath string) error
	WorktreeList(ctx context.Context, repo string) ([]WorktreeInfo, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), ctxErr)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) RepoRoot(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) IsInsideWorkTree(ctx context.Context, path string) (bool, error) {
	out, err := gitCmd(ctx, path, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false, err
	}
	return out == "true", nil
}

// HasCommits reports whether HEAD resolves to a commit. A repo fresh from
// `git init` has an unborn HEAD and reports false.
func (c *RealClient) HasCommits(ctx context.Context, path string) (bool, error) {
	_, err := gitCmd(ctx, path, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (c *RealClient) HasRemote(ctx context.Context, path string) (bool, error) {
	out, err := gitCmd(ctx, path, "remote")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if line == "origin" {
			return true, nil
		}
	}
	return false, nil
}

func (c *RealClient) Fetch(ctx context.Context, path string) error {
	_, err := gitCmd(ctx, path, "fetch", "origin")
	return err
}

func (c *RealClient) BranchExists(ctx context.Context, path, branch string) (bool, error) {
	out, err := gitCmd(ctx, path, "branch", "--list", branch, "--format=%(refname:short)")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) CreateBranch(ctx context.Context, path, branch, start string) error {
	_, err := gitCmd(ctx, path, "branch", branch, start)
	return err
}

func (c *RealClient) DeleteBranch(ctx context.Context, path, branch string) error {
	_, err := gitCmd(ctx, path, "branch", "-D", branch)
	return err
}

func (c *RealClient) Checkout(ctx context.Context, path, branch string) error {
	_, err := gitCmd(ctx, path, "checkout", branch)
	return err
}

func (c *RealClient) CheckoutNewBranch(ctx context.Context, path, branch string) error {
	_, err := gitCmd(ctx, path, "checkout", "-b", branch)
	return err
}

func (c *RealClient) Clone(ctx context.Context, src, dst string) error {
	_, err := gitCmd(ctx, ".", "clone", src, dst)
	return err
}

func (c *RealClient) WorktreeAdd(ctx context.Context, repo, wtPath, branch string) error {
	_, err := gitCmd(ctx, repo, "worktree", "add", wtPath, branch)
	return err
}

func (c *RealClient) WorktreeAddNewBranch(ctx context.Context, repo, wtPath, branch, start string) error {
	_, err := gitCmd(ctx, repo, "worktree", "add", "-b", branch, wtPath, start)
	return err
}

func (c *RealClient) WorktreeRemove(ctx context.Context, repo, wtPath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, wtPath)
	_, err := gitCmd(ctx, repo, args...)
	return err
}

func (c *RealClient) WorktreePrune(ctx context.Context, repo string) error {
	_, err := gitCmd(ctx, repo, "worktree", "prune")
	return err
}

func (c *RealClient) WorktreeRepair(ctx context.Context, repo, wtPath string) error {
	_, err := gitCmd(ctx, repo, "worktree", "repair", wtPath)
	return err
}

// WorktreeLock marks a worktree as locked so prune leaves its registration
// intact while the directory is elsewhere.
func (c *RealClient) WorktreeLock(ctx context.Context, repo, wtPath, reason string) error {
	args := []string{"worktree", "lock"}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	args = append(args, wtPath)
	_, err := gitCmd(ctx, repo, args...)
	return err
}

func (c *RealClient) WorktreeUnlock(ctx context.Context, repo, wtPath string) error {
	_, err := gitCmd(ctx, repo, "worktree", "unlock", wtPath)
	return err
}

func (c *RealClient) WorktreeList(ctx context.Context, repo string) ([]WorktreeInfo, error) {
	out, err := gitCmd(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "locked" || strings.HasPrefix(line, "locked "):
			current.Locked = true
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
