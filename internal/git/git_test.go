package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a git repo in dir with a user config so commits work on CI.
func initTestRepo(t *testing.T, dir string) {
	t.Helper()
	cmds := [][]string{
		{"git", "-C", dir, "init", "-b", "main"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
}

func commitEmpty(t *testing.T, dir, msg string) {
	t.Helper()
	require.NoError(t, exec.Command("git", "-C", dir, "commit", "--allow-empty", "-m", msg).Run())
}

func TestParseWorktreeListPorcelain(t *testing.T) {
	input := `worktree /Users/joe/projects/myrepo
HEAD abc123def456
branch refs/heads/main

worktree /Users/joe/projects/myrepo.worktrees/feature-x
HEAD def789abc012
branch refs/heads/feature/x

`
	worktrees := ParseWorktreeListPorcelain(input)
	assert.Len(t, worktrees, 2)

	assert.Equal(t, "/Users/joe/projects/myrepo", worktrees[0].Path)
	assert.Equal(t, "main", worktrees[0].Branch)
	assert.Equal(t, "abc123def456", worktrees[0].HEAD)

	assert.Equal(t, "/Users/joe/projects/myrepo.worktrees/feature-x", worktrees[1].Path)
	assert.Equal(t, "feature/x", worktrees[1].Branch)
}

func TestParseWorktreeListPorcelain_Empty(t *testing.T) {
	worktrees := ParseWorktreeListPorcelain("")
	assert.Nil(t, worktrees)
}

func TestHasCommits(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	c := NewClient()
	ctx := context.Background()

	has, err := c.HasCommits(ctx, dir)
	require.NoError(t, err)
	assert.False(t, has, "unborn HEAD should report no commits")

	commitEmpty(t, dir, "init")

	has, err = c.HasCommits(ctx, dir)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestIsInsideWorkTree(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	c := NewClient()
	ctx := context.Background()

	inside, err := c.IsInsideWorkTree(ctx, dir)
	require.NoError(t, err)
	assert.True(t, inside)

	_, err = c.IsInsideWorkTree(ctx, t.TempDir())
	assert.Error(t, err)
}

func TestRepoRoot(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	c := NewClient()
	ctx := context.Background()

	root, err := c.RepoRoot(ctx, dir)
	require.NoError(t, err)

	// TempDir may sit behind a symlink, compare resolved paths.
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBranchLifecycle(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	commitEmpty(t, dir, "init")
	c := NewClient()
	ctx := context.Background()

	exists, err := c.BranchExists(ctx, dir, "agents/s1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.CreateBranch(ctx, dir, "agents/s1", "main"))

	exists, err = c.BranchExists(ctx, dir, "agents/s1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.DeleteBranch(ctx, dir, "agents/s1"))

	exists, err = c.BranchExists(ctx, dir, "agents/s1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWorktreeAddAndList(t *testing.T) {
	repo := t.TempDir()
	initTestRepo(t, repo)
	commitEmpty(t, repo, "init")
	c := NewClient()
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "s1")
	require.NoError(t, c.WorktreeAddNewBranch(ctx, repo, wtPath, "agents/s1", "main"))
	require.DirExists(t, wtPath)

	branch, err := c.CurrentBranch(ctx, wtPath)
	require.NoError(t, err)
	assert.Equal(t, "agents/s1", branch)

	wts, err := c.WorktreeList(ctx, repo)
	require.NoError(t, err)
	require.Len(t, wts, 2)
	assert.Equal(t, "agents/s1", wts[1].Branch)

	require.NoError(t, c.WorktreeRemove(ctx, repo, wtPath, true))
	require.NoError(t, c.WorktreePrune(ctx, repo))

	wts, err = c.WorktreeList(ctx, repo)
	require.NoError(t, err)
	assert.Len(t, wts, 1)
}

func TestWorktreePruneAfterManualDelete(t *testing.T) {
	repo := t.TempDir()
	initTestRepo(t, repo)
	commitEmpty(t, repo, "init")
	c := NewClient()
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "s1")
	require.NoError(t, c.WorktreeAddNewBranch(ctx, repo, wtPath, "agents/s1", "main"))
	require.NoError(t, os.RemoveAll(wtPath))

	require.NoError(t, c.WorktreePrune(ctx, repo))

	wts, err := c.WorktreeList(ctx, repo)
	require.NoError(t, err)
	assert.Len(t, wts, 1)
}

func TestWorktreeLockSurvivesPrune(t *testing.T) {
	repo := t.TempDir()
	initTestRepo(t, repo)
	commitEmpty(t, repo, "init")
	c := NewClient()
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "s1")
	require.NoError(t, c.WorktreeAddNewBranch(ctx, repo, wtPath, "agents/s1", "main"))
	require.NoError(t, c.WorktreeLock(ctx, repo, wtPath, "moved aside"))

	wts, err := c.WorktreeList(ctx, repo)
	require.NoError(t, err)
	require.Len(t, wts, 2)
	assert.True(t, wts[1].Locked)

	// A locked worktree's registration survives prune even with the
	// directory gone.
	require.NoError(t, os.RemoveAll(wtPath))
	require.NoError(t, c.WorktreePrune(ctx, repo))

	wts, err = c.WorktreeList(ctx, repo)
	require.NoError(t, err)
	require.Len(t, wts, 2)

	require.NoError(t, c.WorktreeUnlock(ctx, repo, wtPath))
	require.NoError(t, c.WorktreePrune(ctx, repo))

	wts, err = c.WorktreeList(ctx, repo)
	require.NoError(t, err)
	assert.Len(t, wts, 1)
}

func TestClone(t *testing.T) {
	src := t.TempDir()
	initTestRepo(t, src)
	commitEmpty(t, src, "init")
	c := NewClient()
	ctx := context.Background()

	dst := filepath.Join(t.TempDir(), "clone")
	require.NoError(t, c.Clone(ctx, src, dst))

	inside, err := c.IsInsideWorkTree(ctx, dst)
	require.NoError(t, err)
	assert.True(t, inside)

	has, err := c.HasCommits(ctx, dst)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestHasRemote(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	c := NewClient()
	ctx := context.Background()

	has, err := c.HasRemote(ctx, dir)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, exec.Command("git", "-C", dir, "remote", "add", "origin", dir).Run())

	has, err = c.HasRemote(ctx, dir)
	require.NoError(t, err)
	assert.True(t, has)
}
