package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/internal/rounds"
)

type stubEvidence struct {
	approved bool
	err      error
}

func (s stubEvidence) HasApproval(string) (bool, error) { return s.approved, s.err }

type stubTxns struct {
	open bool
	err  error
}

func (s stubTxns) HasOpen(string) (bool, error) { return s.open, s.err }

func TestDefaultGuardsRegistry(t *testing.T) {
	guards := DefaultGuards()
	for _, name := range []string{"worktree-ready", "session-ready", "evidence-approved", "no-open-transaction"} {
		g, ok := guards[name]
		require.True(t, ok, "missing guard %s", name)
		assert.Equal(t, name, g.Name())
	}
}

func TestWorktreeReadyGuard(t *testing.T) {
	g := worktreeReadyGuard{}

	t.Run("no session", func(t *testing.T) {
		ok, _ := g.Evaluate(GuardContext{})
		assert.False(t, ok)
	})

	t.Run("no git binding", func(t *testing.T) {
		ok, reason := g.Evaluate(GuardContext{Session: &models.Session{ID: "s1"}})
		assert.False(t, ok)
		assert.Contains(t, reason, "no worktree")
	})

	t.Run("directory missing", func(t *testing.T) {
		sess := &models.Session{ID: "s1", Git: &models.GitInfo{WorktreePath: "/nonexistent/path"}}
		ok, reason := g.Evaluate(GuardContext{Session: sess})
		assert.False(t, ok)
		assert.Contains(t, reason, "missing")
	})

	t.Run("directory present", func(t *testing.T) {
		sess := &models.Session{ID: "s1", Git: &models.GitInfo{WorktreePath: t.TempDir()}}
		ok, _ := g.Evaluate(GuardContext{Session: sess})
		assert.True(t, ok)
	})
}

func TestSessionReadyGuard(t *testing.T) {
	g := sessionReadyGuard{}

	ok, _ := g.Evaluate(GuardContext{Session: &models.Session{Ready: false}})
	assert.False(t, ok)

	ok, _ = g.Evaluate(GuardContext{Session: &models.Session{Ready: true}})
	assert.True(t, ok)
}

func TestEvidenceApprovedGuard(t *testing.T) {
	g := evidenceApprovedGuard{}

	t.Run("no checker", func(t *testing.T) {
		ok, _ := g.Evaluate(GuardContext{TaskID: "task-1"})
		assert.False(t, ok)
	})

	t.Run("no task", func(t *testing.T) {
		ok, _ := g.Evaluate(GuardContext{Evidence: stubEvidence{approved: true}})
		assert.False(t, ok)
	})

	t.Run("not approved", func(t *testing.T) {
		ok, reason := g.Evaluate(GuardContext{TaskID: "task-1", Evidence: stubEvidence{}})
		assert.False(t, ok)
		assert.Contains(t, reason, rounds.ApprovalMarkerFile)
	})

	t.Run("checker error fails closed", func(t *testing.T) {
		ok, _ := g.Evaluate(GuardContext{TaskID: "task-1", Evidence: stubEvidence{err: errors.New("io")}})
		assert.False(t, ok)
	})

	t.Run("approved", func(t *testing.T) {
		ok, _ := g.Evaluate(GuardContext{TaskID: "task-1", Evidence: stubEvidence{approved: true}})
		assert.True(t, ok)
	})
}

func TestNoOpenTransactionGuard(t *testing.T) {
	g := noOpenTransactionGuard{}
	sess := &models.Session{ID: "s1"}

	t.Run("open transaction blocks", func(t *testing.T) {
		ok, reason := g.Evaluate(GuardContext{Session: sess, Txns: stubTxns{open: true}})
		assert.False(t, ok)
		assert.Contains(t, reason, "open validation transaction")
	})

	t.Run("checker error fails closed", func(t *testing.T) {
		ok, _ := g.Evaluate(GuardContext{Session: sess, Txns: stubTxns{err: errors.New("io")}})
		assert.False(t, ok)
	})

	t.Run("clear", func(t *testing.T) {
		ok, _ := g.Evaluate(GuardContext{Session: sess, Txns: stubTxns{}})
		assert.True(t, ok)
	})
}
