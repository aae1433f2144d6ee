package lifecycle

import (
	"fmt"

	"github.com/wardenhq/warden/internal/fsutil"
	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/internal/rounds"
)

// GuardContext carries everything a guard may inspect. Checkers are
// interfaces so guards stay decoupled from the packages that implement
// them.
type GuardContext struct {
	Session *models.Session
	TaskID  string

	Evidence EvidenceChecker
	Txns     TxnChecker
}

// EvidenceChecker answers evidence questions for guards.
type EvidenceChecker interface {
	// HasApproval reports whether the latest round for the task contains
	// the approval marker file.
	HasApproval(taskID string) (bool, error)
}

// TxnChecker answers transaction questions for guards.
type TxnChecker interface {
	// HasOpen reports whether the session has a validation transaction
	// that is neither finalized nor aborted.
	HasOpen(sessionID string) (bool, error)
}

// Guard is a named predicate evaluated before a transition is applied.
type Guard interface {
	Name() string
	Evaluate(gctx GuardContext) (ok bool, reason string)
}

// DefaultGuards is the closed registry of guard predicates. Transition
// tables may only reference names present here.
func DefaultGuards() map[string]Guard {
	guards := []Guard{
		worktreeReadyGuard{},
		sessionReadyGuard{},
		evidenceApprovedGuard{},
		noOpenTransactionGuard{},
	}
	m := make(map[string]Guard, len(guards))
	for _, g := range guards {
		m[g.Name()] = g
	}
	return m
}

type worktreeReadyGuard struct{}

func (worktreeReadyGuard) Name() string { return "worktree-ready" }

func (worktreeReadyGuard) Evaluate(gctx GuardContext) (bool, string) {
	if gctx.Session == nil {
		return false, "no session in context"
	}
	if !gctx.Session.HasWorktree() {
		return false, "session has no worktree"
	}
	if !fsutil.IsDir(gctx.Session.Git.WorktreePath) {
		return false, fmt.Sprintf("worktree directory missing: %s", gctx.Session.Git.WorktreePath)
	}
	return true, ""
}

type sessionReadyGuard struct{}

func (sessionReadyGuard) Name() string { return "session-ready" }

func (sessionReadyGuard) Evaluate(gctx GuardContext) (bool, string) {
	if gctx.Session == nil {
		return false, "no session in context"
	}
	if !gctx.Session.Ready {
		return false, "session not marked ready"
	}
	return true, ""
}

type evidenceApprovedGuard struct{}

func (evidenceApprovedGuard) Name() string { return "evidence-approved" }

func (evidenceApprovedGuard) Evaluate(gctx GuardContext) (bool, string) {
	if gctx.Evidence == nil {
		return false, "no evidence checker in context"
	}
	if gctx.TaskID == "" {
		return false, "no task in context"
	}
	ok, err := gctx.Evidence.HasApproval(gctx.TaskID)
	if err != nil {
		return false, fmt.Sprintf("approval check failed: %v", err)
	}
	if !ok {
		return false, fmt.Sprintf("latest round for %s has no %s", gctx.TaskID, rounds.ApprovalMarkerFile)
	}
	return true, ""
}

type noOpenTransactionGuard struct{}

func (noOpenTransactionGuard) Name() string { return "no-open-transaction" }

func (noOpenTransactionGuard) Evaluate(gctx GuardContext) (bool, string) {
	if gctx.Txns == nil {
		return false, "no transaction checker in context"
	}
	if gctx.Session == nil {
		return false, "no session in context"
	}
	open, err := gctx.Txns.HasOpen(gctx.Session.ID)
	if err != nil {
		return false, fmt.Sprintf("open-transaction check failed: %v", err)
	}
	if open {
		return false, "session has an open validation transaction"
	}
	return true, ""
}
