// Package recovery sweeps the on-disk state for work interrupted by
// crashes or abandonment: expired sessions, validation transactions left
// open mid-commit, and stale advisory locks. Sweeps run on invocation;
// there is no resident watcher.
package recovery

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/errs"
	"github.com/wardenhq/warden/internal/fsutil"
	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/logger"
	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/internal/records"
	"github.com/wardenhq/warden/internal/session"
	"github.com/wardenhq/warden/internal/txn"
)

// recoveryReason is stamped onto transactions the sweep aborts.
const recoveryReason = "recovery-cleanup"

// Service runs the recovery sweeps.
type Service struct {
	cfg     *config.Config
	repo    *session.Repository
	records *records.Repository
	engine  *txn.Engine
	machine *lifecycle.Machine
	log     *slog.Logger
}

// NewService wires a Service over the shared components.
func NewService(cfg *config.Config, repo *session.Repository, recs *records.Repository, engine *txn.Engine, machine *lifecycle.Machine) *Service {
	return &Service{
		cfg:     cfg,
		repo:    repo,
		records: recs,
		engine:  engine,
		machine: machine,
		log:     logger.ForComponent("recovery"),
	}
}

// RecoveredTx describes one crashed transaction the sweep finished.
type RecoveredTx struct {
	SessionID  string
	TxID       string
	Wave       string
	RolledBack bool // destinations were rewound to the pre-commit manifest
}

// LockReport describes one advisory lock found during the sweep.
type LockReport struct {
	SessionID string
	Path      string
	Info      fsutil.LockInfo
	Removed   bool
}

// Report aggregates one full sweep.
type Report struct {
	Recovered []RecoveredTx
	Expired   []string
	Locks     []LockReport
}

// Expired reports whether the session has been idle past the configured
// timeout at the given instant. Timestamps in the future beyond the clock
// skew allowance are clamped to now, so a skewed writer makes a session
// look freshly active, never negatively aged.
func (s *Service) Expired(sess *models.Session, now time.Time) bool {
	basis := sess.LastTouched()
	if basis.After(now.Add(s.cfg.Session.ClockSkew)) {
		basis = now
	}
	return now.Sub(basis) > s.cfg.Session.Timeout
}

// ExpireSessions finds idle sessions, restores their queued records to the
// global queues, and transitions them to the configured closing state. A
// session whose records cannot be restored is skipped intact and retried
// by a later sweep.
func (s *Service) ExpireSessions(ctx context.Context, now time.Time) ([]string, error) {
	sessions, err := s.repo.ListAll()
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if sess.State == s.cfg.Recovery.ClosingState || s.machine.IsFinal(lifecycle.SessionDomain, sess.State) {
			continue
		}
		if !s.Expired(sess, now) {
			continue
		}

		s.log.Info("session expired", "session", sess.ID, "state", sess.State, "lastTouched", sess.LastTouched())

		if err := s.restoreSessionRecords(sess); err != nil {
			s.log.Error("record restore failed, leaving session for next sweep", "session", sess.ID, "error", err)
			continue
		}

		gctx := lifecycle.GuardContext{Txns: s.engine}
		moved, err := s.repo.Transition(ctx, sess.ID, s.cfg.Recovery.ClosingState, "session expired", gctx)
		if err != nil {
			s.log.Error("expire transition failed", "session", sess.ID, "error", err)
			continue
		}
		stamp := now.UTC()
		moved.Meta.ExpiredAt = &stamp
		moved.Meta.Status = "expired"
		if err := s.repo.Save(ctx, moved); err != nil {
			return expired, err
		}
		expired = append(expired, sess.ID)
	}
	return expired, nil
}

type pendingMove struct {
	domain models.Domain
	id     string
	rec    *models.Transaction
}

// restoreSessionRecords moves every queued record back to its global
// queue. The per-record transactions stay open until the whole batch has
// landed; any failure rewinds the records already moved.
func (s *Service) restoreSessionRecords(sess *models.Session) error {
	var moved []pendingMove

	rollback := func(cause error) {
		for i := len(moved) - 1; i >= 0; i-- {
			mv := moved[i]
			if err := s.records.ReturnToSession(sess, mv.domain, mv.id); err != nil {
				s.log.Error("compensating rollback failed", "session", sess.ID, "record", mv.id, "error", err)
			}
			if err := s.engine.AbortRecord(mv.rec, fmt.Sprintf("compensated: %v", cause)); err != nil {
				s.log.Error("abort record transaction", "session", sess.ID, "tx", mv.rec.TxID, "error", err)
			}
		}
	}

	for _, domain := range models.Domains() {
		ids, err := s.records.ListSessionRecords(sess, domain)
		if err != nil {
			rollback(err)
			return err
		}
		for _, id := range ids {
			rec, err := s.engine.BeginRecord(sess.ID, domain, id, "claimed", "queued")
			if err != nil {
				rollback(err)
				return err
			}
			if err := s.records.RestoreToGlobal(sess, domain, id); err != nil {
				if aerr := s.engine.AbortRecord(rec, err.Error()); aerr != nil {
					s.log.Error("abort record transaction", "session", sess.ID, "tx", rec.TxID, "error", aerr)
				}
				rollback(err)
				return err
			}
			moved = append(moved, pendingMove{domain: domain, id: id, rec: rec})
		}
	}

	for _, mv := range moved {
		if err := s.engine.FinalizeRecord(mv.rec); err != nil {
			s.log.Warn("finalize record transaction", "session", sess.ID, "tx", mv.rec.TxID, "error", err)
		}
	}
	return nil
}

// RecoverTransactions finishes every validation transaction that has
// neither stamp: destinations are rewound using the pre-commit manifest
// when commit had started, the staging and snapshot trees are deleted, and
// abortedAt is stamped. Finalized and aborted transactions are never
// touched, and lock files are never removed here.
func (s *Service) RecoverTransactions(ctx context.Context) ([]RecoveredTx, error) {
	sids, err := s.sessionTxDirs()
	if err != nil {
		return nil, err
	}

	var out []RecoveredTx
	for _, sid := range sids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		metas, err := s.engine.List(sid)
		if err != nil {
			return out, err
		}
		for _, meta := range metas {
			if !meta.Open() {
				continue
			}
			rolled, err := s.finishCrashed(meta)
			if err != nil {
				return out, err
			}
			out = append(out, RecoveredTx{SessionID: sid, TxID: meta.TxID, Wave: meta.Wave, RolledBack: rolled})
			s.log.Info("crashed transaction aborted", "session", sid, "tx", meta.TxID, "rolledBack", rolled)
		}
	}
	return out, nil
}

// finishCrashed rewinds and aborts one open transaction.
func (s *Service) finishCrashed(meta *models.ValidationMeta) (bool, error) {
	const op = errs.Op("recovery.RecoverTransactions")

	vdir := s.engine.ValidationDir(meta.SessionID, meta.TxID)
	staging := filepath.Join(vdir, txn.StagingDirName)
	snapshot := filepath.Join(vdir, txn.SnapshotDirName)
	destRoot := filepath.Join(s.cfg.Roots.Evidence, meta.Wave)

	rolled := false
	if meta.CommitStarted() {
		// Overwritten files get their pre-commit content back.
		err := walkFiles(snapshot, func(rel, full string) error {
			return fsutil.CopyFile(full, filepath.Join(destRoot, rel))
		})
		if err != nil {
			return false, errs.E(op, errs.KindIO, "restore snapshot files", err)
		}
		// Files the transaction introduced are removed again.
		err = walkFiles(staging, func(rel, full string) error {
			if models.ManifestContains(meta.PreManifest, rel) {
				return nil
			}
			if rerr := os.Remove(filepath.Join(destRoot, rel)); rerr != nil && !os.IsNotExist(rerr) {
				return rerr
			}
			return nil
		})
		if err != nil {
			return false, errs.E(op, errs.KindIO, "remove published files", err)
		}
		rolled = true
	}

	if err := os.RemoveAll(staging); err != nil {
		return rolled, errs.E(op, errs.KindIO, "remove staging dir", err)
	}
	if err := os.RemoveAll(snapshot); err != nil {
		return rolled, errs.E(op, errs.KindIO, "remove snapshot dir", err)
	}

	now := time.Now().UTC()
	meta.Aborted = &now
	meta.Reason = recoveryReason
	if err := fsutil.WriteJSON(filepath.Join(vdir, txn.MetaFileName), meta); err != nil {
		return rolled, errs.E(op, errs.KindIO, "stamp abortedAt", err)
	}
	return rolled, nil
}

// CleanLocks reports every advisory lock under the tx root. Locks are
// removed only when force is set; a sweep never releases one on its own.
func (s *Service) CleanLocks(ctx context.Context, force bool) ([]LockReport, error) {
	const op = errs.Op("recovery.CleanLocks")

	sids, err := s.sessionTxDirs()
	if err != nil {
		return nil, err
	}

	var reports []LockReport
	for _, sid := range sids {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		path := s.engine.LockPath(sid)
		if !fsutil.Exists(path) {
			continue
		}
		info, err := fsutil.ReadLockInfo(path)
		if err != nil {
			s.log.Warn("unreadable lock file", "path", path, "error", err)
		}
		rep := LockReport{SessionID: sid, Path: path, Info: info}
		if force {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return reports, errs.E(op, errs.KindIO, "remove lock file", err)
			}
			rep.Removed = true
			s.log.Warn("lock forcibly removed", "session", sid, "path", path, "heldBy", info.PID)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// Sweep runs transaction recovery, session expiration, and the lock
// report in one pass.
func (s *Service) Sweep(ctx context.Context, now time.Time, forceLocks bool) (*Report, error) {
	rep := &Report{}

	recovered, err := s.RecoverTransactions(ctx)
	if err != nil {
		return rep, err
	}
	rep.Recovered = recovered

	expired, err := s.ExpireSessions(ctx, now)
	if err != nil {
		return rep, err
	}
	rep.Expired = expired

	locks, err := s.CleanLocks(ctx, forceLocks)
	if err != nil {
		return rep, err
	}
	rep.Locks = locks

	return rep, nil
}

// sessionTxDirs lists the per-session directories under the tx root.
func (s *Service) sessionTxDirs() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Roots.Tx)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.E(errs.Op("recovery.Sweep"), errs.KindIO, "read tx root", err)
	}
	var sids []string
	for _, entry := range entries {
		if entry.IsDir() {
			sids = append(sids, entry.Name())
		}
	}
	return sids, nil
}

// walkFiles calls fn for every regular file under root with its path
// relative to root. A missing root is an empty walk.
func walkFiles(root string, fn func(rel, full string) error) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		return fn(rel, path)
	})
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
