// Package txn implements warden's transactions: the staged, snapshot-backed
// validation transactions that publish evidence all-or-nothing, and the
// lightweight records wrapping non-evidence moves. There is no storage
// engine underneath; the directory triple (meta.json, staging/, snapshot/)
// plus the per-session lock file carries the whole protocol.
package txn

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/errs"
	"github.com/wardenhq/warden/internal/fsutil"
	"github.com/wardenhq/warden/internal/logger"
	"github.com/wardenhq/warden/internal/models"
)

// LockFileName is the per-session advisory lock scoping validation
// transactions.
const LockFileName = "validation.lock"

// MetaFileName is the durable transaction record inside each transaction
// directory.
const MetaFileName = "meta.json"

// StagingDirName and SnapshotDirName are the two trees inside a
// transaction directory: staged writes and pre-overwrite copies.
const (
	StagingDirName  = "staging"
	SnapshotDirName = "snapshot"
)

// Engine begins and finalizes transactions under one tx root.
type Engine struct {
	cfg *config.Config
	log *slog.Logger

	// Function seams so tests can inject disk-full and copy failures at
	// exact points in the commit sequence.
	diskFree func(string) (uint64, error)
	copyFile func(src, dst string) error
}

// NewEngine returns an Engine using the real filesystem.
func NewEngine(cfg *config.Config) *Engine {
	return &Engine{
		cfg:      cfg,
		log:      logger.ForComponent("txn"),
		diskFree: fsutil.DiskFree,
		copyFile: fsutil.CopyFile,
	}
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// LockPath is the advisory lock file for a session.
func (e *Engine) LockPath(sessionID string) string {
	return filepath.Join(e.cfg.TxDir(sessionID), LockFileName)
}

// ValidationDir is the directory triple root for one transaction.
func (e *Engine) ValidationDir(sessionID, txID string) string {
	return filepath.Join(e.cfg.TxDir(sessionID), "validation", txID)
}

func (e *Engine) metaPath(sessionID, txID string) string {
	return filepath.Join(e.ValidationDir(sessionID, txID), MetaFileName)
}

// Tx is one open validation transaction. All writes land in its staging
// tree; nothing under the evidence root changes until Commit.
type Tx struct {
	engine *Engine
	meta   models.ValidationMeta
	lock   *fsutil.Lock
}

// ID returns the transaction id.
func (t *Tx) ID() string { return t.meta.TxID }

// SessionID returns the owning session.
func (t *Tx) SessionID() string { return t.meta.SessionID }

// Wave returns the evidence wave the transaction publishes into.
func (t *Tx) Wave() string { return t.meta.Wave }

// StagingRoot returns the staging directory, which mirrors the final
// layout under <evidence-root>/<wave>/.
func (t *Tx) StagingRoot() string {
	return filepath.Join(t.engine.ValidationDir(t.meta.SessionID, t.meta.TxID), StagingDirName)
}

// SnapshotRoot returns the directory holding pre-overwrite copies.
func (t *Tx) SnapshotRoot() string {
	return filepath.Join(t.engine.ValidationDir(t.meta.SessionID, t.meta.TxID), SnapshotDirName)
}

func (t *Tx) destRoot() string {
	return filepath.Join(t.engine.cfg.Roots.Evidence, t.meta.Wave)
}

// Begin opens a validation transaction for the session and wave. It takes
// the session's advisory lock (waiting up to the configured timeout),
// creates the staging/snapshot pair, persists the meta record, and runs a
// minimum-headroom disk preflight. Exactly one transaction per session can
// be open at a time.
func (e *Engine) Begin(ctx context.Context, sessionID, wave string) (*Tx, error) {
	const op = errs.Op("txn.Begin")

	if err := e.cfg.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := validateWave(wave); err != nil {
		return nil, err
	}

	txID := newULID()
	lock, err := fsutil.AcquireLock(ctx, e.LockPath(sessionID), e.cfg.Txn.LockTimeout, fsutil.LockInfo{TxID: txID})
	if err != nil {
		return nil, err
	}

	cleanup := func() {
		os.RemoveAll(e.ValidationDir(sessionID, txID))
		lock.Release()
	}

	free, err := e.diskFree(e.cfg.Roots.Tx)
	if err != nil {
		cleanup()
		return nil, errs.E(op, errs.KindIO, "disk preflight", err)
	}
	if required := fsutil.RequiredWithHeadroom(0, e.cfg.Txn.MinFreeBytes); free < required {
		cleanup()
		return nil, errs.InsufficientDiskSpace(e.cfg.Roots.Tx, required, free)
	}

	tx := &Tx{
		engine: e,
		meta: models.ValidationMeta{
			TxID:      txID,
			SessionID: sessionID,
			Wave:      wave,
			StartedAt: time.Now().UTC(),
		},
		lock: lock,
	}

	if err := os.MkdirAll(tx.StagingRoot(), 0o755); err != nil {
		cleanup()
		return nil, errs.E(op, errs.KindIO, "create staging dir", err)
	}
	if err := os.MkdirAll(tx.SnapshotRoot(), 0o755); err != nil {
		cleanup()
		return nil, errs.E(op, errs.KindIO, "create snapshot dir", err)
	}
	if err := fsutil.WriteJSON(e.metaPath(sessionID, txID), tx.meta); err != nil {
		cleanup()
		return nil, errs.E(op, errs.KindIO, "write transaction meta", err)
	}

	e.log.Info("transaction begun", "session", sessionID, "wave", wave, "tx", txID)
	return tx, nil
}

// Write stages data at relPath. The final evidence tree is untouched.
func (t *Tx) Write(relPath string, data []byte) error {
	staged, err := t.stagedPath("txn.Write", relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		return errs.E(errs.Op("txn.Write"), errs.KindIO, "create staging subdir", err)
	}
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return errs.E(errs.Op("txn.Write"), classify(err), fmt.Sprintf("stage %s", relPath), err)
	}
	return nil
}

// WriteFile stages a copy of an existing file at relPath.
func (t *Tx) WriteFile(relPath, src string) error {
	staged, err := t.stagedPath("txn.WriteFile", relPath)
	if err != nil {
		return err
	}
	if err := fsutil.CopyFile(src, staged); err != nil {
		return errs.E(errs.Op("txn.WriteFile"), classify(err), fmt.Sprintf("stage %s", relPath), err)
	}
	return nil
}

// stagedPath validates relPath and resolves it inside the staging root.
// Absolute paths and anything escaping the root after cleaning are
// rejected; a transaction can only ever touch its own wave.
func (t *Tx) stagedPath(op errs.Op, relPath string) (string, error) {
	if t.meta.Terminal() {
		return "", t.terminalErr(op)
	}
	clean, err := cleanRel(relPath)
	if err != nil {
		return "", errs.E(op, errs.KindInvalid, err.Error(), errs.F{"path": relPath})
	}
	return filepath.Join(t.StagingRoot(), clean), nil
}

func cleanRel(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("absolute path not allowed")
	}
	clean := filepath.Clean(relPath)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes staging root")
	}
	return clean, nil
}

func (t *Tx) terminalErr(op errs.Op) error {
	if t.meta.Finalized != nil {
		return errs.E(op, errs.KindState, "transaction already finalized", errs.F{"tx": t.meta.TxID})
	}
	return errs.E(op, errs.KindState, "transaction already aborted", errs.F{"tx": t.meta.TxID})
}

type stagedFile struct {
	rel  string
	size int64
}

// listStaged enumerates the staging tree, sorted by relative path so the
// publish order is deterministic.
func (t *Tx) listStaged() ([]stagedFile, error) {
	var files []stagedFile
	root := t.StagingRoot()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, stagedFile{rel: rel, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, nil
}

// captureManifest records path/size/mtime for every file currently under
// the wave's evidence subtree, whether or not this transaction touches it.
func (t *Tx) captureManifest() ([]models.ManifestEntry, error) {
	entries := make([]models.ManifestEntry, 0)
	root := t.destRoot()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, models.ManifestEntry{Path: rel, Size: info.Size(), ModTime: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Commit publishes the staged files into the wave's evidence subtree.
// Sequence: enumerate staged files, price in the backup copies, preflight
// disk space, persist the pre-commit manifest, then per file snapshot any
// existing destination before overwriting it. Only after every file is
// published is finalizedAt stamped and the lock released. A failure at any
// point leaves both stamps unset, which is exactly the state the recovery
// service knows how to finish.
func (t *Tx) Commit(ctx context.Context) error {
	const op = errs.Op("txn.Commit")

	// Idempotent, and a no-op after Abort.
	if t.meta.Terminal() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	staged, err := t.listStaged()
	if err != nil {
		return errs.E(op, errs.KindIO, "enumerate staged files", err)
	}

	var stagedBytes, backupBytes uint64
	destRoot := t.destRoot()
	for _, f := range staged {
		stagedBytes += uint64(f.size)
		if info, err := os.Stat(filepath.Join(destRoot, f.rel)); err == nil {
			backupBytes += uint64(info.Size())
		}
	}

	free, err := t.engine.diskFree(t.engine.cfg.Roots.Evidence)
	if err != nil {
		return errs.E(op, errs.KindIO, "disk preflight", err)
	}
	if required := fsutil.RequiredWithHeadroom(stagedBytes+backupBytes, t.engine.cfg.Txn.MinFreeBytes); free < required {
		return errs.InsufficientDiskSpace(t.engine.cfg.Roots.Evidence, required, free)
	}

	manifest, err := t.captureManifest()
	if err != nil {
		return errs.E(op, errs.KindIO, "capture pre-commit manifest", err)
	}
	t.meta.PreManifest = manifest
	if err := t.persistMeta(); err != nil {
		return errs.E(op, errs.KindIO, "persist pre-commit manifest", err)
	}

	for _, f := range staged {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest := filepath.Join(destRoot, f.rel)
		if fsutil.Exists(dest) {
			if err := t.engine.copyFile(dest, filepath.Join(t.SnapshotRoot(), f.rel)); err != nil {
				return errs.E(op, classify(err), fmt.Sprintf("snapshot %s", f.rel), err)
			}
		}
		if err := t.engine.copyFile(filepath.Join(t.StagingRoot(), f.rel), dest); err != nil {
			return errs.E(op, classify(err), fmt.Sprintf("publish %s", f.rel), err)
		}
	}

	now := time.Now().UTC()
	t.meta.Finalized = &now
	if err := t.persistMeta(); err != nil {
		return errs.E(op, errs.KindIO, "stamp finalizedAt", err)
	}
	if err := t.lock.Release(); err != nil {
		t.engine.log.Warn("release lock after commit", "tx", t.meta.TxID, "error", err)
	}

	t.engine.log.Info("transaction committed",
		"session", t.meta.SessionID, "wave", t.meta.Wave, "tx", t.meta.TxID, "files", len(staged))
	return nil
}

// Abort discards the staging and snapshot trees and stamps abortedAt.
// Idempotent, and a no-op after Commit.
func (t *Tx) Abort(ctx context.Context, reason string) error {
	const op = errs.Op("txn.Abort")

	if t.meta.Terminal() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.RemoveAll(t.StagingRoot()); err != nil {
		return errs.E(op, errs.KindIO, "remove staging dir", err)
	}
	if err := os.RemoveAll(t.SnapshotRoot()); err != nil {
		return errs.E(op, errs.KindIO, "remove snapshot dir", err)
	}

	now := time.Now().UTC()
	t.meta.Aborted = &now
	t.meta.Reason = reason
	if err := t.persistMeta(); err != nil {
		return errs.E(op, errs.KindIO, "stamp abortedAt", err)
	}
	if err := t.lock.Release(); err != nil {
		t.engine.log.Warn("release lock after abort", "tx", t.meta.TxID, "error", err)
	}

	t.engine.log.Info("transaction aborted",
		"session", t.meta.SessionID, "wave", t.meta.Wave, "tx", t.meta.TxID, "reason", reason)
	return nil
}

func (t *Tx) persistMeta() error {
	return fsutil.WriteJSON(t.engine.metaPath(t.meta.SessionID, t.meta.TxID), t.meta)
}

// RunInTransaction begins a transaction, runs fn against it, and commits
// on success. fn returning an error (or panicking) aborts with the error
// as the recorded reason.
func (e *Engine) RunInTransaction(ctx context.Context, sessionID, wave string, fn func(*Tx) error) error {
	tx, err := e.Begin(ctx, sessionID, wave)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Abort(ctx, fmt.Sprintf("panic: %v", p))
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if aerr := tx.Abort(ctx, err.Error()); aerr != nil {
			e.log.Warn("abort after failed transaction fn", "tx", tx.ID(), "error", aerr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// LoadMeta reads one transaction's meta record.
func (e *Engine) LoadMeta(sessionID, txID string) (*models.ValidationMeta, error) {
	var meta models.ValidationMeta
	if err := fsutil.ReadJSON(e.metaPath(sessionID, txID), &meta); err != nil {
		if os.IsNotExist(err) {
			return nil, errs.E(errs.Op("txn.LoadMeta"), errs.KindNotFound,
				fmt.Sprintf("transaction %s not found for session %s", txID, sessionID))
		}
		return nil, errs.E(errs.Op("txn.LoadMeta"), errs.KindState, "malformed transaction meta", err)
	}
	return &meta, nil
}

// List returns every validation transaction recorded for a session, newest
// first (ULIDs sort chronologically).
func (e *Engine) List(sessionID string) ([]*models.ValidationMeta, error) {
	dir := filepath.Join(e.cfg.TxDir(sessionID), "validation")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.E(errs.Op("txn.List"), errs.KindIO, "read validation dir", err)
	}

	var metas []*models.ValidationMeta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := e.LoadMeta(sessionID, entry.Name())
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].TxID > metas[j].TxID })
	return metas, nil
}

// HasOpen reports whether the session has a transaction that is neither
// finalized nor aborted. Implements the guard-facing checker.
func (e *Engine) HasOpen(sessionID string) (bool, error) {
	metas, err := e.List(sessionID)
	if err != nil {
		return false, err
	}
	for _, m := range metas {
		if m.Open() {
			return true, nil
		}
	}
	return false, nil
}

func validateWave(wave string) error {
	if wave == "" {
		return errs.E(errs.Op("txn.Begin"), errs.KindInvalid, "wave is empty")
	}
	if strings.ContainsAny(wave, "/\\") || wave == "." || wave == ".." {
		return errs.E(errs.Op("txn.Begin"), errs.KindInvalid,
			fmt.Sprintf("wave %q must be a single path segment", wave), errs.F{"wave": wave})
	}
	return nil
}

// classify maps an OS error to the taxonomy: permission problems keep
// their identity, everything else is IO.
func classify(err error) errs.Kind {
	if errors.Is(err, fs.ErrPermission) {
		return errs.KindPermission
	}
	return errs.KindIO
}
