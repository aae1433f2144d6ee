// Package session stores session records on the filesystem. The sessions
// root is partitioned by state (<sessions-root>/<state>/<id>/session.json),
// and the recorded state must always match the partition the record lives
// in; a mismatch is corruption and is reported, never repaired.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/errs"
	"github.com/wardenhq/warden/internal/fsutil"
	"github.com/wardenhq/warden/internal/lifecycle"
	"github.com/wardenhq/warden/internal/logger"
	"github.com/wardenhq/warden/internal/models"
)

// SessionFileName is the record file inside each session directory.
const SessionFileName = "session.json"

// saveLockName serializes writers of one session record.
const saveLockName = "session.lock"

// Repository reads and writes session records.
type Repository struct {
	cfg     *config.Config
	machine *lifecycle.Machine
	log     *slog.Logger
}

// NewRepository returns a Repository backed by cfg's sessions root.
func NewRepository(cfg *config.Config, machine *lifecycle.Machine) *Repository {
	return &Repository{
		cfg:     cfg,
		machine: machine,
		log:     logger.ForComponent("session"),
	}
}

// Dir returns the directory a session record lives in.
func (r *Repository) Dir(sess *models.Session) string {
	return r.cfg.SessionDir(sess.State, sess.ID)
}

type partitionHit struct {
	state string
	dir   string
}

// findPartitions scans every state partition for the id. More than one hit
// means the tree is corrupt.
func (r *Repository) findPartitions(id string) ([]partitionHit, error) {
	entries, err := os.ReadDir(r.cfg.Roots.Sessions)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.E(errs.Op("session.findPartitions"), errs.KindIO, "read sessions root", err)
	}

	var hits []partitionHit
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := r.cfg.SessionDir(entry.Name(), id)
		if fsutil.Exists(filepath.Join(dir, SessionFileName)) {
			hits = append(hits, partitionHit{state: entry.Name(), dir: dir})
		}
	}
	return hits, nil
}

// Create validates the id, refuses duplicates in any state partition, and
// writes the new record in the state machine's initial state. The tasks/
// and qa/ queue directories are created alongside.
func (r *Repository) Create(id, owner string, extra map[string]string) (*models.Session, error) {
	const op = errs.Op("session.Create")

	if err := r.cfg.ValidateSessionID(id); err != nil {
		return nil, err
	}

	hits, err := r.findPartitions(id)
	if err != nil {
		return nil, err
	}
	if len(hits) > 0 {
		return nil, errs.SessionExists(id, hits[0].state)
	}

	initial, err := r.machine.InitialState(lifecycle.SessionDomain)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:    id,
		State: initial,
		Meta: models.Meta{
			SessionID:  id,
			Owner:      owner,
			CreatedAt:  now,
			LastActive: now,
			Status:     "active",
			Extra:      extra,
		},
	}

	dir := r.Dir(sess)
	for _, d := range models.Domains() {
		if err := os.MkdirAll(filepath.Join(dir, string(d)), 0o755); err != nil {
			return nil, errs.E(op, errs.KindIO, "create session queue dir", err)
		}
	}
	if err := fsutil.WriteJSON(filepath.Join(dir, SessionFileName), sess); err != nil {
		return nil, errs.E(op, errs.KindIO, "write session record", err)
	}

	r.log.Info("session created", "session", id, "owner", owner, "state", initial)
	return sess, nil
}

// Get loads a session by id, scanning every state partition. A record
// found in more than one partition, an unparseable record, or a recorded
// state that disagrees with its partition are hard errors.
func (r *Repository) Get(id string) (*models.Session, error) {
	hits, err := r.findPartitions(id)
	if err != nil {
		return nil, err
	}
	switch len(hits) {
	case 0:
		return nil, errs.SessionNotFound(id)
	case 1:
	default:
		states := make([]string, len(hits))
		for i, h := range hits {
			states[i] = h.state
		}
		return nil, errs.SessionCorrupt(id, fmt.Sprintf("found in multiple partitions: %s", strings.Join(states, ", ")))
	}

	var sess models.Session
	if err := fsutil.ReadJSON(filepath.Join(hits[0].dir, SessionFileName), &sess); err != nil {
		return nil, errs.SessionCorrupt(id, fmt.Sprintf("unreadable record: %v", err))
	}
	if sess.State != hits[0].state {
		return nil, errs.SessionCorrupt(id,
			fmt.Sprintf("recorded state %q but stored under partition %q", sess.State, hits[0].state))
	}
	return &sess, nil
}

// Save rewrites the record inside its current partition, holding the
// session's save lock for the duration. The partition directory must
// already exist; Save never resurrects a removed session.
func (r *Repository) Save(ctx context.Context, sess *models.Session) error {
	const op = errs.Op("session.Save")

	dir := r.Dir(sess)
	if !fsutil.IsDir(dir) {
		return errs.SessionNotFound(sess.ID)
	}

	lock, err := fsutil.AcquireLock(ctx, filepath.Join(dir, saveLockName), r.cfg.Txn.LockTimeout, fsutil.LockInfo{})
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := fsutil.WriteJSON(filepath.Join(dir, SessionFileName), sess); err != nil {
		return errs.E(op, errs.KindIO, "write session record", err)
	}
	return nil
}

// Move relocates the session into another state partition: directory
// rename first, then the record rewrite. A crash between the two leaves a
// partition/state mismatch, which Get reports as corruption.
func (r *Repository) Move(ctx context.Context, sess *models.Session, newState string) error {
	if sess.State == newState {
		return r.Save(ctx, sess)
	}
	from := sess.State
	sess.State = newState
	return r.moveDir(ctx, sess, from)
}

// moveDir renames the partition dir from oldState to sess.State and then
// rewrites the record.
func (r *Repository) moveDir(ctx context.Context, sess *models.Session, oldState string) error {
	const op = errs.Op("session.Move")

	oldDir := r.cfg.SessionDir(oldState, sess.ID)
	newDir := r.Dir(sess)

	if fsutil.Exists(newDir) {
		return errs.SessionCorrupt(sess.ID, fmt.Sprintf("partition %q already occupied", sess.State))
	}
	if err := os.MkdirAll(r.cfg.StatePartition(sess.State), 0o755); err != nil {
		return errs.E(op, errs.KindIO, "create state partition", err)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return errs.E(op, errs.KindIO, fmt.Sprintf("move session to %s", sess.State), err)
	}
	return r.Save(ctx, sess)
}

// List returns every session in one state, in id order. A missing
// partition is an empty list.
func (r *Repository) List(state string) ([]*models.Session, error) {
	entries, err := os.ReadDir(r.cfg.StatePartition(state))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.E(errs.Op("session.List"), errs.KindIO, "read state partition", err)
	}

	var sessions []*models.Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := r.Get(entry.Name())
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// ListAll returns every session across all partitions, ordered by state
// then id.
func (r *Repository) ListAll() ([]*models.Session, error) {
	entries, err := os.ReadDir(r.cfg.Roots.Sessions)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.E(errs.Op("session.ListAll"), errs.KindIO, "read sessions root", err)
	}

	var all []*models.Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessions, err := r.List(entry.Name())
		if err != nil {
			return nil, err
		}
		all = append(all, sessions...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].State != all[j].State {
			return all[i].State < all[j].State
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

// Touch bumps lastActive and persists.
func (r *Repository) Touch(ctx context.Context, id string, now time.Time) (*models.Session, error) {
	sess, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	sess.Touch(now)
	if err := r.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// AddActivity appends an activity note, which also counts as a touch.
func (r *Repository) AddActivity(ctx context.Context, id, note string, now time.Time) (*models.Session, error) {
	sess, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	sess.AddActivity(now, note)
	if err := r.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Transition applies a state-machine transition and relocates the record
// into the target partition. Guard context is supplied by the caller so
// evidence and transaction checks stay pluggable.
func (r *Repository) Transition(ctx context.Context, id, to, reason string, gctx lifecycle.GuardContext) (*models.Session, error) {
	sess, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	from := sess.State
	if err := r.machine.Apply(sess, to, reason, time.Now().UTC(), gctx); err != nil {
		return nil, err
	}

	if sess.State == from {
		if err := r.Save(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}
	if err := r.moveDir(ctx, sess, from); err != nil {
		return nil, err
	}

	r.log.Info("session transitioned", "session", id, "from", from, "to", sess.State, "reason", reason)
	return sess, nil
}

// Archive compresses a final-state session into the month-partitioned
// archive and then removes the live directory. The live tree is only
// removed once the archive file exists.
func (r *Repository) Archive(ctx context.Context, id string, now time.Time) (string, error) {
	const op = errs.Op("session.Archive")

	sess, err := r.Get(id)
	if err != nil {
		return "", err
	}
	if !r.machine.IsFinal(lifecycle.SessionDomain, sess.State) {
		return "", errs.E(op, errs.KindState,
			fmt.Sprintf("session %s is %s; only final states can be archived", id, sess.State),
			errs.F{"session": id, "state": sess.State})
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := r.Dir(sess)
	dest := filepath.Join(r.cfg.Roots.Archive, "sessions", now.Format("2006-01"), id+".tar.gz")
	if fsutil.Exists(dest) {
		return "", errs.E(op, errs.KindState,
			fmt.Sprintf("archive already exists at %s", dest), errs.F{"session": id})
	}
	if err := fsutil.TarGzDir(dir, dest); err != nil {
		return "", errs.E(op, errs.KindIO, "write session archive", err)
	}
	if !fsutil.Exists(dest) {
		return "", errs.E(op, errs.KindIO, "archive missing after write", errs.F{"session": id})
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", errs.E(op, errs.KindIO, "remove live session dir", err)
	}

	r.log.Info("session archived", "session", id, "archive", dest)
	return dest, nil
}
