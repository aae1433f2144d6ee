// Package records moves task and QA records between session-scoped queues
// and the global queues. Records are opaque JSON documents; warden never
// inspects their contents, it only relocates them with single renames.
package records

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/errs"
	"github.com/wardenhq/warden/internal/fsutil"
	"github.com/wardenhq/warden/internal/logger"
	"github.com/wardenhq/warden/internal/models"
)

// Repository resolves record locations under the records root and inside
// session directories.
type Repository struct {
	cfg *config.Config
	log *slog.Logger
}

// NewRepository returns a Repository backed by cfg's records root.
func NewRepository(cfg *config.Config) *Repository {
	return &Repository{cfg: cfg, log: logger.ForComponent("records")}
}

// GlobalPath is the record's location in the global queue.
func (r *Repository) GlobalPath(domain models.Domain, id string) string {
	return filepath.Join(r.cfg.Roots.Records, string(domain), id+".json")
}

// SessionPath is the record's location inside a session's queue dir.
func (r *Repository) SessionPath(sess *models.Session, domain models.Domain, id string) string {
	return filepath.Join(r.cfg.SessionDir(sess.State, sess.ID), string(domain), id+".json")
}

func checkDomain(op errs.Op, domain models.Domain) error {
	if !models.ValidDomain(domain) {
		return errs.E(op, errs.KindConfig, fmt.Sprintf("unknown record domain %q", domain))
	}
	return nil
}

// ListSessionRecords returns the record ids queued inside the session for
// one domain, sorted.
func (r *Repository) ListSessionRecords(sess *models.Session, domain models.Domain) ([]string, error) {
	const op = errs.Op("records.ListSessionRecords")
	if err := checkDomain(op, domain); err != nil {
		return nil, err
	}
	return listIDs(op, filepath.Join(r.cfg.SessionDir(sess.State, sess.ID), string(domain)))
}

// ListGlobal returns the record ids in the global queue for one domain,
// sorted.
func (r *Repository) ListGlobal(domain models.Domain) ([]string, error) {
	const op = errs.Op("records.ListGlobal")
	if err := checkDomain(op, domain); err != nil {
		return nil, err
	}
	return listIDs(op, filepath.Join(r.cfg.Roots.Records, string(domain)))
}

func listIDs(op errs.Op, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.E(op, errs.KindIO, "read record queue", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// RestoreToGlobal moves one record from the session queue back to the
// global queue with a single rename. A record already present at the
// destination is an error; restoration never overwrites.
func (r *Repository) RestoreToGlobal(sess *models.Session, domain models.Domain, id string) error {
	const op = errs.Op("records.RestoreToGlobal")
	if err := checkDomain(op, domain); err != nil {
		return err
	}

	src := r.SessionPath(sess, domain, id)
	dst := r.GlobalPath(domain, id)
	if err := move(op, src, dst); err != nil {
		return err
	}
	r.log.Info("record restored to global queue", "session", sess.ID, "domain", string(domain), "record", id)
	return nil
}

// ReturnToSession moves one record from the global queue back into the
// session. This is the compensation direction used when a multi-record
// restore fails partway.
func (r *Repository) ReturnToSession(sess *models.Session, domain models.Domain, id string) error {
	const op = errs.Op("records.ReturnToSession")
	if err := checkDomain(op, domain); err != nil {
		return err
	}
	return move(op, r.GlobalPath(domain, id), r.SessionPath(sess, domain, id))
}

func move(op errs.Op, src, dst string) error {
	if !fsutil.Exists(src) {
		return errs.E(op, errs.KindNotFound, fmt.Sprintf("record not found at %s", src), errs.F{"path": src})
	}
	if fsutil.Exists(dst) {
		return errs.E(op, errs.KindState, fmt.Sprintf("record already exists at %s", dst), errs.F{"path": dst})
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errs.E(op, errs.KindIO, "create queue dir", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return errs.E(op, errs.KindIO, "move record", err)
	}
	return nil
}
