package txn

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/errs"
	"github.com/wardenhq/warden/internal/fsutil"
	"github.com/wardenhq/warden/internal/models"
)

// Record transactions are the light half of the engine: a single JSON file
// at <tx-root>/<session-id>/<tx-id>.json tracking one record move, with no
// staging and no lock. They exist so recovery can see which moves started
// and which finished.

func (e *Engine) recordPath(sessionID, txID string) string {
	return filepath.Join(e.cfg.TxDir(sessionID), txID+".json")
}

// BeginRecord opens a record transaction describing a domain record moving
// between states, e.g. a task returning from a session queue to the global
// queue.
func (e *Engine) BeginRecord(sessionID string, domain models.Domain, recordID, from, to string) (*models.Transaction, error) {
	const op = errs.Op("txn.BeginRecord")

	if err := e.cfg.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if !models.ValidDomain(domain) {
		return nil, errs.E(op, errs.KindInvalid, fmt.Sprintf("unknown domain %q", domain))
	}
	if recordID == "" {
		return nil, errs.E(op, errs.KindInvalid, "record id is empty")
	}

	rec := &models.Transaction{
		TxID:      newULID(),
		SessionID: sessionID,
		Domain:    string(domain),
		RecordID:  recordID,
		From:      from,
		To:        to,
		StartedAt: time.Now().UTC(),
	}
	if err := fsutil.WriteJSON(e.recordPath(sessionID, rec.TxID), rec); err != nil {
		return nil, errs.E(op, errs.KindIO, "write record transaction", err)
	}
	return rec, nil
}

// FinalizeRecord stamps finalizedAt. Idempotent, and a no-op if the record
// was already aborted.
func (e *Engine) FinalizeRecord(rec *models.Transaction) error {
	if rec.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	rec.Finalized = &now
	if err := fsutil.WriteJSON(e.recordPath(rec.SessionID, rec.TxID), rec); err != nil {
		return errs.E(errs.Op("txn.FinalizeRecord"), errs.KindIO, "stamp finalizedAt", err)
	}
	return nil
}

// AbortRecord stamps abortedAt with the reason. Idempotent, and a no-op if
// the record was already finalized.
func (e *Engine) AbortRecord(rec *models.Transaction, reason string) error {
	if rec.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	rec.Aborted = &now
	rec.Reason = reason
	if err := fsutil.WriteJSON(e.recordPath(rec.SessionID, rec.TxID), rec); err != nil {
		return errs.E(errs.Op("txn.AbortRecord"), errs.KindIO, "stamp abortedAt", err)
	}
	return nil
}

// ListRecords returns every record transaction for a session, newest first.
func (e *Engine) ListRecords(sessionID string) ([]*models.Transaction, error) {
	dir := e.cfg.TxDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.E(errs.Op("txn.ListRecords"), errs.KindIO, "read tx dir", err)
	}

	var recs []*models.Transaction
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var rec models.Transaction
		if err := fsutil.ReadJSON(filepath.Join(dir, entry.Name()), &rec); err != nil {
			return nil, errs.E(errs.Op("txn.ListRecords"), errs.KindState, "malformed record transaction", err)
		}
		recs = append(recs, &rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].TxID > recs[j].TxID })
	return recs, nil
}
