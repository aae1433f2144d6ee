package models

import "time"

// Transaction is the lightweight record wrapping a non-evidence state
// change, such as restoring a session-scoped record to a global queue.
type Transaction struct {
	TxID      string     `json:"txId"`
	SessionID string     `json:"sessionId"`
	Domain    string     `json:"domain"`
	RecordID  string     `json:"recordId"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	StartedAt time.Time  `json:"startedAt"`
	Finalized *time.Time `json:"finalizedAt"`
	Aborted   *time.Time `json:"abortedAt"`
	Reason    string     `json:"reason,omitempty"`
}

// Terminal reports whether the transaction has been finalized or aborted.
func (t *Transaction) Terminal() bool {
	return t.Finalized != nil || t.Aborted != nil
}

// ValidationMeta is the durable record of a validation transaction. It lives
// at <tx-root>/<session-id>/validation/<tx-id>/meta.json next to the
// staging/ and snapshot/ trees.
type ValidationMeta struct {
	TxID        string          `json:"txId"`
	SessionID   string          `json:"sessionId"`
	Wave        string          `json:"wave"`
	StartedAt   time.Time       `json:"startedAt"`
	Finalized   *time.Time      `json:"finalizedAt"`
	Aborted     *time.Time      `json:"abortedAt"`
	Reason      string          `json:"reason,omitempty"`
	PreManifest []ManifestEntry `json:"preManifest"`
}

// Terminal reports whether the transaction has been finalized or aborted.
func (m *ValidationMeta) Terminal() bool {
	return m.Finalized != nil || m.Aborted != nil
}

// Open reports a transaction that was begun but never finalized or aborted.
// During recovery this is the signature of a crash mid-transaction.
func (m *ValidationMeta) Open() bool {
	return !m.Terminal()
}

// CommitStarted reports whether commit got far enough to capture the
// pre-commit manifest, meaning destinations may have been partially written.
func (m *ValidationMeta) CommitStarted() bool {
	return m.PreManifest != nil
}

// ManifestEntry describes one evidence file as it existed before commit.
type ManifestEntry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// ManifestContains reports whether the manifest holds the given relative path.
func ManifestContains(entries []ManifestEntry, relPath string) bool {
	for _, e := range entries {
		if e.Path == relPath {
			return true
		}
	}
	return false
}
