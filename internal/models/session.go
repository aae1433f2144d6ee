package models

import "time"

// Session is the unit of agent work tracked on disk. Its state string always
// matches the directory partition the record lives in.
type Session struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Phase string `json:"phase,omitempty"`
	Ready bool   `json:"ready"`

	Meta Meta     `json:"meta"`
	Git  *GitInfo `json:"git"`

	ActivityLog  []ActivityEntry   `json:"activityLog"`
	StateHistory []TransitionEntry `json:"stateHistory"`
}

// Meta holds ownership and timestamps plus open-ended extra keys.
type Meta struct {
	SessionID  string            `json:"sessionId"`
	Owner      string            `json:"owner"`
	CreatedAt  time.Time         `json:"createdAt"`
	LastActive time.Time         `json:"lastActive"`
	Status     string            `json:"status,omitempty"`
	ExpiredAt  *time.Time        `json:"expiredAt,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// GitInfo binds a session to its worktree. Nil means no worktree yet;
// the three fields are always set together.
type GitInfo struct {
	WorktreePath string `json:"worktreePath"`
	BranchName   string `json:"branchName"`
	BaseBranch   string `json:"baseBranch"`
}

// ActivityEntry is one append-only activity log line.
type ActivityEntry struct {
	At   time.Time `json:"at"`
	Note string    `json:"note"`
}

// TransitionEntry records one applied state transition.
type TransitionEntry struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Touch bumps lastActive.
func (s *Session) Touch(now time.Time) {
	s.Meta.LastActive = now
}

// AddActivity appends a log entry and bumps lastActive.
func (s *Session) AddActivity(now time.Time, note string) {
	s.ActivityLog = append(s.ActivityLog, ActivityEntry{At: now, Note: note})
	s.Meta.LastActive = now
}

// RecordTransition appends exactly one history entry for an applied transition.
func (s *Session) RecordTransition(from, to string, now time.Time, reason string) {
	s.StateHistory = append(s.StateHistory, TransitionEntry{From: from, To: to, At: now, Reason: reason})
}

// HasWorktree reports whether the session carries a git binding.
func (s *Session) HasWorktree() bool {
	return s.Git != nil && s.Git.WorktreePath != ""
}

// ClaimedAt parses the optional claimedAt extra key. Zero time when absent
// or unparseable.
func (s *Session) ClaimedAt() time.Time {
	v, ok := s.Meta.Extra["claimedAt"]
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// LastTouched is the expiration basis: the latest of lastActive, claimedAt,
// and createdAt.
func (s *Session) LastTouched() time.Time {
	latest := s.Meta.CreatedAt
	if s.Meta.LastActive.After(latest) {
		latest = s.Meta.LastActive
	}
	if c := s.ClaimedAt(); c.After(latest) {
		latest = c
	}
	return latest
}
