// Package rounds manages the numbered evidence round directories under
// each task's evidence tree. Round numbers are strictly ordered numerically
// (round-2 sorts before round-10) and mkdir exclusivity is the arbiter when
// two agents race to open the same round.
package rounds

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/wardenhq/warden/internal/errs"
)

// ApprovalMarkerFile is the evidence file whose presence in a task's latest
// round marks the bundle as approved.
const ApprovalMarkerFile = "bundle-approved.json"

var roundNameRe = regexp.MustCompile(`^round-(\d+)$`)

// Round is one evidence round on disk.
type Round struct {
	N    int
	Path string
}

// Manager reads and creates round directories under one evidence root.
type Manager struct {
	root string
}

// NewManager returns a Manager rooted at evidenceRoot.
func NewManager(evidenceRoot string) *Manager {
	return &Manager{root: evidenceRoot}
}

// TaskDir is the evidence directory for a task.
func (m *Manager) TaskDir(taskID string) string {
	return filepath.Join(m.root, taskID)
}

// Path is the deterministic location of round n for a task. No filesystem
// access happens here.
func (m *Manager) Path(taskID string, n int) string {
	return filepath.Join(m.root, taskID, fmt.Sprintf("round-%d", n))
}

// List returns the task's rounds sorted numerically. A directory whose name
// starts with "round-" but is not a canonical round name is malformed
// on-disk state and fails the whole listing; unrelated entries are ignored.
func (m *Manager) List(taskID string) ([]Round, error) {
	entries, err := os.ReadDir(m.TaskDir(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.E(errs.Op("rounds.List"), errs.KindIO, fmt.Sprintf("read evidence dir for %s", taskID), err)
	}

	var out []Round
	for _, e := range entries {
		name := e.Name()
		match := roundNameRe.FindStringSubmatch(name)
		if match == nil {
			if len(name) >= 6 && name[:6] == "round-" {
				return nil, malformedRound(taskID, name, "name does not parse as round-N")
			}
			continue
		}
		n, err := strconv.Atoi(match[1])
		if err != nil || n < 1 || fmt.Sprintf("round-%d", n) != name {
			return nil, malformedRound(taskID, name, "round number must be a positive integer in canonical form")
		}
		if !e.IsDir() {
			return nil, malformedRound(taskID, name, "round entry is not a directory")
		}
		out = append(out, Round{N: n, Path: m.Path(taskID, n)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].N < out[j].N })
	return out, nil
}

// FindLatest returns the highest round number and its path, or 0 and ""
// when the task has no rounds yet.
func (m *Manager) FindLatest(taskID string) (int, string, error) {
	rounds, err := m.List(taskID)
	if err != nil {
		return 0, "", err
	}
	if len(rounds) == 0 {
		return 0, "", nil
	}
	last := rounds[len(rounds)-1]
	return last.N, last.Path, nil
}

// CreateNext creates the next round directory (latest+1, or round-1 for a
// fresh task). A concurrent winner surfaces as a distinct collision error;
// the caller retries or re-reads, it never ends up sharing a round.
func (m *Manager) CreateNext(taskID string) (int, string, error) {
	if err := os.MkdirAll(m.TaskDir(taskID), 0o755); err != nil {
		return 0, "", errs.E(errs.Op("rounds.CreateNext"), errs.KindIO, "create evidence dir", err)
	}
	latest, _, err := m.FindLatest(taskID)
	if err != nil {
		return 0, "", err
	}

	n := latest + 1
	path := m.Path(taskID, n)
	if err := os.Mkdir(path, 0o755); err != nil {
		if os.IsExist(err) {
			return 0, "", errs.E(errs.Op("rounds.CreateNext"), errs.KindEvidence,
				fmt.Sprintf("round-%d for %s already exists (lost creation race)", n, taskID),
				errs.F{"task": taskID, "round": strconv.Itoa(n)})
		}
		return 0, "", errs.E(errs.Op("rounds.CreateNext"), errs.KindIO, "create round dir", err)
	}
	return n, path, nil
}

// Ensure makes round n exist. Existing rounds are idempotent successes; a
// request for exactly latest+1 creates it; anything else would leave a gap
// and fails closed.
func (m *Manager) Ensure(taskID string, n int) (string, error) {
	if n < 1 {
		return "", errs.E(errs.Op("rounds.Ensure"), errs.KindInvalid,
			fmt.Sprintf("round number must be >= 1, got %d", n))
	}

	rounds, err := m.List(taskID)
	if err != nil {
		return "", err
	}
	latest := 0
	exists := false
	for _, r := range rounds {
		if r.N > latest {
			latest = r.N
		}
		if r.N == n {
			exists = true
		}
	}
	path := m.Path(taskID, n)

	switch {
	case exists:
		return path, nil
	case n == latest+1:
		if err := os.MkdirAll(m.TaskDir(taskID), 0o755); err != nil {
			return "", errs.E(errs.Op("rounds.Ensure"), errs.KindIO, "create evidence dir", err)
		}
		if err := os.Mkdir(path, 0o755); err != nil {
			if os.IsExist(err) {
				return path, nil
			}
			return "", errs.E(errs.Op("rounds.Ensure"), errs.KindIO, "create round dir", err)
		}
		return path, nil
	default:
		return "", errs.E(errs.Op("rounds.Ensure"), errs.KindEvidence,
			fmt.Sprintf("round-%d for %s would leave a gap (latest is round-%d)", n, taskID, latest),
			errs.F{"task": taskID, "round": strconv.Itoa(n), "latest": strconv.Itoa(latest)})
	}
}

// HasApproval reports whether the latest round contains the approval
// marker. A task with no rounds has no approval.
func (m *Manager) HasApproval(taskID string) (bool, error) {
	_, path, err := m.FindLatest(taskID)
	if err != nil {
		return false, err
	}
	if path == "" {
		return false, nil
	}
	_, err = os.Stat(filepath.Join(path, ApprovalMarkerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func malformedRound(taskID, name, detail string) error {
	return errs.E(errs.Op("rounds.List"), errs.KindEvidence,
		fmt.Sprintf("malformed round directory %q for %s: %s", name, taskID, detail),
		errs.F{"task": taskID, "entry": name})
}
