package rounds

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/errs"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir())
}

func TestFindLatestEmpty(t *testing.T) {
	m := newTestManager(t)

	n, path, err := m.FindLatest("task-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "", path)
}

func TestCreateNextSequence(t *testing.T) {
	m := newTestManager(t)

	n, path, err := m.CreateNext("task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.DirExists(t, path)

	n, _, err = m.CreateNext("task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNumericOrdering(t *testing.T) {
	m := newTestManager(t)

	// Create rounds 1..10 so lexical order (round-10 < round-2) would lie.
	for i := 1; i <= 10; i++ {
		_, _, err := m.CreateNext("task-1")
		require.NoError(t, err)
	}

	rounds, err := m.List("task-1")
	require.NoError(t, err)
	require.Len(t, rounds, 10)
	for i, r := range rounds {
		assert.Equal(t, i+1, r.N)
	}

	latest, _, err := m.FindLatest("task-1")
	require.NoError(t, err)
	assert.Equal(t, 10, latest)

	n, _, err := m.CreateNext("task-1")
	require.NoError(t, err)
	assert.Equal(t, 11, n)
}

func TestCreateNextConcurrent(t *testing.T) {
	m := newTestManager(t)

	const workers = 8
	var wg sync.WaitGroup
	created := make(chan int, workers)
	failed := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _, err := m.CreateNext("task-1")
			if err != nil {
				failed <- err
				return
			}
			created <- n
		}()
	}
	wg.Wait()
	close(created)
	close(failed)

	// mkdir exclusivity guarantees no two winners share a round, and every
	// loser gets the distinct collision error rather than a shared dir.
	seen := map[int]bool{}
	for n := range created {
		assert.False(t, seen[n], "round %d created twice", n)
		seen[n] = true
	}
	for err := range failed {
		assert.True(t, errs.Is(err, errs.KindEvidence))
	}
	assert.NotEmpty(t, seen)
}

func TestEnsure(t *testing.T) {
	m := newTestManager(t)

	t.Run("creates round one", func(t *testing.T) {
		path, err := m.Ensure("task-1", 1)
		require.NoError(t, err)
		assert.DirExists(t, path)
	})

	t.Run("idempotent for existing", func(t *testing.T) {
		path, err := m.Ensure("task-1", 1)
		require.NoError(t, err)
		assert.DirExists(t, path)
	})

	t.Run("creates next", func(t *testing.T) {
		path, err := m.Ensure("task-1", 2)
		require.NoError(t, err)
		assert.DirExists(t, path)
	})

	t.Run("gap fails closed", func(t *testing.T) {
		_, err := m.Ensure("task-1", 5)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindEvidence))
	})

	t.Run("zero and negative rejected", func(t *testing.T) {
		_, err := m.Ensure("task-1", 0)
		assert.True(t, errs.Is(err, errs.KindInvalid))
		_, err = m.Ensure("task-1", -3)
		assert.True(t, errs.Is(err, errs.KindInvalid))
	})
}

func TestEnsureGapInExistingRounds(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(m.Path("task-1", 1), 0o755))
	require.NoError(t, os.MkdirAll(m.Path("task-1", 4), 0o755))

	// Round 2 is inside the numeric range but missing on disk.
	_, err := m.Ensure("task-1", 2)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindEvidence))
}

func TestListIgnoresUnrelatedEntries(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.CreateNext("task-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(m.TaskDir("task-1"), "notes.md"), []byte("x"), 0o644))

	rounds, err := m.List("task-1")
	require.NoError(t, err)
	assert.Len(t, rounds, 1)
}

func TestListMalformedRoundName(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		name  string
		entry string
		dir   bool
	}{
		{"non-numeric suffix", "round-abc", true},
		{"zero round", "round-0", true},
		{"leading zero", "round-007", true},
		{"negative", "round--1", true},
		{"file instead of dir", "round-3", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			taskDir := m.TaskDir("task-" + tt.entry)
			require.NoError(t, os.MkdirAll(taskDir, 0o755))
			if tt.dir {
				require.NoError(t, os.Mkdir(filepath.Join(taskDir, tt.entry), 0o755))
			} else {
				require.NoError(t, os.WriteFile(filepath.Join(taskDir, tt.entry), []byte("x"), 0o644))
			}

			_, err := m.List("task-" + tt.entry)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindEvidence))
		})
	}
}

func TestHasApproval(t *testing.T) {
	m := newTestManager(t)

	ok, err := m.HasApproval("task-1")
	require.NoError(t, err)
	assert.False(t, ok, "no rounds means no approval")

	_, path, err := m.CreateNext("task-1")
	require.NoError(t, err)

	ok, err = m.HasApproval("task-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(path, ApprovalMarkerFile), []byte("{}"), 0o644))

	ok, err = m.HasApproval("task-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// A newer round without the marker withdraws approval.
	_, _, err = m.CreateNext("task-1")
	require.NoError(t, err)

	ok, err = m.HasApproval("task-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
