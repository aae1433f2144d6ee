package records

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/errs"
	"github.com/wardenhq/warden/internal/fsutil"
	"github.com/wardenhq/warden/internal/models"
)

func newTestRepo(t *testing.T) (*Repository, *config.Config) {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v, t.TempDir())
	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	return NewRepository(cfg), cfg
}

func testSession(id string) *models.Session {
	return &models.Session{ID: id, State: "active"}
}

func plant(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"title":"opaque"}`), 0o644))
}

func TestRestoreToGlobal(t *testing.T) {
	repo, _ := newTestRepo(t)
	sess := testSession("sess-1")

	src := repo.SessionPath(sess, models.DomainTasks, "task-3")
	plant(t, src)

	require.NoError(t, repo.RestoreToGlobal(sess, models.DomainTasks, "task-3"))
	assert.False(t, fsutil.Exists(src))

	data, err := os.ReadFile(repo.GlobalPath(models.DomainTasks, "task-3"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"opaque"}`, string(data))
}

func TestRestoreToGlobalRefusesOverwrite(t *testing.T) {
	repo, _ := newTestRepo(t)
	sess := testSession("sess-1")

	plant(t, repo.SessionPath(sess, models.DomainQA, "qa-1"))
	plant(t, repo.GlobalPath(models.DomainQA, "qa-1"))

	err := repo.RestoreToGlobal(sess, models.DomainQA, "qa-1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindState))

	// Session copy untouched after the refused move.
	assert.True(t, fsutil.Exists(repo.SessionPath(sess, models.DomainQA, "qa-1")))
}

func TestRestoreToGlobalMissingRecord(t *testing.T) {
	repo, _ := newTestRepo(t)

	err := repo.RestoreToGlobal(testSession("sess-1"), models.DomainTasks, "ghost")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestReturnToSessionCompensates(t *testing.T) {
	repo, _ := newTestRepo(t)
	sess := testSession("sess-1")

	plant(t, repo.SessionPath(sess, models.DomainTasks, "task-1"))
	require.NoError(t, repo.RestoreToGlobal(sess, models.DomainTasks, "task-1"))
	require.NoError(t, repo.ReturnToSession(sess, models.DomainTasks, "task-1"))

	assert.True(t, fsutil.Exists(repo.SessionPath(sess, models.DomainTasks, "task-1")))
	assert.False(t, fsutil.Exists(repo.GlobalPath(models.DomainTasks, "task-1")))
}

func TestUnknownDomain(t *testing.T) {
	repo, _ := newTestRepo(t)
	sess := testSession("sess-1")

	err := repo.RestoreToGlobal(sess, models.Domain("invoices"), "r-1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))

	_, err = repo.ListGlobal(models.Domain("invoices"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestListing(t *testing.T) {
	repo, _ := newTestRepo(t)
	sess := testSession("sess-1")

	for _, id := range []string{"task-2", "task-1"} {
		plant(t, repo.SessionPath(sess, models.DomainTasks, id))
	}
	plant(t, repo.GlobalPath(models.DomainTasks, "task-9"))
	// Non-record clutter is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(repo.GlobalPath(models.DomainTasks, "x")), "README"), []byte("hi"), 0o644))

	inSession, err := repo.ListSessionRecords(sess, models.DomainTasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1", "task-2"}, inSession)

	global, err := repo.ListGlobal(models.DomainTasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-9"}, global)

	empty, err := repo.ListGlobal(models.DomainQA)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
