package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestLogger(t *testing.T, level string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.log")
	require.NoError(t, Init(path, level))
	t.Cleanup(Close)
	return path
}

func TestInitWritesToFile(t *testing.T) {
	path := initTestLogger(t, "info")

	ForComponent("txn").Info("lock acquired", "session", "sess-1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "component=txn")
	assert.Contains(t, string(data), "lock acquired")
	assert.Contains(t, string(data), "session=sess-1")
}

func TestSetDebugRaisesLevel(t *testing.T) {
	path := initTestLogger(t, "info")

	log := ForComponent("recovery")
	log.Debug("filtered-at-info")
	SetDebug(true)
	log.Debug("emitted-at-debug")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "filtered-at-info")
	assert.Contains(t, string(data), "emitted-at-debug")
}

func TestForComponentBeforeInit(t *testing.T) {
	Close()

	// Discards without panicking when Init was never called.
	ForComponent("session").Info("dropped")
}

func TestReinitReplacesFile(t *testing.T) {
	first := initTestLogger(t, "info")
	second := filepath.Join(t.TempDir(), "next.log")
	require.NoError(t, Init(second, "info"))

	ForComponent("git").Info("after reinit")

	firstData, err := os.ReadFile(first)
	require.NoError(t, err)
	secondData, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.NotContains(t, string(firstData), "after reinit")
	assert.Contains(t, string(secondData), "after reinit")
}
