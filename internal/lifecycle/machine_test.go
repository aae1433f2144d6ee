package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/errs"
	"github.com/wardenhq/warden/internal/models"
)

type stubGuard struct {
	name   string
	ok     bool
	reason string
}

func (g stubGuard) Name() string { return g.name }

func (g stubGuard) Evaluate(GuardContext) (bool, string) { return g.ok, g.reason }

const testTableYAML = `
domains:
  session:
    states:
      created:
        initial: true
        transitions:
          - to: active
            guards: [gate]
          - to: closing
      active:
        transitions:
          - to: closing
      closing:
        transitions:
          - to: closed
      closed:
        final: true
`

func newTestMachine(t *testing.T, gateOK bool) *Machine {
	t.Helper()
	table, err := ParseTable([]byte(testTableYAML))
	require.NoError(t, err)
	m, err := NewMachine(table, map[string]Guard{
		"gate": stubGuard{name: "gate", ok: gateOK, reason: "gate closed"},
	})
	require.NoError(t, err)
	return m
}

func TestNewDefaultMachine(t *testing.T) {
	m, err := NewDefaultMachine()
	require.NoError(t, err)

	initial, err := m.InitialState(SessionDomain)
	require.NoError(t, err)
	assert.Equal(t, "created", initial)

	assert.True(t, m.IsFinal(SessionDomain, "closed"))
	assert.False(t, m.IsFinal(SessionDomain, "active"))
	assert.Contains(t, m.Domains(), "task")
	assert.Contains(t, m.Domains(), "qa")

	taskInitial, err := m.InitialState("task")
	require.NoError(t, err)
	assert.Equal(t, "queued", taskInitial)
}

func TestValidateTransition(t *testing.T) {
	m := newTestMachine(t, true)

	t.Run("configured edge", func(t *testing.T) {
		assert.NoError(t, m.ValidateTransition(SessionDomain, "created", "closing", GuardContext{}))
	})

	t.Run("self transition always allowed", func(t *testing.T) {
		assert.NoError(t, m.ValidateTransition(SessionDomain, "active", "active", GuardContext{}))
		// Even from a final state.
		assert.NoError(t, m.ValidateTransition(SessionDomain, "closed", "closed", GuardContext{}))
	})

	t.Run("unconfigured edge", func(t *testing.T) {
		err := m.ValidateTransition(SessionDomain, "active", "created", GuardContext{})
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindState))
		assert.Equal(t, "active", errs.FieldOf(err, "from"))
		assert.Equal(t, "created", errs.FieldOf(err, "to"))
	})

	t.Run("unknown source state", func(t *testing.T) {
		err := m.ValidateTransition(SessionDomain, "bogus", "active", GuardContext{})
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindState))
	})

	t.Run("unknown target state", func(t *testing.T) {
		err := m.ValidateTransition(SessionDomain, "created", "bogus", GuardContext{})
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindState))
	})

	t.Run("no exit from final state", func(t *testing.T) {
		err := m.ValidateTransition(SessionDomain, "closed", "created", GuardContext{})
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindState))
	})

	t.Run("unknown domain", func(t *testing.T) {
		err := m.ValidateTransition("bogus", "a", "b", GuardContext{})
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.KindState))
	})
}

func TestValidateTransitionGuardRejects(t *testing.T) {
	m := newTestMachine(t, false)

	err := m.ValidateTransition(SessionDomain, "created", "active", GuardContext{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindState))
	assert.Equal(t, "gate", errs.FieldOf(err, "violated_guard"))
	assert.Contains(t, err.Error(), "gate closed")
}

func TestApply(t *testing.T) {
	m := newTestMachine(t, true)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	sess := &models.Session{ID: "s1", State: "created"}

	require.NoError(t, m.Apply(sess, "active", "worktree provisioned", now, GuardContext{}))
	assert.Equal(t, "active", sess.State)
	require.Len(t, sess.StateHistory, 1)
	assert.Equal(t, models.TransitionEntry{From: "created", To: "active", At: now, Reason: "worktree provisioned"}, sess.StateHistory[0])
}

func TestApplySelfTransitionRecordsNothing(t *testing.T) {
	m := newTestMachine(t, true)
	sess := &models.Session{ID: "s1", State: "active"}

	require.NoError(t, m.Apply(sess, "active", "", time.Now(), GuardContext{}))
	assert.Empty(t, sess.StateHistory)
}

func TestApplyDeniedLeavesSessionUnchanged(t *testing.T) {
	m := newTestMachine(t, false)
	sess := &models.Session{ID: "s1", State: "created"}

	err := m.Apply(sess, "active", "", time.Now(), GuardContext{})
	require.Error(t, err)
	assert.Equal(t, "created", sess.State)
	assert.Empty(t, sess.StateHistory)
}

func TestNewMachineRejectsBadTables(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			"no initial state",
			`
domains:
  session:
    states:
      a:
        transitions: [{to: a}]
`,
		},
		{
			"two initial states",
			`
domains:
  session:
    states:
      a:
        initial: true
      b:
        initial: true
`,
		},
		{
			"edge to undefined state",
			`
domains:
  session:
    states:
      a:
        initial: true
        transitions: [{to: ghost}]
`,
		},
		{
			"duplicate edge",
			`
domains:
  session:
    states:
      a:
        initial: true
        transitions: [{to: b}, {to: b}]
      b: {}
`,
		},
		{
			"final state with transitions",
			`
domains:
  session:
    states:
      a:
        initial: true
      b:
        final: true
        transitions: [{to: a}]
`,
		},
		{
			"unknown guard",
			`
domains:
  session:
    states:
      a:
        initial: true
        transitions:
          - to: b
            guards: [nonexistent]
      b: {}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := ParseTable([]byte(tt.yaml))
			require.NoError(t, err)
			_, err = NewMachine(table, DefaultGuards())
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindConfig))
		})
	}
}

func TestParseTableRejectsEmpty(t *testing.T) {
	_, err := ParseTable([]byte("domains: {}"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}
