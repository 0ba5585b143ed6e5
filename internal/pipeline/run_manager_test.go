package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("run %s did not finish", run.ID)
	}
}

func TestRunManagerStart(t *testing.T) {
	h := newHarness(t, 3)
	m := NewRunManager(h.deps, h.bus, []string{"multiFace"}, 1)
	defer m.Close()

	events := &eventRecorder{}
	m.Subscribe(events)

	run, err := m.Start(testUpload(), DefaultOptions())
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	waitDone(t, run)
	assert.Equal(t, StateDone, run.State())

	got, ok := m.Get(run.ID)
	require.True(t, ok)
	assert.Same(t, run, got)
	assert.Len(t, m.List(), 1)
	assert.NotEmpty(t, events.states())

	// Terminal runs cannot be stopped but can be forgotten
	assert.ErrorIs(t, m.Stop(run.ID), ErrRunTerminal)
	require.NoError(t, m.Forget(run.ID))
	_, ok = m.Get(run.ID)
	assert.False(t, ok)
}

func TestRunManagerRejectsInvalidOptions(t *testing.T) {
	h := newHarness(t, 1)
	m := NewRunManager(h.deps, nil, []string{"multiFace"}, 0)
	defer m.Close()

	opts := DefaultOptions()
	opts.Toggles["unknown"] = true
	_, err := m.Start(testUpload(), opts)
	assert.Error(t, err)
	assert.Empty(t, m.List())
}

func TestRunManagerUnknownRun(t *testing.T) {
	m := NewRunManager(Dependencies{}, nil, nil, 0)
	defer m.Close()

	assert.ErrorIs(t, m.Stop("missing"), ErrRunNotFound)
	assert.ErrorIs(t, m.Forget("missing"), ErrRunNotFound)
}

func TestRunManagerListOrder(t *testing.T) {
	h := newHarness(t, 1)
	m := NewRunManager(h.deps, nil, nil, 0)
	defer m.Close()

	first, err := m.Create(testUpload(), DefaultOptions())
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := m.Create(testUpload(), DefaultOptions())
	require.NoError(t, err)

	runs := m.List()
	require.Len(t, runs, 2)
	assert.Equal(t, first.ID, runs[0].ID)
	assert.Equal(t, second.ID, runs[1].ID)
	assert.Equal(t, StateIdle, second.State())
}
