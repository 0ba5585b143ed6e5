package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusRunFilter(t *testing.T) {
	bus := NewEventBus()
	all := &eventRecorder{}
	one := &eventRecorder{}

	unsubAll := bus.Subscribe(all)
	bus.SubscribeRun("a", one)

	bus.Publish(&RunEvent{Type: EventState, RunID: "a", State: StateDetecting})
	bus.Publish(&RunEvent{Type: EventState, RunID: "b", State: StateDone})

	assert.Len(t, all.events, 2)
	require.Len(t, one.events, 1)
	assert.Equal(t, "detecting", one.events[0].StateName)
	assert.False(t, one.events[0].Timestamp.IsZero())

	unsubAll()
	bus.Publish(&RunEvent{Type: EventState, RunID: "a"})
	assert.Len(t, all.events, 2)
	assert.Len(t, one.events, 2)
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestEventBusClose(t *testing.T) {
	bus := NewEventBus()
	rec := &eventRecorder{}
	bus.Subscribe(rec)
	bus.SubscribeRun("a", rec)

	bus.Close()
	assert.Zero(t, bus.SubscriberCount())
	bus.Publish(&RunEvent{Type: EventState, RunID: "a"})
	assert.Empty(t, rec.events)
}

func TestObserverAdapter(t *testing.T) {
	obs := &recordingObserver{}
	adapter := NewObserverAdapter(obs)
	cause := errors.New("boom")

	adapter.OnRunEvent(&RunEvent{Type: EventWaiting, Message: "Preprocessing video..."})
	adapter.OnRunEvent(&RunEvent{Type: EventProgress, FramesProcessed: 10})
	adapter.OnRunEvent(&RunEvent{Type: EventFailed, Err: cause})
	adapter.OnRunEvent(&RunEvent{Type: EventComplete, ArtifactURL: "file:///tmp/x.mp4"})

	assert.Equal(t, []string{"Preprocessing video..."}, obs.waiting)
	assert.Equal(t, []error{cause}, obs.failures)
	assert.Equal(t, []string{"file:///tmp/x.mp4"}, obs.complete)
}

func TestObserverAdapterProgress(t *testing.T) {
	obs := &progressObserver{}
	adapter := NewObserverAdapter(obs)

	adapter.OnRunEvent(&RunEvent{Type: EventProgress, FramesProcessed: 15})
	adapter.OnRunEvent(&RunEvent{Type: EventProgress, FramesProcessed: 30})
	adapter.OnRunEvent(&RunEvent{Type: EventWaiting, Message: "Preparing download..."})

	assert.Equal(t, []uint64{15, 30}, obs.frames)
	assert.Equal(t, []string{"Preparing download..."}, obs.waiting)
}
