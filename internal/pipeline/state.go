package pipeline

import (
	"fmt"
	"log"
	"sync"
)

// PipelineState is the lifecycle stage of a run
type PipelineState int

const (
	StateIdle PipelineState = iota
	StatePreprocessing
	StateAwaitingPlayable
	StateDetecting
	StatePostprocessing
	StateDone
	StateFailed
)

var stateNames = map[PipelineState]string{
	StateIdle:             "idle",
	StatePreprocessing:    "preprocessing",
	StateAwaitingPlayable: "awaiting_playable",
	StateDetecting:        "detecting",
	StatePostprocessing:   "postprocessing",
	StateDone:             "done",
	StateFailed:           "failed",
}

func (s PipelineState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("PipelineState(%d)", int(s))
}

// ParseState is the inverse of String
func ParseState(s string) (PipelineState, error) {
	for state, name := range stateNames {
		if name == s {
			return state, nil
		}
	}
	return StateIdle, fmt.Errorf("unknown pipeline state %q", s)
}

// Terminal reports whether no further transition is possible
func (s PipelineState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Forward edges; Failed is reachable from every non-terminal state
var transitions = map[PipelineState]PipelineState{
	StateIdle:             StatePreprocessing,
	StatePreprocessing:    StateAwaitingPlayable,
	StateAwaitingPlayable: StateDetecting,
	StateDetecting:        StatePostprocessing,
	StatePostprocessing:   StateDone,
}

// StateMachine owns a run's PipelineState. It is the only place the state
// is mutated.
type StateMachine struct {
	runID        string
	state        PipelineState
	reason       error
	onTransition func(from, to PipelineState, reason error)
	mu           sync.RWMutex
}

// NewStateMachine creates a machine in StateIdle. onTransition, if set, is
// called synchronously after every successful transition.
func NewStateMachine(runID string, onTransition func(from, to PipelineState, reason error)) *StateMachine {
	return &StateMachine{
		runID:        runID,
		state:        StateIdle,
		onTransition: onTransition,
	}
}

// State returns the current state
func (m *StateMachine) State() PipelineState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reason returns the failure cause once the machine is Failed
func (m *StateMachine) Reason() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Advance moves to the next state. to must be the single forward edge of
// the current state.
func (m *StateMachine) Advance(to PipelineState) error {
	m.mu.Lock()
	from := m.state
	if next, ok := transitions[from]; !ok || next != to {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	m.state = to
	m.mu.Unlock()

	log.Printf("[Pipeline] Run %s: %s -> %s", m.runID, from, to)
	if m.onTransition != nil {
		m.onTransition(from, to, nil)
	}
	return nil
}

// Fail moves to StateFailed. It returns false if the machine was already
// terminal, in which case nothing changes.
func (m *StateMachine) Fail(reason error) bool {
	if reason == nil {
		reason = fmt.Errorf("unknown failure")
	}

	m.mu.Lock()
	from := m.state
	if from.Terminal() {
		m.mu.Unlock()
		return false
	}
	m.state = StateFailed
	m.reason = reason
	m.mu.Unlock()

	log.Printf("[Pipeline] Run %s: %s -> %s (%v)", m.runID, from, StateFailed, reason)
	if m.onTransition != nil {
		m.onTransition(from, StateFailed, reason)
	}
	return true
}
