package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned for an unknown run ID
var ErrRunNotFound = errors.New("run not found")

// ErrRunTerminal is returned when stopping a run that already finished
var ErrRunTerminal = errors.New("run already finished")

// RunManager starts and tracks anonymization runs
type RunManager struct {
	runs     map[string]*Run
	started  map[string]time.Time
	deps     Dependencies
	eventBus *EventBus
	known    []string
	slots    chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

// NewRunManager creates a manager. known lists the valid toggle names and
// maxConcurrent bounds the number of runs executing at once (0 = unbounded).
func NewRunManager(deps Dependencies, eventBus *EventBus, known []string, maxConcurrent int) *RunManager {
	if eventBus == nil {
		eventBus = NewEventBus()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &RunManager{
		runs:     make(map[string]*Run),
		started:  make(map[string]time.Time),
		deps:     deps,
		eventBus: eventBus,
		known:    known,
		ctx:      ctx,
		cancel:   cancel,
	}
	if maxConcurrent > 0 {
		m.slots = make(chan struct{}, maxConcurrent)
	}
	return m
}

// EventBus returns the bus all runs publish on
func (m *RunManager) EventBus() *EventBus {
	return m.eventBus
}

// Create validates the options and registers a new idle run without
// starting it
func (m *RunManager) Create(upload Upload, opts PipelineOptions) (*Run, error) {
	if err := opts.Validate(m.known); err != nil {
		return nil, err
	}

	run := NewRun(uuid.New().String(), upload, opts, m.deps, m.eventBus)

	m.mu.Lock()
	m.runs[run.ID] = run
	m.started[run.ID] = time.Now()
	m.mu.Unlock()
	return run, nil
}

// Start creates a run and executes it in the background
func (m *RunManager) Start(upload Upload, opts PipelineOptions) (*Run, error) {
	run, err := m.Create(upload, opts)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if m.slots != nil {
			select {
			case m.slots <- struct{}{}:
				defer func() { <-m.slots }()
			case <-m.ctx.Done():
				run.machine.Fail(m.ctx.Err())
				close(run.done)
				return
			}
		}

		if _, err := run.Execute(m.ctx); err != nil {
			log.Printf("[Pipeline] Run %s failed: %v", run.ID, err)
		}
	}()

	log.Printf("[Pipeline] Started run %s for %s (rate %.2f, scale %.2f, toggles %v)",
		run.ID, upload.Name, opts.PlaybackRate, opts.ScaleFactor, opts.EnabledToggles())
	return run, nil
}

// Get returns a run by ID
func (m *RunManager) Get(runID string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	return run, ok
}

// List returns all known runs, oldest first
func (m *RunManager) List() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return m.started[runs[i].ID].Before(m.started[runs[j].ID])
	})
	return runs
}

// Stop halts playback of a run
func (m *RunManager) Stop(runID string) error {
	run, ok := m.Get(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.State().Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, run.State())
	}
	run.Stop()
	return nil
}

// Forget removes a terminal run from the manager
func (m *RunManager) Forget(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if !run.State().Terminal() {
		return fmt.Errorf("run %s is still %s", runID, run.State())
	}
	delete(m.runs, runID)
	delete(m.started, runID)
	return nil
}

// Subscribe registers a handler for events from all runs
func (m *RunManager) Subscribe(handler RunEventHandler) func() {
	return m.eventBus.Subscribe(handler)
}

// Close cancels all runs and waits for them to finish
func (m *RunManager) Close() error {
	m.cancel()

	m.mu.RLock()
	for _, run := range m.runs {
		if !run.State().Terminal() {
			run.Stop()
		}
	}
	m.mu.RUnlock()

	m.wg.Wait()
	log.Printf("[Pipeline] Closed all runs")
	return nil
}
