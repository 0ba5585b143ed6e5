package pipeline

import (
	"sync"
	"time"
)

// RunEventType classifies run events
type RunEventType string

const (
	EventState    RunEventType = "state"    // State transition
	EventWaiting  RunEventType = "waiting"  // Waiting message changed
	EventProgress RunEventType = "progress" // Frames processed update
	EventFailed   RunEventType = "failed"   // Terminal failure
	EventComplete RunEventType = "complete" // Final artifact ready
)

// RunEvent is published by a run for every lifecycle change
type RunEvent struct {
	Type            RunEventType  `json:"type"`
	RunID           string        `json:"run_id"`
	Timestamp       time.Time     `json:"timestamp"`
	State           PipelineState `json:"-"`
	StateName       string        `json:"state"`
	Message         string        `json:"message,omitempty"`      // Waiting message, empty when not waiting
	Reason          string        `json:"reason,omitempty"`       // Failure reason (human-readable)
	Err             error         `json:"-"`                      // Originating error for EventFailed
	ArtifactURL     string        `json:"artifact_url,omitempty"` // Download URL for EventComplete
	ArtifactPath    string        `json:"-"`
	FramesProcessed uint64        `json:"frames_processed"`
}

// EventBus provides pub/sub for run events
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	runFilter string // Empty string means receive all runs
	handler   RunEventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for events from all runs
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler RunEventHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeRun registers a handler for events from a single run
func (b *EventBus) SubscribeRun(runID string, handler RunEventHandler) func() {
	return b.add(&eventSubscription{runFilter: runID, handler: handler})
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Publish sends an event to all matching subscribers
func (b *EventBus) Publish(event *RunEvent) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.StateName = event.State.String()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.runFilter != "" && sub.runFilter != event.RunID {
			continue
		}

		// Handlers are called synchronously so events arrive in order
		sub.handler.OnRunEvent(event)
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		delete(b.subscribers, sub)
	}
}

// ObserverAdapter forwards a single run's events to an Observer
type ObserverAdapter struct {
	observer Observer
}

// NewObserverAdapter creates an adapter for the caller-facing notifications
func NewObserverAdapter(observer Observer) *ObserverAdapter {
	return &ObserverAdapter{observer: observer}
}

// OnRunEvent implements RunEventHandler
func (a *ObserverAdapter) OnRunEvent(event *RunEvent) {
	if a.observer == nil || event == nil {
		return
	}

	switch event.Type {
	case EventWaiting:
		a.observer.OnWaiting(event.Message)
	case EventProgress:
		if p, ok := a.observer.(ProgressObserver); ok {
			p.OnProgress(event.FramesProcessed)
		}
	case EventFailed:
		a.observer.OnFailed(event.Err)
	case EventComplete:
		a.observer.OnComplete(event.ArtifactURL)
	}
}

// Ensure ObserverAdapter implements RunEventHandler
var _ RunEventHandler = (*ObserverAdapter)(nil)
