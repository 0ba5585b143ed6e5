package database

import (
	"log"

	"vidanon/internal/pipeline"
)

// RunRecorder persists run lifecycle events
type RunRecorder struct {
	db *Database
}

// NewRunRecorder creates a recorder writing to db
func NewRunRecorder(db *Database) *RunRecorder {
	return &RunRecorder{db: db}
}

// OnRunEvent implements pipeline.RunEventHandler
func (r *RunRecorder) OnRunEvent(event *pipeline.RunEvent) {
	if event == nil || event.RunID == "" {
		return
	}

	var err error
	switch event.Type {
	case pipeline.EventState:
		// Failed and Done are written with their details below
		if event.State == pipeline.StateFailed || event.State == pipeline.StateDone {
			return
		}
		err = r.db.UpdateState(event.RunID, event.State.String(), event.FramesProcessed)
	case pipeline.EventProgress:
		err = r.db.UpdateProgress(event.RunID, event.FramesProcessed)
	case pipeline.EventFailed:
		err = r.db.MarkFailed(event.RunID, event.Reason, event.FramesProcessed)
	case pipeline.EventComplete:
		err = r.db.MarkComplete(event.RunID, event.ArtifactPath, event.ArtifactURL, event.FramesProcessed)
	}

	if err != nil {
		log.Printf("[Database] Failed to record %s event for run %s: %v", event.Type, event.RunID, err)
	}
}

// Ensure RunRecorder implements pipeline.RunEventHandler
var _ pipeline.RunEventHandler = (*RunRecorder)(nil)
