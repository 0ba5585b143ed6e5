package ws

import (
	"time"

	"vidanon/internal/pipeline"
)

// RunMessage is the JSON frame sent to run subscribers
type RunMessage struct {
	Type            string    `json:"type"` // "state", "waiting", "progress", "failed", "complete", "snapshot"
	RunID           string    `json:"run_id"`
	Timestamp       time.Time `json:"timestamp"`
	State           string    `json:"state"`
	Message         string    `json:"message,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	ArtifactURL     string    `json:"artifact_url,omitempty"`
	FramesProcessed uint64    `json:"frames_processed"`
}

// NewRunMessage converts a pipeline event
func NewRunMessage(event *pipeline.RunEvent) *RunMessage {
	return &RunMessage{
		Type:            string(event.Type),
		RunID:           event.RunID,
		Timestamp:       event.Timestamp,
		State:           event.State.String(),
		Message:         event.Message,
		Reason:          event.Reason,
		ArtifactURL:     event.ArtifactURL,
		FramesProcessed: event.FramesProcessed,
	}
}

// NewSnapshotMessage describes a run's current state for a new subscriber
func NewSnapshotMessage(runID string, state pipeline.PipelineState, frames uint64) *RunMessage {
	return &RunMessage{
		Type:            "snapshot",
		RunID:           runID,
		Timestamp:       time.Now(),
		State:           state.String(),
		FramesProcessed: frames,
	}
}
