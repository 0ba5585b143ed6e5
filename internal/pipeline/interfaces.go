package pipeline

import (
	"context"
	"image"
	"image/draw"
)

// Detector is the unified interface for all detection backends.
// Implementations hide the backend's working resolution and always return
// regions in full-frame coordinates.
type Detector interface {
	// Name returns the detector identifier (e.g. "multiFace/haarcascade_eye.xml")
	Name() string

	// Kind returns the model family
	Kind() ModelKind

	// Detect runs detection on a frame
	Detect(ctx context.Context, frame *Frame) ([]DetectedRegion, error)

	// Close releases backend resources
	Close() error
}

// Renderer overdraws detected regions on the output surface
type Renderer interface {
	Draw(dst draw.Image, regions []DetectedRegion)
}

// EnsembleResolver builds the ordered list of active detectors for a run
type EnsembleResolver interface {
	// Resolve stages every resource needed by the enabled toggles and
	// constructs the detectors. It never returns a partial set.
	Resolve(ctx context.Context, toggles map[string]bool) ([]Detector, error)
}

// Source is the playable decoded media (the "display" side)
type Source interface {
	// AwaitPlayable blocks until the source can play through without
	// stalling and returns the frame size
	AwaitPlayable(ctx context.Context) (image.Point, error)

	// Play starts or resumes playback
	Play() error

	// Pause halts playback; subsequent Next calls return ErrHalted
	Pause()

	// Next returns the currently displayed frame, io.EOF once the media
	// has ended, or ErrHalted after Pause. The returned frame is valid
	// until the next call.
	Next(ctx context.Context) (*Frame, error)

	// FrameRate reports the playback frame rate
	FrameRate() float64

	Close() error
}

// Capture records composed frames (the output-capture sink)
type Capture interface {
	Start(ctx context.Context, size image.Point, frameRate float64) error
	WriteFrame(img *image.RGBA) error
	// Stop flushes the recording and returns the name of the recorded file
	Stop() (string, error)
}

// Transcoder runs the pre and post media transforms
type Transcoder interface {
	// Prepare stages the upload and produces the slowed source; returns
	// the path of the playable file
	Prepare(ctx context.Context, upload Upload, opts PipelineOptions) (string, error)

	// Finish restores speed, converts and remuxes the original audio;
	// returns the path of the final artifact
	Finish(ctx context.Context, recorded string, opts PipelineOptions) (string, error)

	// Probe inspects a file produced by a previous step
	Probe(ctx context.Context, path string) (MediaInfo, error)

	// Path resolves a name inside the run's work directory
	Path(name string) string

	// Close releases the work directory
	Close() error
}

// Observer receives caller-facing lifecycle notifications
type Observer interface {
	// OnWaiting reports a waiting message; an empty message means the
	// caller is no longer waiting
	OnWaiting(message string)
	OnFailed(reason error)
	OnComplete(downloadURL string)
}

// ProgressObserver is an Observer that also follows the frame count while
// detecting
type ProgressObserver interface {
	Observer
	OnProgress(framesProcessed uint64)
}

// RunEventHandler receives run events from the event bus
type RunEventHandler interface {
	OnRunEvent(event *RunEvent)
}
