package pipeline

import (
	"errors"
	"fmt"
)

// ErrHalted is returned by a Source whose playback was paused by the caller
var ErrHalted = errors.New("playback halted")

// ResourceStagingError reports a detector resource that could not be
// fetched or loaded
type ResourceStagingError struct {
	Resource string
	Err      error
}

func (e *ResourceStagingError) Error() string {
	return fmt.Sprintf("staging resource %q: %v", e.Resource, e.Err)
}

func (e *ResourceStagingError) Unwrap() error { return e.Err }

// TranscodeError reports a failed or empty transcode step
type TranscodeError struct {
	Step string
	Err  error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcode %s: %v", e.Step, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// DetectorError reports a failed backend inference call
type DetectorError struct {
	Detector string
	Seq      uint64
	Err      error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector %s failed on frame %d: %v", e.Detector, e.Seq, e.Err)
}

func (e *DetectorError) Unwrap() error { return e.Err }

// MediaPlaybackError reports a source that never became playable or broke
// while playing
type MediaPlaybackError struct {
	Err error
}

func (e *MediaPlaybackError) Error() string {
	return fmt.Sprintf("media playback: %v", e.Err)
}

func (e *MediaPlaybackError) Unwrap() error { return e.Err }

// Reason renders an error as the human-readable failure message shown to
// the caller
func Reason(err error) string {
	var (
		staging  *ResourceStagingError
		trans    *TranscodeError
		detect   *DetectorError
		playback *MediaPlaybackError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &staging):
		return fmt.Sprintf("Could not load detection model %s", staging.Resource)
	case errors.As(err, &trans):
		return fmt.Sprintf("Video conversion failed during %s", trans.Step)
	case errors.As(err, &detect):
		return fmt.Sprintf("Detection failed (%s)", detect.Detector)
	case errors.As(err, &playback):
		return "The video could not be played"
	default:
		return err.Error()
	}
}
