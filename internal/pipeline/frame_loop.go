package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"log"
	"time"
)

// FrameLoop drives the per-frame capture -> detect -> draw -> record cycle.
// Cycles run strictly one after another on the caller's goroutine.
type FrameLoop struct {
	runID     string
	source    Source
	capture   Capture
	detectors []Detector
	renderer  Renderer
	surface   *image.RGBA
	progress  func(frames uint64)
	stats     RunStats
}

// NewFrameLoop creates a controller that draws into a size x size surface
func NewFrameLoop(runID string, source Source, capture Capture, detectors []Detector, renderer Renderer, size image.Point) *FrameLoop {
	return &FrameLoop{
		runID:     runID,
		source:    source,
		capture:   capture,
		detectors: detectors,
		renderer:  renderer,
		surface:   image.NewRGBA(image.Rectangle{Max: size}),
		stats: RunStats{
			DetectorTime: make(map[string]time.Duration),
		},
	}
}

// OnProgress registers a callback invoked after every cycle
func (l *FrameLoop) OnProgress(fn func(frames uint64)) {
	l.progress = fn
}

// Run cycles until the source ends or is halted. The in-flight cycle is
// always completed; ctx cancellation is observed between cycles only.
func (l *FrameLoop) Run(ctx context.Context) (RunStats, error) {
	log.Printf("[FrameLoop] Run %s: starting with %d detectors", l.runID, len(l.detectors))

	for {
		if err := ctx.Err(); err != nil {
			return l.stats, err
		}

		frame, err := l.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			log.Printf("[FrameLoop] Run %s: source ended after %d frames", l.runID, l.stats.FramesProcessed)
			return l.stats, nil
		}
		if errors.Is(err, ErrHalted) {
			log.Printf("[FrameLoop] Run %s: playback halted after %d frames", l.runID, l.stats.FramesProcessed)
			l.stats.Stopped = true
			return l.stats, nil
		}
		if err != nil {
			return l.stats, &MediaPlaybackError{Err: err}
		}

		if err := l.cycle(ctx, frame); err != nil {
			return l.stats, err
		}

		l.stats.FramesProcessed++
		if l.progress != nil {
			l.progress(l.stats.FramesProcessed)
		}
		if l.stats.FramesProcessed%100 == 0 {
			log.Printf("[FrameLoop] Run %s: frame %d, %d regions drawn", l.runID, l.stats.FramesProcessed, l.stats.RegionsDrawn)
		}
	}
}

// cycle composes one output frame from the snapshot
func (l *FrameLoop) cycle(ctx context.Context, frame *Frame) error {
	if frame.Image.Rect.Size() != l.surface.Rect.Size() {
		return &MediaPlaybackError{Err: fmt.Errorf("frame %d is %v, surface is %v",
			frame.Seq, frame.Image.Rect.Size(), l.surface.Rect.Size())}
	}

	// Baseline: unmodified copy of the snapshot
	draw.Draw(l.surface, l.surface.Rect, frame.Image, frame.Image.Rect.Min, draw.Src)

	for _, det := range l.detectors {
		start := time.Now()
		regions, err := det.Detect(ctx, frame)
		l.stats.DetectorTime[det.Name()] += time.Since(start)
		if err != nil {
			var de *DetectorError
			if errors.As(err, &de) {
				return err
			}
			return &DetectorError{Detector: det.Name(), Seq: frame.Seq, Err: err}
		}

		l.renderer.Draw(l.surface, regions)
		l.stats.RegionsDrawn += uint64(len(regions))
	}

	if err := l.capture.WriteFrame(l.surface); err != nil {
		return &TranscodeError{Step: "record", Err: fmt.Errorf("frame %d: %w", frame.Seq, err)}
	}
	return nil
}

// Stats returns the statistics gathered so far
func (l *FrameLoop) Stats() RunStats {
	return l.stats
}
