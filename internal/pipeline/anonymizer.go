package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrStoppedEarly is returned when playback is halted before a single frame
// was recorded, leaving nothing to post-process
var ErrStoppedEarly = errors.New("run stopped before any frame was processed")

// Waiting messages shown to the caller
const (
	msgPreprocessing = "Preprocessing video..."
	msgPreparing     = "Preparing download..."
	recordedName     = "slow.webm"
	progressInterval = 15
)

// Dependencies wires a run to its collaborators
type Dependencies struct {
	NewResolver     func(opts PipelineOptions) EnsembleResolver
	NewTranscoder   func(runID string) (Transcoder, error)
	NewSource       func(ctx context.Context, path string, info MediaInfo) (Source, error)
	NewCapture      func(path string) Capture
	NewRenderer     func(style AnonymizationStyle) Renderer
	ArtifactURL     func(runID, path string) string // Defaults to a file:// URL
	OutputDir       string                          // Final artifacts are moved here
	PlayableTimeout time.Duration                   // Upper bound on waiting for a playable source
}

// Run is one pass of the anonymization pipeline over one upload
type Run struct {
	ID      string
	opts    PipelineOptions
	upload  Upload
	deps    Dependencies
	bus     *EventBus
	machine *StateMachine

	mu            sync.Mutex
	source        Source
	stopRequested bool
	frames        uint64
	done          chan struct{}
	result        *RunResult
	err           error
}

// NewRun creates a run in StateIdle. The options are copied.
func NewRun(id string, upload Upload, opts PipelineOptions, deps Dependencies, bus *EventBus) *Run {
	if bus == nil {
		bus = NewEventBus()
	}
	r := &Run{
		ID:     id,
		opts:   opts.Clone(),
		upload: upload,
		deps:   deps,
		bus:    bus,
		done:   make(chan struct{}),
	}
	r.machine = NewStateMachine(id, r.onTransition)
	return r
}

// Options returns a copy of the run's options
func (r *Run) Options() PipelineOptions {
	return r.opts.Clone()
}

// State returns the current pipeline state
func (r *Run) State() PipelineState {
	return r.machine.State()
}

// FramesProcessed returns the number of completed frame cycles
func (r *Run) FramesProcessed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Done is closed when the run reaches a terminal state
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome once Done is closed
func (r *Run) Result() (*RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Stop halts source playback. The frame loop finishes its current cycle,
// capture stops and the run continues with post-processing.
func (r *Run) Stop() {
	r.mu.Lock()
	r.stopRequested = true
	source := r.source
	r.mu.Unlock()

	if source != nil {
		log.Printf("[Pipeline] Run %s: stop requested, halting playback", r.ID)
		source.Pause()
	}
}

// Execute runs the pipeline to completion on the calling goroutine
func (r *Run) Execute(ctx context.Context) (*RunResult, error) {
	defer close(r.done)

	result, err := r.execute(ctx)

	r.mu.Lock()
	r.result, r.err = result, err
	r.mu.Unlock()

	if err != nil {
		r.machine.Fail(err)
		return nil, err
	}
	return result, nil
}

func (r *Run) execute(ctx context.Context) (*RunResult, error) {
	if r.upload.Open == nil {
		return nil, fmt.Errorf("upload %q has no content", r.upload.Name)
	}

	tc, err := r.deps.NewTranscoder(r.ID)
	if err != nil {
		return nil, &TranscodeError{Step: "load", Err: err}
	}
	// The work directory holds the original upload; it is released only
	// after the post-transform has read it.
	defer func() {
		if err := tc.Close(); err != nil {
			log.Printf("[Pipeline] Run %s: failed to release work directory: %v", r.ID, err)
		}
	}()

	// Preprocessing
	if err := r.machine.Advance(StatePreprocessing); err != nil {
		return nil, err
	}
	r.waiting(msgPreprocessing)

	slowPath, err := tc.Prepare(ctx, r.upload, r.opts)
	if err != nil {
		return nil, err
	}
	info, err := tc.Probe(ctx, slowPath)
	if err != nil {
		return nil, err
	}
	log.Printf("[Pipeline] Run %s: slowed source %dx%d @ %.3f fps, %v",
		r.ID, info.Width, info.Height, info.FrameRate, info.Duration)

	source, err := r.deps.NewSource(ctx, slowPath, info)
	if err != nil {
		return nil, &MediaPlaybackError{Err: err}
	}
	defer source.Close()

	// AwaitingPlayable
	if err := r.machine.Advance(StateAwaitingPlayable); err != nil {
		return nil, err
	}

	size, err := r.awaitPlayable(ctx, source)
	if err != nil {
		return nil, err
	}
	r.waiting("")

	detectors, err := r.deps.NewResolver(r.opts).Resolve(ctx, r.opts.Toggles)
	if err != nil {
		return nil, err
	}
	defer closeDetectors(r.ID, detectors)

	capture := r.deps.NewCapture(tc.Path(recordedName))
	if err := capture.Start(ctx, size, source.FrameRate()); err != nil {
		return nil, &TranscodeError{Step: "record", Err: err}
	}

	// Detecting
	if err := r.machine.Advance(StateDetecting); err != nil {
		capture.Stop()
		return nil, err
	}

	r.mu.Lock()
	r.source = source
	halted := r.stopRequested
	r.mu.Unlock()
	if halted {
		source.Pause()
	} else if err := source.Play(); err != nil {
		capture.Stop()
		return nil, &MediaPlaybackError{Err: err}
	}

	loop := NewFrameLoop(r.ID, source, capture, detectors, r.deps.NewRenderer(r.opts.Style), size)
	loop.OnProgress(r.progress)
	stats, loopErr := loop.Run(ctx)

	recorded, stopErr := capture.Stop()
	if loopErr != nil {
		return nil, loopErr
	}
	if stopErr != nil {
		return nil, &TranscodeError{Step: "record", Err: stopErr}
	}
	if stats.FramesProcessed == 0 && stats.Stopped {
		return nil, ErrStoppedEarly
	}
	r.publish(&RunEvent{Type: EventProgress, State: StateDetecting, FramesProcessed: stats.FramesProcessed})

	// Postprocessing
	if err := r.machine.Advance(StatePostprocessing); err != nil {
		return nil, err
	}
	r.waiting(msgPreparing)

	finalPath, err := tc.Finish(ctx, recorded, r.opts)
	if err != nil {
		return nil, err
	}

	dest, err := r.deliver(finalPath)
	if err != nil {
		return nil, err
	}

	url := fileURL(dest)
	if r.deps.ArtifactURL != nil {
		url = r.deps.ArtifactURL(r.ID, dest)
	}

	result := &RunResult{
		RunID:       r.ID,
		ArtifactURL: url,
		Path:        dest,
		Stats:       stats,
	}

	if err := r.machine.Advance(StateDone); err != nil {
		return nil, err
	}
	r.waiting("")
	r.publish(&RunEvent{
		Type:            EventComplete,
		State:           StateDone,
		ArtifactURL:     url,
		ArtifactPath:    dest,
		FramesProcessed: stats.FramesProcessed,
	})

	log.Printf("[Pipeline] Run %s: complete (%d frames, %d regions) -> %s",
		r.ID, stats.FramesProcessed, stats.RegionsDrawn, dest)
	return result, nil
}

func (r *Run) awaitPlayable(ctx context.Context, source Source) (image.Point, error) {
	if r.deps.PlayableTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deps.PlayableTimeout)
		defer cancel()
	}

	size, err := source.AwaitPlayable(ctx)
	if err != nil {
		var pe *MediaPlaybackError
		if errors.As(err, &pe) {
			return size, err
		}
		return size, &MediaPlaybackError{Err: err}
	}
	if size.X <= 0 || size.Y <= 0 {
		return size, &MediaPlaybackError{Err: fmt.Errorf("invalid frame size %v", size)}
	}
	return size, nil
}

// deliver moves the final artifact out of the work directory
func (r *Run) deliver(finalPath string) (string, error) {
	if r.deps.OutputDir == "" {
		return "", &TranscodeError{Step: "deliver", Err: fmt.Errorf("no output directory configured")}
	}
	if err := os.MkdirAll(r.deps.OutputDir, 0755); err != nil {
		return "", &TranscodeError{Step: "deliver", Err: err}
	}

	dest := filepath.Join(r.deps.OutputDir, r.ID+"."+r.opts.OutputFormat)
	if err := moveFile(finalPath, dest); err != nil {
		return "", &TranscodeError{Step: "deliver", Err: err}
	}
	return dest, nil
}

func (r *Run) onTransition(from, to PipelineState, reason error) {
	r.publish(&RunEvent{Type: EventState, State: to, FramesProcessed: r.FramesProcessed()})
	if to == StateFailed {
		r.publish(&RunEvent{
			Type:            EventFailed,
			State:           StateFailed,
			Reason:          Reason(reason),
			Err:             reason,
			FramesProcessed: r.FramesProcessed(),
		})
	}
}

func (r *Run) progress(frames uint64) {
	r.mu.Lock()
	r.frames = frames
	r.mu.Unlock()

	if frames%progressInterval == 0 {
		r.publish(&RunEvent{Type: EventProgress, State: StateDetecting, FramesProcessed: frames})
	}
}

func (r *Run) waiting(message string) {
	r.publish(&RunEvent{Type: EventWaiting, State: r.machine.State(), Message: message})
}

func (r *Run) publish(event *RunEvent) {
	event.RunID = r.ID
	r.bus.Publish(event)
}

func closeDetectors(runID string, detectors []Detector) {
	for _, d := range detectors {
		if err := d.Close(); err != nil {
			log.Printf("[Pipeline] Run %s: error closing detector %s: %v", runID, d.Name(), err)
		}
	}
}

func fileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs)
}

// moveFile renames src to dst, falling back to copy+remove across devices
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
