package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// fakeSource plays a fixed number of identical frames
type fakeSource struct {
	size     image.Point
	frames   int
	fps      float64
	base     color.RGBA
	next     int
	playing  bool
	paused   bool
	closed   bool
	awaitErr error
	mu       sync.Mutex
	frame    *Frame
}

func newFakeSource(w, h, frames int) *fakeSource {
	return &fakeSource{
		size:   image.Pt(w, h),
		frames: frames,
		fps:    15,
		base:   color.RGBA{200, 160, 120, 255},
	}
}

func (s *fakeSource) AwaitPlayable(ctx context.Context) (image.Point, error) {
	if s.awaitErr != nil {
		return image.Point{}, s.awaitErr
	}
	return s.size, nil
}

func (s *fakeSource) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	return nil
}

func (s *fakeSource) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

func (s *fakeSource) Next(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return nil, ErrHalted
	}
	if !s.playing {
		return nil, errors.New("not playing")
	}
	if s.next >= s.frames {
		return nil, io.EOF
	}
	if s.frame == nil {
		img := image.NewRGBA(image.Rectangle{Max: s.size})
		draw.Draw(img, img.Rect, image.NewUniform(s.base), image.Point{}, draw.Src)
		s.frame = &Frame{Image: img}
	}
	s.next++
	s.frame.Seq = uint64(s.next)
	return s.frame, nil
}

func (s *fakeSource) FrameRate() float64 { return s.fps }

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

// fakeCapture keeps a copy of every written frame
type fakeCapture struct {
	path    string
	started bool
	stopped bool
	fps     float64
	frames  []*image.RGBA
	onWrite func(n int)
	err     error
}

func (c *fakeCapture) Start(ctx context.Context, size image.Point, frameRate float64) error {
	c.started = true
	c.fps = frameRate
	return nil
}

func (c *fakeCapture) WriteFrame(img *image.RGBA) error {
	if c.err != nil {
		return c.err
	}
	cp := image.NewRGBA(img.Rect)
	copy(cp.Pix, img.Pix)
	c.frames = append(c.frames, cp)
	if c.onWrite != nil {
		c.onWrite(len(c.frames))
	}
	return nil
}

func (c *fakeCapture) Stop() (string, error) {
	c.stopped = true
	return c.path, nil
}

// fakeTranscoder records the calls of a run without invoking ffmpeg
type fakeTranscoder struct {
	dir        string
	prepared   []PipelineOptions
	finished   []string
	closed     bool
	info       MediaInfo
	prepareErr error
	uploadData []byte
}

func (tc *fakeTranscoder) Prepare(ctx context.Context, upload Upload, opts PipelineOptions) (string, error) {
	if tc.prepareErr != nil {
		return "", tc.prepareErr
	}
	rc, err := upload.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	tc.uploadData, _ = io.ReadAll(rc)
	tc.prepared = append(tc.prepared, opts)
	return tc.Path("videoslow.mp4"), nil
}

func (tc *fakeTranscoder) Finish(ctx context.Context, recorded string, opts PipelineOptions) (string, error) {
	tc.finished = append(tc.finished, recorded)
	out := tc.Path("video." + opts.OutputFormat)
	if err := os.WriteFile(out, []byte("anonymized"), 0644); err != nil {
		return "", err
	}
	return out, nil
}

func (tc *fakeTranscoder) Probe(ctx context.Context, path string) (MediaInfo, error) {
	return tc.info, nil
}

func (tc *fakeTranscoder) Path(name string) string {
	return filepath.Join(tc.dir, name)
}

func (tc *fakeTranscoder) Close() error {
	tc.closed = true
	return nil
}

// fixedDetector reports the same region on every frame
type fixedDetector struct {
	name    string
	regions []DetectedRegion
	err     error
	calls   int
	closed  bool
}

func (d *fixedDetector) Name() string    { return d.name }
func (d *fixedDetector) Kind() ModelKind { return KindCascade }

func (d *fixedDetector) Detect(ctx context.Context, frame *Frame) ([]DetectedRegion, error) {
	d.calls++
	return d.regions, d.err
}

func (d *fixedDetector) Close() error {
	d.closed = true
	return nil
}

type fakeResolver struct {
	detectors []Detector
	err       error
	toggles   map[string]bool
}

func (r *fakeResolver) Resolve(ctx context.Context, toggles map[string]bool) ([]Detector, error) {
	r.toggles = toggles
	if r.err != nil {
		return nil, r.err
	}
	return r.detectors, nil
}

// boxRenderer paints regions black
type boxRenderer struct{}

func (boxRenderer) Draw(dst draw.Image, regions []DetectedRegion) {
	for _, r := range regions {
		draw.Draw(dst, r.Rect(), image.Black, image.Point{}, draw.Src)
	}
}

// recordingObserver captures caller notifications
type recordingObserver struct {
	mu       sync.Mutex
	waiting  []string
	failures []error
	complete []string
}

func (o *recordingObserver) OnWaiting(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waiting = append(o.waiting, message)
}

func (o *recordingObserver) OnFailed(reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, reason)
}

func (o *recordingObserver) OnComplete(url string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.complete = append(o.complete, url)
}

// progressObserver also records frame progress
type progressObserver struct {
	recordingObserver
	frames []uint64
}

func (o *progressObserver) OnProgress(frames uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, frames)
}

// eventRecorder keeps every published event
type eventRecorder struct {
	mu     sync.Mutex
	events []*RunEvent
}

func (r *eventRecorder) OnRunEvent(event *RunEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) states() []PipelineState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PipelineState
	for _, e := range r.events {
		if e.Type == EventState {
			out = append(out, e.State)
		}
	}
	return out
}

func testUpload() Upload {
	return Upload{
		Name:   "clip.mp4",
		Format: "video/mp4",
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte("original media"))), nil
		},
	}
}
