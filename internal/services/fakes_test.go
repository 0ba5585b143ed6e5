package services

import (
	"context"
	"errors"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vidanon/internal/pipeline"
	"vidanon/internal/pipeline/redact"
)

// stubTranscoder copies the upload and writes a fixed artifact
type stubTranscoder struct {
	dir string
}

func (s *stubTranscoder) Prepare(ctx context.Context, upload pipeline.Upload, opts pipeline.PipelineOptions) (string, error) {
	rc, err := upload.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	path := filepath.Join(s.dir, "slow.mp4")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, err = io.Copy(f, rc)
	return path, err
}

func (s *stubTranscoder) Finish(ctx context.Context, recorded string, opts pipeline.PipelineOptions) (string, error) {
	path := filepath.Join(s.dir, "video."+opts.OutputFormat)
	return path, os.WriteFile(path, []byte("artifact"), 0644)
}

func (s *stubTranscoder) Probe(ctx context.Context, path string) (pipeline.MediaInfo, error) {
	return pipeline.MediaInfo{Width: 8, Height: 8, FrameRate: 10}, nil
}

func (s *stubTranscoder) Path(name string) string { return filepath.Join(s.dir, name) }
func (s *stubTranscoder) Close() error            { return nil }

// stubSource plays frames until it runs out or is paused. A negative frame
// count plays until paused.
type stubSource struct {
	frames int
	mu     sync.Mutex
	next   int
	paused bool
	frame  *pipeline.Frame
}

func (s *stubSource) AwaitPlayable(ctx context.Context) (image.Point, error) {
	return image.Pt(8, 8), nil
}

func (s *stubSource) Play() error { return nil }

func (s *stubSource) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

func (s *stubSource) Next(ctx context.Context) (*pipeline.Frame, error) {
	if s.frames < 0 {
		time.Sleep(2 * time.Millisecond)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return nil, pipeline.ErrHalted
	}
	if s.frames >= 0 && s.next >= s.frames {
		return nil, io.EOF
	}
	if s.frame == nil {
		s.frame = &pipeline.Frame{Image: image.NewRGBA(image.Rect(0, 0, 8, 8))}
	}
	s.next++
	s.frame.Seq = uint64(s.next)
	return s.frame, nil
}

func (s *stubSource) FrameRate() float64 { return 10 }
func (s *stubSource) Close() error       { return nil }

type stubCapture struct {
	path string
}

func (c *stubCapture) Start(ctx context.Context, size image.Point, frameRate float64) error {
	return nil
}

func (c *stubCapture) WriteFrame(img *image.RGBA) error { return nil }

func (c *stubCapture) Stop() (string, error) {
	return c.path, os.WriteFile(c.path, []byte("recorded"), 0644)
}

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, toggles map[string]bool) ([]pipeline.Detector, error) {
	if toggles["broken"] {
		return nil, &pipeline.ResourceStagingError{Resource: "broken.xml", Err: errors.New("404")}
	}
	return nil, nil
}

// newTestManager builds a manager whose runs play frames frames each
func newTestManager(t *testing.T, frames int) *pipeline.RunManager {
	t.Helper()
	outputDir := filepath.Join(t.TempDir(), "out")

	deps := pipeline.Dependencies{
		NewResolver: func(pipeline.PipelineOptions) pipeline.EnsembleResolver { return stubResolver{} },
		NewTranscoder: func(runID string) (pipeline.Transcoder, error) {
			dir := filepath.Join(t.TempDir(), runID)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
			return &stubTranscoder{dir: dir}, nil
		},
		NewSource: func(ctx context.Context, path string, info pipeline.MediaInfo) (pipeline.Source, error) {
			return &stubSource{frames: frames}, nil
		},
		NewCapture: func(path string) pipeline.Capture {
			return &stubCapture{path: path}
		},
		NewRenderer: func(style pipeline.AnonymizationStyle) pipeline.Renderer {
			return redact.New(style)
		},
		ArtifactURL: func(runID, path string) string {
			return "/api/runs/" + runID + "/artifact"
		},
		OutputDir:       outputDir,
		PlayableTimeout: time.Second,
	}

	m := pipeline.NewRunManager(deps, nil, []string{"multiFace", "haarFace", "broken"}, 0)
	t.Cleanup(func() { m.Close() })
	return m
}
