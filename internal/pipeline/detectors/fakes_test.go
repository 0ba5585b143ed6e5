package detectors

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"

	"vidanon/internal/pipeline"
)

type fakeClassifier struct {
	rects  []image.Rectangle
	err    error
	seen   []image.Point
	closed bool
}

func (c *fakeClassifier) DetectMultiScale(img *image.Gray) ([]image.Rectangle, error) {
	c.seen = append(c.seen, img.Bounds().Size())
	return c.rects, c.err
}

func (c *fakeClassifier) Close() error {
	c.closed = true
	return nil
}

type fakeTensor struct {
	data     []float32
	released *int
}

func (t fakeTensor) Data() []float32 { return t.data }
func (t fakeTensor) Release()        { *t.released++ }

type fakeNet struct {
	out      []float32
	err      error
	blobs    []*Blob
	released int
	closed   bool
}

func (n *fakeNet) Forward(ctx context.Context, blob *Blob) (Tensor, error) {
	n.blobs = append(n.blobs, blob)
	if n.err != nil {
		return nil, n.err
	}
	return fakeTensor{data: n.out, released: &n.released}, nil
}

func (n *fakeNet) Close() error {
	n.closed = true
	return nil
}

// fakeStager records staging order and fails on names listed in fail
type fakeStager struct {
	mu     sync.Mutex
	staged []string
	fail   map[string]bool
}

func (s *fakeStager) Stage(ctx context.Context, name, source string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[name] {
		return "", fmt.Errorf("fetch %s returned status 404", name)
	}
	s.staged = append(s.staged, name)
	return "/cache/" + name, nil
}

func solidFrame(w, h int, c color.RGBA) *pipeline.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return &pipeline.Frame{Seq: 1, Image: img}
}
