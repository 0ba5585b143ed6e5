package detectors

import (
	"context"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"

	"vidanon/internal/pipeline"
)

// CascadeAdapter wraps a CascadeClassifier to implement the unified Detector
// interface. Detection runs on a grayscale image reduced by PyramidLevels
// halvings; boxes are mapped back to full-frame coordinates.
type CascadeAdapter struct {
	name          string
	classifier    CascadeClassifier
	pyramidLevels int

	// Scratch images, reused across frames of the same size
	gray    *image.Gray
	pyramid []*image.Gray
}

// NewCascadeAdapter creates an adapter. levels < 0 is treated as 0.
func NewCascadeAdapter(name string, classifier CascadeClassifier, levels int) *CascadeAdapter {
	if levels < 0 {
		levels = 0
	}
	return &CascadeAdapter{
		name:          name,
		classifier:    classifier,
		pyramidLevels: levels,
	}
}

func (a *CascadeAdapter) Name() string {
	return a.name
}

func (a *CascadeAdapter) Kind() pipeline.ModelKind {
	return pipeline.KindCascade
}

func (a *CascadeAdapter) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.DetectedRegion, error) {
	if a.classifier == nil {
		return nil, fmt.Errorf("cascade classifier not loaded")
	}

	width, height := frame.Width(), frame.Height()
	work := a.reduce(frame.Image)

	rects, err := a.classifier.DetectMultiScale(work)
	if err != nil {
		return nil, &pipeline.DetectorError{Detector: a.name, Seq: frame.Seq, Err: err}
	}
	if len(rects) == 0 {
		return nil, nil
	}

	wb := work.Bounds()
	xRatio := float64(width) / float64(wb.Dx())
	yRatio := float64(height) / float64(wb.Dy())

	regions := make([]pipeline.DetectedRegion, 0, len(rects))
	for _, r := range rects {
		r = r.Sub(wb.Min)
		region, ok := pipeline.ClampRegion(
			float64(r.Min.X)*xRatio,
			float64(r.Min.Y)*yRatio,
			float64(r.Max.X)*xRatio,
			float64(r.Max.Y)*yRatio,
			width, height,
		)
		if ok {
			regions = append(regions, region)
		}
	}
	return regions, nil
}

// reduce converts to luma and applies the pyramid halvings
func (a *CascadeAdapter) reduce(src *image.RGBA) *image.Gray {
	size := src.Rect.Size()
	if a.gray == nil || a.gray.Rect.Size() != size {
		a.gray = image.NewGray(image.Rectangle{Max: size})
		a.pyramid = a.pyramid[:0]
		w, h := size.X, size.Y
		for i := 0; i < a.pyramidLevels; i++ {
			w, h = PyramidSize(w, h)
			a.pyramid = append(a.pyramid, image.NewGray(image.Rect(0, 0, w, h)))
		}
	}

	xdraw.Draw(a.gray, a.gray.Rect, src, src.Rect.Min, xdraw.Src)

	work := a.gray
	for _, level := range a.pyramid {
		xdraw.ApproxBiLinear.Scale(level, level.Rect, work, work.Rect, xdraw.Src, nil)
		work = level
	}
	return work
}

func (a *CascadeAdapter) Close() error {
	if a.classifier == nil {
		return nil
	}
	return a.classifier.Close()
}

// PyramidSize returns the dimensions after one pyramid halving
func PyramidSize(w, h int) (int, int) {
	return (w + 1) / 2, (h + 1) / 2
}

// Ensure CascadeAdapter implements Detector
var _ pipeline.Detector = (*CascadeAdapter)(nil)
