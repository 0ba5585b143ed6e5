package detectors

import (
	"context"
	"fmt"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"

	"vidanon/internal/pipeline"
)

// Values per detection record: [image id, label, confidence, left, top, right, bottom]
const recordSize = 7

// NeuralAdapter wraps a single-shot detection Net to implement the unified
// Detector interface
type NeuralAdapter struct {
	name      string
	net       Net
	threshold float64
	pool      *BlobPool
	resized   *image.RGBA
}

// NewNeuralAdapter creates an adapter that keeps detections whose
// confidence is strictly above threshold
func NewNeuralAdapter(name string, net Net, threshold float64) *NeuralAdapter {
	return &NeuralAdapter{
		name:      name,
		net:       net,
		threshold: threshold,
		pool:      NewBlobPool(BlobChannels, BlobSize, BlobSize),
		resized:   image.NewRGBA(image.Rect(0, 0, BlobSize, BlobSize)),
	}
}

func (a *NeuralAdapter) Name() string {
	return a.name
}

func (a *NeuralAdapter) Kind() pipeline.ModelKind {
	return pipeline.KindNeural
}

func (a *NeuralAdapter) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.DetectedRegion, error) {
	if a.net == nil {
		return nil, fmt.Errorf("network not loaded")
	}

	blob := a.pool.Get()
	defer a.pool.Put(blob)

	a.fillBlob(blob, frame.Image)

	out, err := a.net.Forward(ctx, blob)
	if err != nil {
		return nil, &pipeline.DetectorError{Detector: a.name, Seq: frame.Seq, Err: err}
	}
	defer out.Release()

	return ParseDetections(out.Data(), a.threshold, frame.Width(), frame.Height()), nil
}

// fillBlob resamples src to the network input size and writes it as
// mean-subtracted BGR planes
func (a *NeuralAdapter) fillBlob(blob *Blob, src *image.RGBA) {
	xdraw.BiLinear.Scale(a.resized, a.resized.Rect, src, src.Rect, xdraw.Src, nil)

	plane := BlobSize * BlobSize
	pix := a.resized.Pix
	for y := 0; y < BlobSize; y++ {
		row := y * a.resized.Stride
		for x := 0; x < BlobSize; x++ {
			i := row + x*4
			j := y*BlobSize + x
			blob.Data[j] = float32(pix[i+2]) - blobMean[0]       // B
			blob.Data[plane+j] = float32(pix[i+1]) - blobMean[1] // G
			blob.Data[2*plane+j] = float32(pix[i]) - blobMean[2] // R
		}
	}
}

// ParseDetections converts raw detection records into regions of a
// width x height frame. Coordinates are normalized in the records and are
// clamped to [0, width-1] x [0, height-1].
func ParseDetections(data []float32, threshold float64, width, height int) []pipeline.DetectedRegion {
	maxX := float64(width - 1)
	maxY := float64(height - 1)
	// Confidences are float32; widening them instead would let a value equal
	// to a threshold such as 0.3 compare above it
	limit := float32(threshold)

	var regions []pipeline.DetectedRegion
	for i := 0; i+recordSize <= len(data); i += recordSize {
		confidence := data[i+2]
		left := clampCoord(float64(data[i+3])*float64(width), maxX)
		top := clampCoord(float64(data[i+4])*float64(height), maxY)
		right := clampCoord(float64(data[i+5])*float64(width), maxX)
		bottom := clampCoord(float64(data[i+6])*float64(height), maxY)

		if confidence > limit && left < right && top < bottom {
			regions = append(regions, pipeline.DetectedRegion{
				X:      left,
				Y:      top,
				Width:  right - left,
				Height: bottom - top,
			})
		}
	}
	return regions
}

func clampCoord(v, max float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(0, v), max)
}

func (a *NeuralAdapter) Close() error {
	if a.net == nil {
		return nil
	}
	return a.net.Close()
}

// Ensure NeuralAdapter implements Detector
var _ pipeline.Detector = (*NeuralAdapter)(nil)
