//go:build opencv

package detection

import (
	"context"
	"fmt"
	"image"
	"log"
	"sync"

	"gocv.io/x/gocv"

	"vidanon/internal/pipeline/detectors"
)

// OpenCVAvailable reports whether the binary was built with OpenCV
const OpenCVAvailable = true

// LocalBackends returns detector backends running in-process on OpenCV
func LocalBackends() detectors.Backends {
	return detectors.Backends{
		LoadCascade: loadCascade,
		LoadNet:     loadNet,
	}
}

type cvCascade struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
}

func loadCascade(ctx context.Context, path string) (detectors.CascadeClassifier, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade %s", path)
	}
	log.Printf("[OpenCV] Loaded cascade %s", path)
	return &cvCascade{classifier: classifier}, nil
}

func (c *cvCascade) DetectMultiScale(img *image.Gray) ([]image.Rectangle, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	pix := img.Pix
	if img.Stride != w || img.Rect.Min != (image.Point{}) {
		pix = make([]byte, 0, w*h)
		for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
			start := img.PixOffset(img.Rect.Min.X, y)
			pix = append(pix, img.Pix[start:start+w]...)
		}
	}

	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, pix[:w*h])
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifier.DetectMultiScale(mat), nil
}

func (c *cvCascade) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifier.Close()
}

type cvNet struct {
	mu  sync.Mutex
	net gocv.Net
}

func loadNet(ctx context.Context, weights, topology string) (detectors.Net, error) {
	net := gocv.ReadNetFromCaffe(topology, weights)
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("failed to load network %s", weights)
	}
	log.Printf("[OpenCV] Loaded network %s", weights)
	return &cvNet{net: net}, nil
}

func (n *cvNet) Forward(ctx context.Context, blob *detectors.Blob) (detectors.Tensor, error) {
	input, err := gocv.NewMatWithSizesFromBytes(blob.Shape(), gocv.MatTypeCV32F, EncodeFloats(blob.Data))
	if err != nil {
		return nil, err
	}
	defer input.Close()

	n.mu.Lock()
	defer n.mu.Unlock()

	n.net.SetInput(input, "")
	output := n.net.Forward("")
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	// Copy out of native memory before the Mat is closed
	return detectors.SliceTensor(append([]float32(nil), data...)), nil
}

func (n *cvNet) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.net.Close()
}
