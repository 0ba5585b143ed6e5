package detectors

import (
	"context"
	"image"
	"sync"
)

// Neural network input geometry
const (
	BlobSize     = 300
	BlobChannels = 3
)

// Per-channel means subtracted from the BGR input
var blobMean = [BlobChannels]float32{104, 177, 123}

// CascadeClassifier runs multi-scale detection on a grayscale image and
// returns boxes in that image's coordinates
type CascadeClassifier interface {
	DetectMultiScale(img *image.Gray) ([]image.Rectangle, error)
	Close() error
}

// Tensor is a backend-owned inference output. Release must be called once.
type Tensor interface {
	Data() []float32
	Release()
}

// Net runs a forward pass over an NCHW blob
type Net interface {
	Forward(ctx context.Context, blob *Blob) (Tensor, error)
	Close() error
}

// Backends loads model files into runnable backends
type Backends struct {
	LoadCascade func(ctx context.Context, path string) (CascadeClassifier, error)
	LoadNet     func(ctx context.Context, weights, topology string) (Net, error)
}

// Blob is a float32 tensor in NCHW layout
type Blob struct {
	N, C, H, W int
	Data       []float32
}

// NewBlob allocates a zeroed blob
func NewBlob(n, c, h, w int) *Blob {
	return &Blob{N: n, C: c, H: h, W: w, Data: make([]float32, n*c*h*w)}
}

// Shape returns the dimensions in NCHW order
func (b *Blob) Shape() []int {
	return []int{b.N, b.C, b.H, b.W}
}

// BlobPool hands out reusable input blobs of one shape
type BlobPool struct {
	pool sync.Pool
}

// NewBlobPool creates a pool of 1 x c x h x w blobs
func NewBlobPool(c, h, w int) *BlobPool {
	return &BlobPool{pool: sync.Pool{
		New: func() any { return NewBlob(1, c, h, w) },
	}}
}

// Get returns a blob; its contents are unspecified
func (p *BlobPool) Get() *Blob {
	return p.pool.Get().(*Blob)
}

// Put returns a blob to the pool
func (p *BlobPool) Put(b *Blob) {
	if b != nil {
		p.pool.Put(b)
	}
}

// SliceTensor is a Tensor over a plain slice, for backends that copy their
// output out of native memory
type SliceTensor []float32

func (t SliceTensor) Data() []float32 { return t }
func (t SliceTensor) Release()        {}
