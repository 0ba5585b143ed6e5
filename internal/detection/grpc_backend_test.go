package detection

import (
	"context"
	"errors"
	"image"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"vidanon/internal/pipeline/detectors"
)

type stubCascade struct {
	boxes  []image.Rectangle
	seen   image.Point
	closed bool
}

func (c *stubCascade) DetectMultiScale(img *image.Gray) ([]image.Rectangle, error) {
	c.seen = img.Rect.Size()
	return c.boxes, nil
}

func (c *stubCascade) Close() error {
	c.closed = true
	return nil
}

// echoNet returns the first values of its input blob, scaled by two
type echoNet struct{}

func (echoNet) Forward(ctx context.Context, blob *detectors.Blob) (detectors.Tensor, error) {
	out := make([]float32, 7)
	for i := range out {
		out[i] = blob.Data[i] * 2
	}
	return detectors.SliceTensor(out), nil
}

func (echoNet) Close() error { return nil }

type inferenceHarness struct {
	client      *InferenceClient
	server      *InferenceServer
	cascade     *stubCascade
	dir         string
	weightsSize int64
}

func newInferenceHarness(t *testing.T) *inferenceHarness {
	t.Helper()

	h := &inferenceHarness{
		cascade: &stubCascade{boxes: []image.Rectangle{image.Rect(2, 3, 10, 12)}},
		dir:     t.TempDir(),
	}
	backends := detectors.Backends{
		LoadCascade: func(ctx context.Context, path string) (detectors.CascadeClassifier, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			if string(data) != "<cascade/>" {
				return nil, errors.New("bad cascade")
			}
			return h.cascade, nil
		},
		LoadNet: func(ctx context.Context, weights, topology string) (detectors.Net, error) {
			topo, err := os.ReadFile(topology)
			if err != nil {
				return nil, err
			}
			if string(topo) != "name: net" {
				return nil, errors.New("bad topology")
			}
			info, err := os.Stat(weights)
			if err != nil {
				return nil, err
			}
			h.weightsSize = info.Size()
			return echoNet{}, nil
		},
	}

	srv, err := NewInferenceServer(backends, filepath.Join(h.dir, "models"))
	require.NoError(t, err)
	h.server = srv

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(ServerOptions()...)
	RegisterInferenceServer(gs, srv)
	go gs.Serve(lis)

	client, err := NewInferenceClient(InferenceClientConfig{
		Endpoint: "passthrough:///bufnet",
		Timeout:  5 * time.Second,
		Options: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	h.client = client

	t.Cleanup(func() {
		client.Close()
		gs.Stop()
		srv.Close()
	})
	return h
}

func (h *inferenceHarness) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestInference_RemoteCascade(t *testing.T) {
	h := newInferenceHarness(t)
	ctx := context.Background()

	path := h.writeFile(t, "face.xml", "<cascade/>")
	classifier, err := h.client.Backends().LoadCascade(ctx, path)
	require.NoError(t, err)

	img := image.NewGray(image.Rect(0, 0, 20, 16))
	boxes, err := classifier.DetectMultiScale(img)
	require.NoError(t, err)
	assert.Equal(t, []image.Rectangle{image.Rect(2, 3, 10, 12)}, boxes)
	assert.Equal(t, image.Pt(20, 16), h.cascade.seen)

	// Sub-images are packed before upload
	sub := image.NewGray(image.Rect(0, 0, 40, 40)).SubImage(image.Rect(5, 5, 15, 13)).(*image.Gray)
	_, err = classifier.DetectMultiScale(sub)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(10, 8), h.cascade.seen)

	require.NoError(t, classifier.Close())
	assert.True(t, h.cascade.closed)

	_, err = classifier.DetectMultiScale(img)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestInference_RemoteCascadeLoadFailure(t *testing.T) {
	h := newInferenceHarness(t)

	path := h.writeFile(t, "broken.xml", "garbage")
	_, err := h.client.LoadCascade(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(errors.Unwrap(err)))

	_, err = h.client.LoadCascade(context.Background(), filepath.Join(h.dir, "missing.xml"))
	assert.Error(t, err)
}

func TestInference_RemoteNet(t *testing.T) {
	h := newInferenceHarness(t)
	ctx := context.Background()

	topology := h.writeFile(t, "deploy.prototxt", "name: net")
	weights := h.writeFile(t, "model.caffemodel", "weights")

	net, err := h.client.Backends().LoadNet(ctx, weights, topology)
	require.NoError(t, err)
	defer net.Close()

	blob := detectors.NewBlob(1, 3, 4, 4)
	for i := range blob.Data {
		blob.Data[i] = float32(i) + 0.5
	}

	tensor, err := net.Forward(ctx, blob)
	require.NoError(t, err)
	defer tensor.Release()

	assert.Equal(t, []float32{1, 3, 5, 7, 9, 11, 13}, tensor.Data())
}

func TestInference_LargePayloads(t *testing.T) {
	h := newInferenceHarness(t)
	ctx := context.Background()

	// Larger than gRPC's 4 MB default, like the res10 SSD weights
	weights := filepath.Join(h.dir, "res10.caffemodel")
	require.NoError(t, os.WriteFile(weights, make([]byte, 10_400_000), 0644))
	topology := h.writeFile(t, "deploy.prototxt", "name: net")

	net, err := h.client.LoadNet(ctx, weights, topology)
	require.NoError(t, err)
	defer net.Close()
	assert.EqualValues(t, 10_400_000, h.weightsSize)

	// A full-resolution 4K luma frame with no pyramid reduction
	classifier, err := h.client.LoadCascade(ctx, h.writeFile(t, "face.xml", "<cascade/>"))
	require.NoError(t, err)
	defer classifier.Close()

	_, err = classifier.DetectMultiScale(image.NewGray(image.Rect(0, 0, 3840, 2160)))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(3840, 2160), h.cascade.seen)
}

func TestInference_ReleaseUnknown(t *testing.T) {
	h := newInferenceHarness(t)

	err := h.client.release("cascade-99")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestFloatCodec(t *testing.T) {
	values := []float32{0, -1.5, 3.25, 1e-7}

	decoded, err := DecodeFloats(EncodeFloats(values), nil)
	require.NoError(t, err)
	assert.Equal(t, values, decoded)

	_, err = DecodeFloats([]byte{1, 2, 3}, nil)
	assert.Error(t, err)

	_, err = DecodeFloats(EncodeFloats(values), make([]float32, 2))
	assert.Error(t, err)
}

func TestShapeCodec(t *testing.T) {
	shape, err := parseShape(formatShape([]int{1, 3, 300, 300}))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 300, 300}, shape)

	_, err = parseShape("1,x")
	assert.Error(t, err)
	_, err = parseShape("1,0")
	assert.Error(t, err)
}
