package pipeline

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLoopDetectorsRunInOrder(t *testing.T) {
	src := newFakeSource(32, 32, 4)
	require.NoError(t, src.Play())
	capture := &fakeCapture{}

	var order []string
	a := &orderedDetector{name: "a", order: &order, region: DetectedRegion{X: 0, Y: 0, Width: 4, Height: 4}}
	b := &orderedDetector{name: "b", order: &order, region: DetectedRegion{X: 8, Y: 8, Width: 4, Height: 4}}

	loop := NewFrameLoop("r", src, capture, []Detector{a, b}, boxRenderer{}, image.Pt(32, 32))
	var progress []uint64
	loop.OnProgress(func(n uint64) { progress = append(progress, n) })

	stats, err := loop.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(4), stats.FramesProcessed)
	assert.Equal(t, uint64(8), stats.RegionsDrawn)
	assert.Equal(t, []uint64{1, 2, 3, 4}, progress)
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b", "a", "b"}, order)
	assert.Contains(t, stats.DetectorTime, "a")
	assert.Contains(t, stats.DetectorTime, "b")

	// No residual frame after the source ended
	assert.Len(t, capture.frames, 4)
}

func TestFrameLoopSurfaceResetEachCycle(t *testing.T) {
	src := newFakeSource(16, 16, 2)
	require.NoError(t, src.Play())
	capture := &fakeCapture{}

	// Draws only on the first frame
	det := &seqDetector{onSeq: 1, region: DetectedRegion{X: 0, Y: 0, Width: 8, Height: 8}}
	loop := NewFrameLoop("r", src, capture, []Detector{det}, boxRenderer{}, image.Pt(16, 16))

	_, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, capture.frames, 2)

	assert.NotEqual(t, src.base, capture.frames[0].RGBAAt(2, 2))
	assert.Equal(t, src.base, capture.frames[1].RGBAAt(2, 2))
}

func TestFrameLoopHalted(t *testing.T) {
	src := newFakeSource(8, 8, 10)
	require.NoError(t, src.Play())
	capture := &fakeCapture{onWrite: func(n int) {
		if n == 2 {
			src.Pause()
		}
	}}

	loop := NewFrameLoop("r", src, capture, nil, boxRenderer{}, image.Pt(8, 8))
	stats, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.Stopped)
	assert.Equal(t, uint64(2), stats.FramesProcessed)
}

func TestFrameLoopSizeMismatch(t *testing.T) {
	src := newFakeSource(8, 8, 1)
	require.NoError(t, src.Play())

	loop := NewFrameLoop("r", src, &fakeCapture{}, nil, boxRenderer{}, image.Pt(16, 16))
	_, err := loop.Run(context.Background())
	var pe *MediaPlaybackError
	assert.ErrorAs(t, err, &pe)
}

func TestFrameLoopCaptureFailure(t *testing.T) {
	src := newFakeSource(8, 8, 3)
	require.NoError(t, src.Play())

	loop := NewFrameLoop("r", src, &fakeCapture{err: errors.New("broken pipe")}, nil, boxRenderer{}, image.Pt(8, 8))
	_, err := loop.Run(context.Background())
	var te *TranscodeError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "record", te.Step)
}

func TestFrameLoopCanceled(t *testing.T) {
	src := newFakeSource(8, 8, 3)
	require.NoError(t, src.Play())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop := NewFrameLoop("r", src, &fakeCapture{}, nil, boxRenderer{}, image.Pt(8, 8))
	stats, err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.FramesProcessed)
}

type orderedDetector struct {
	name   string
	order  *[]string
	region DetectedRegion
}

func (d *orderedDetector) Name() string    { return d.name }
func (d *orderedDetector) Kind() ModelKind { return KindCascade }
func (d *orderedDetector) Close() error    { return nil }

func (d *orderedDetector) Detect(ctx context.Context, frame *Frame) ([]DetectedRegion, error) {
	*d.order = append(*d.order, d.name)
	return []DetectedRegion{d.region}, nil
}

type seqDetector struct {
	onSeq  uint64
	region DetectedRegion
}

func (d *seqDetector) Name() string    { return "seq" }
func (d *seqDetector) Kind() ModelKind { return KindNeural }
func (d *seqDetector) Close() error    { return nil }

func (d *seqDetector) Detect(ctx context.Context, frame *Frame) ([]DetectedRegion, error) {
	if frame.Seq == d.onSeq {
		return []DetectedRegion{d.region}, nil
	}
	return nil, nil
}
