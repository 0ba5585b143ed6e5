package redact

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidanon/internal/pipeline"
)

var white = color.RGBA{255, 255, 255, 255}

func canvas(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return img
}

func isBlack(img *image.RGBA, x, y int) bool {
	c := img.RGBAAt(x, y)
	return c.R == 0 && c.G == 0 && c.B == 0 && c.A == 255
}

func TestParseStyleLegacyNames(t *testing.T) {
	s, err := pipeline.ParseStyle("blackCirc")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StyleEllipse, New(s).Style())
}

func TestRectangleFill(t *testing.T) {
	img := canvas(20, 20)
	New(pipeline.StyleRectangle).Draw(img, []pipeline.DetectedRegion{{X: 5, Y: 4, Width: 6, Height: 3}})

	assert.True(t, isBlack(img, 5, 4))
	assert.True(t, isBlack(img, 10, 6))
	assert.False(t, isBlack(img, 11, 6))
	assert.False(t, isBlack(img, 5, 7))
	assert.Equal(t, white, img.RGBAAt(4, 4))
}

func TestRectangleClippedToFrame(t *testing.T) {
	img := canvas(10, 10)
	New(pipeline.StyleRectangle).Draw(img, []pipeline.DetectedRegion{{X: 8, Y: 8, Width: 10, Height: 10}})

	assert.True(t, isBlack(img, 9, 9))
	assert.Equal(t, white, img.RGBAAt(7, 7))
}

func TestDrawIsIdempotent(t *testing.T) {
	regions := []pipeline.DetectedRegion{
		{X: 2, Y: 3, Width: 10, Height: 6},
		{X: 8, Y: 5, Width: 7, Height: 9}, // overlaps the first
	}

	for _, style := range []pipeline.AnonymizationStyle{pipeline.StyleRectangle, pipeline.StyleEllipse} {
		t.Run(string(style), func(t *testing.T) {
			r := New(style)
			once := canvas(24, 24)
			r.Draw(once, regions)

			twice := canvas(24, 24)
			r.Draw(twice, regions)
			r.Draw(twice, regions)

			assert.Equal(t, once.Pix, twice.Pix)
		})
	}
}

func TestEllipseCenteredOnRegion(t *testing.T) {
	region := pipeline.DetectedRegion{X: 40, Y: 60, Width: 40, Height: 20}
	cx, cy, rx, ry := Ellipse(region)
	assert.Equal(t, 60.0, cx)
	// A y*width/height remap would put the center at 60*2+20 = 140
	assert.Equal(t, 70.0, cy)
	assert.Equal(t, 20.0, rx)
	assert.Equal(t, 10.0, ry)
}

func TestEllipseFillStaysInsideBox(t *testing.T) {
	img := canvas(120, 100)
	region := pipeline.DetectedRegion{X: 40, Y: 60, Width: 40, Height: 20}
	New(pipeline.StyleEllipse).Draw(img, []pipeline.DetectedRegion{region})

	// Center and the axis extremes are covered
	assert.True(t, isBlack(img, 60, 70))
	assert.True(t, isBlack(img, 42, 70))
	assert.True(t, isBlack(img, 77, 70))
	assert.True(t, isBlack(img, 60, 62))
	assert.True(t, isBlack(img, 60, 77))

	// Corners of the box are outside the ellipse
	assert.Equal(t, white, img.RGBAAt(40, 60))
	assert.Equal(t, white, img.RGBAAt(79, 79))

	// Nothing is painted outside the bounding box
	for y := 0; y < 100; y++ {
		for x := 0; x < 120; x++ {
			if x >= 40 && x < 80 && y >= 60 && y < 80 {
				continue
			}
			require.Equal(t, white, img.RGBAAt(x, y), "pixel %d,%d", x, y)
		}
	}
}

func TestEllipseClippedAtFrameEdge(t *testing.T) {
	img := canvas(30, 30)
	New(pipeline.StyleEllipse).Draw(img, []pipeline.DetectedRegion{{X: 20, Y: 20, Width: 20, Height: 20}})

	// The visible part of the box gets its own inscribed ellipse
	assert.True(t, isBlack(img, 25, 25))
	assert.True(t, isBlack(img, 29, 25))
	assert.Equal(t, white, img.RGBAAt(29, 29))
	assert.Equal(t, white, img.RGBAAt(19, 19))
}

func TestDrawSkipsEmptyRegions(t *testing.T) {
	img := canvas(10, 10)
	New(pipeline.StyleRectangle).Draw(img, []pipeline.DetectedRegion{{X: 2, Y: 2, Width: 0, Height: 5}})
	New(pipeline.StyleEllipse).Draw(img, nil)

	for i := range img.Pix {
		require.Equal(t, uint8(255), img.Pix[i])
	}
}
