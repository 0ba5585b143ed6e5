// Package redact overdraws detected regions on output frames.
package redact

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"vidanon/internal/pipeline"
)

// Bezier control offset for a quarter-circle approximation
const kappa = 0.5522847498

// Renderer fills regions with an opaque color in a fixed shape
type Renderer struct {
	style pipeline.AnonymizationStyle
	fill  *image.Uniform
	ras   *vector.Rasterizer
	mask  *image.Alpha
}

// New creates a black renderer for style
func New(style pipeline.AnonymizationStyle) *Renderer {
	return NewWithColor(style, color.Black)
}

// NewWithColor creates a renderer with a custom fill color
func NewWithColor(style pipeline.AnonymizationStyle, c color.Color) *Renderer {
	return &Renderer{
		style: style,
		fill:  image.NewUniform(c),
		ras:   vector.NewRasterizer(0, 0),
	}
}

// Style returns the renderer's shape
func (r *Renderer) Style() pipeline.AnonymizationStyle {
	return r.style
}

// Draw fills every region in order. Regions are independent; overlapping
// regions are simply painted twice.
func (r *Renderer) Draw(dst xdraw.Image, regions []pipeline.DetectedRegion) {
	bounds := dst.Bounds()
	for _, region := range regions {
		if region.Width <= 0 || region.Height <= 0 {
			continue
		}
		switch r.style {
		case pipeline.StyleEllipse:
			r.drawEllipse(dst, bounds, region)
		default:
			rect := region.Rect().Add(bounds.Min).Intersect(bounds)
			xdraw.Draw(dst, rect, r.fill, image.Point{}, xdraw.Src)
		}
	}
}

// drawEllipse fills the ellipse inscribed in the region: centered on the
// region center with radii width/2 and height/2
func (r *Renderer) drawEllipse(dst xdraw.Image, bounds image.Rectangle, region pipeline.DetectedRegion) {
	box := region.Rect()
	target := box.Add(bounds.Min)
	if !target.In(bounds) {
		// Regions are expected inside the frame; anything else is clipped
		// before it reaches the rasterizer, whose mask must fit dst
		clipped := target.Intersect(bounds).Sub(bounds.Min)
		if clipped.Empty() {
			return
		}
		region = clipRegion(region, clipped)
		box = region.Rect()
		target = box.Add(bounds.Min)
	}

	size := box.Size()
	if size.X <= 0 || size.Y <= 0 {
		return
	}

	cx, cy, rx, ry := Ellipse(region)
	// Rasterizer space is relative to the integer box
	cx -= float64(box.Min.X)
	cy -= float64(box.Min.Y)

	r.ras.Reset(size.X, size.Y)
	r.ras.DrawOp = xdraw.Src

	kx, ky := rx*kappa, ry*kappa
	r.ras.MoveTo(f32(cx+rx), f32(cy))
	r.ras.CubeTo(f32(cx+rx), f32(cy+ky), f32(cx+kx), f32(cy+ry), f32(cx), f32(cy+ry))
	r.ras.CubeTo(f32(cx-kx), f32(cy+ry), f32(cx-rx), f32(cy+ky), f32(cx-rx), f32(cy))
	r.ras.CubeTo(f32(cx-rx), f32(cy-ky), f32(cx-kx), f32(cy-ry), f32(cx), f32(cy-ry))
	r.ras.CubeTo(f32(cx+kx), f32(cy-ry), f32(cx+rx), f32(cy-ky), f32(cx+rx), f32(cy))
	r.ras.ClosePath()

	if r.mask == nil || r.mask.Rect.Size() != size {
		r.mask = image.NewAlpha(image.Rectangle{Max: size})
	}
	r.ras.Draw(r.mask, r.mask.Rect, image.Opaque, image.Point{})

	// Hard edge: a pixel is either covered or untouched, so repeated draws
	// of the same region produce the same output
	for i, a := range r.mask.Pix {
		if a >= 0x80 {
			r.mask.Pix[i] = 0xff
		} else {
			r.mask.Pix[i] = 0
		}
	}
	xdraw.DrawMask(dst, target, r.fill, image.Point{}, r.mask, image.Point{}, xdraw.Over)
}

func clipRegion(region pipeline.DetectedRegion, clip image.Rectangle) pipeline.DetectedRegion {
	x0 := math.Max(region.X, float64(clip.Min.X))
	y0 := math.Max(region.Y, float64(clip.Min.Y))
	x1 := math.Min(region.X+region.Width, float64(clip.Max.X))
	y1 := math.Min(region.Y+region.Height, float64(clip.Max.Y))
	return pipeline.DetectedRegion{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Ellipse returns the center and radii of the ellipse inscribed in region
func Ellipse(region pipeline.DetectedRegion) (cx, cy, rx, ry float64) {
	rx = region.Width / 2
	ry = region.Height / 2
	return region.X + rx, region.Y + ry, rx, ry
}

func f32(v float64) float32 {
	return float32(math.Round(v*256) / 256)
}

// Ensure Renderer implements pipeline.Renderer
var _ pipeline.Renderer = (*Renderer)(nil)
