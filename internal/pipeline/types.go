package pipeline

import (
	"fmt"
	"image"
	"io"
	"math"
	"sort"
	"strings"
	"time"
)

// AnonymizationStyle defines how detected regions are overdrawn
type AnonymizationStyle string

const (
	// StyleRectangle fills the region's bounding box
	StyleRectangle AnonymizationStyle = "rectangle"
	// StyleEllipse fills the ellipse inscribed in the region's bounding box
	StyleEllipse AnonymizationStyle = "ellipse"
)

// ParseStyle accepts the canonical style names plus the legacy
// "blackRect"/"blackCirc" names used by older option payloads
func ParseStyle(s string) (AnonymizationStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rectangle", "rect", "blackrect", "":
		return StyleRectangle, nil
	case "ellipse", "circle", "blackcirc":
		return StyleEllipse, nil
	}
	return "", fmt.Errorf("unknown anonymization style %q", s)
}

// ModelKind identifies the detector family a model belongs to
type ModelKind int

const (
	// KindCascade is a staged classifier run on a reduced grayscale image
	KindCascade ModelKind = iota
	// KindNeural is a single-shot detector run on a fixed-size color blob
	KindNeural
)

func (k ModelKind) String() string {
	switch k {
	case KindCascade:
		return "cascade"
	case KindNeural:
		return "neural"
	default:
		return fmt.Sprintf("ModelKind(%d)", int(k))
	}
}

// Output containers the post-transform can produce
var supportedFormats = map[string]bool{
	"mp4": true,
	"mov": true,
	"mkv": true,
}

// PipelineOptions is resolved before a run starts and never mutated after
type PipelineOptions struct {
	PlaybackRate       float64            `json:"playback_rate" yaml:"playback_rate"`             // Temporal slow-down, 0 < r <= 1
	ScaleFactor        float64            `json:"scale_factor" yaml:"scale_factor"`               // Spatial resize applied during slow-down
	OutputFormat       string             `json:"output_format" yaml:"output_format"`             // Final container (mp4, mov, mkv)
	Style              AnonymizationStyle `json:"style" yaml:"style"`                             // Redaction shape
	DetectionThreshold float64            `json:"detection_threshold" yaml:"detection_threshold"` // Neural confidence cutoff (strict >)
	Toggles            map[string]bool    `json:"toggles" yaml:"toggles"`                         // Enabled catalog models by name
}

// DefaultOptions mirrors the defaults of the original options form
func DefaultOptions() PipelineOptions {
	return PipelineOptions{
		PlaybackRate:       0.5,
		ScaleFactor:        1,
		OutputFormat:       "mp4",
		Style:              StyleRectangle,
		DetectionThreshold: 0.5,
		Toggles:            map[string]bool{"multiFace": true},
	}
}

// Validate checks ranges; known lists the model names toggles may refer to
// (nil skips the toggle check)
func (o PipelineOptions) Validate(known []string) error {
	if math.IsNaN(o.PlaybackRate) || o.PlaybackRate <= 0 || o.PlaybackRate > 1 {
		return fmt.Errorf("playback rate must be in (0, 1], got %v", o.PlaybackRate)
	}
	if math.IsNaN(o.ScaleFactor) || math.IsInf(o.ScaleFactor, 0) || o.ScaleFactor <= 0 {
		return fmt.Errorf("scale factor must be > 0, got %v", o.ScaleFactor)
	}
	if !supportedFormats[o.OutputFormat] {
		return fmt.Errorf("unsupported output format %q", o.OutputFormat)
	}
	if o.Style != StyleRectangle && o.Style != StyleEllipse {
		return fmt.Errorf("unknown anonymization style %q", o.Style)
	}
	if math.IsNaN(o.DetectionThreshold) || o.DetectionThreshold < 0 || o.DetectionThreshold > 1 {
		return fmt.Errorf("detection threshold must be in [0, 1], got %v", o.DetectionThreshold)
	}
	if known != nil {
		valid := make(map[string]bool, len(known))
		for _, name := range known {
			valid[name] = true
		}
		for name := range o.Toggles {
			if !valid[name] {
				return fmt.Errorf("unknown detection toggle %q", name)
			}
		}
	}
	return nil
}

// EnabledToggles returns the names of enabled toggles, sorted
func (o PipelineOptions) EnabledToggles() []string {
	names := make([]string, 0, len(o.Toggles))
	for name, on := range o.Toggles {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Clone returns a copy that shares no mutable state with o
func (o PipelineOptions) Clone() PipelineOptions {
	c := o
	c.Toggles = make(map[string]bool, len(o.Toggles))
	for k, v := range o.Toggles {
		c.Toggles[k] = v
	}
	return c
}

// DetectedRegion is a box in output-frame pixel coordinates
type DetectedRegion struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect returns the smallest integer rectangle covering the region
func (r DetectedRegion) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(r.X)),
		int(math.Floor(r.Y)),
		int(math.Ceil(r.X+r.Width)),
		int(math.Ceil(r.Y+r.Height)),
	)
}

// ClampRegion builds a region from corner coordinates clamped into a
// width x height frame. ok is false when the clamped box is degenerate.
func ClampRegion(left, top, right, bottom float64, width, height int) (DetectedRegion, bool) {
	maxX := float64(width)
	maxY := float64(height)
	left = clamp(left, 0, maxX)
	right = clamp(right, 0, maxX)
	top = clamp(top, 0, maxY)
	bottom = clamp(bottom, 0, maxY)
	if left >= right || top >= bottom || left >= maxX || top >= maxY {
		return DetectedRegion{}, false
	}
	return DetectedRegion{X: left, Y: top, Width: right - left, Height: bottom - top}, true
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}

// Frame is a decoded snapshot of the source at one instant. Adapters must
// treat Image as read-only; it is only valid until the next cycle.
type Frame struct {
	Seq   uint64
	PTS   time.Duration
	Image *image.RGBA
}

// Width of the frame in pixels
func (f *Frame) Width() int { return f.Image.Rect.Dx() }

// Height of the frame in pixels
func (f *Frame) Height() int { return f.Image.Rect.Dy() }

// Upload is the raw media handed to a run
type Upload struct {
	Name   string                        // Declared file name
	Format string                        // Client-declared format (e.g. video/mp4)
	Open   func() (io.ReadCloser, error) // Opens the media bytes; may be called more than once
}

// MediaInfo describes a probed media file
type MediaInfo struct {
	Duration  time.Duration
	Width     int
	Height    int
	FrameRate float64
	Frames    int
	HasAudio  bool
	Rotation  int // Display rotation in degrees; Width and Height are already in display orientation
}

// RunStats summarizes one run's detection phase
type RunStats struct {
	FramesProcessed uint64                   `json:"frames_processed"`
	RegionsDrawn    uint64                   `json:"regions_drawn"`
	DetectorTime    map[string]time.Duration `json:"detector_time"`
	Stopped         bool                     `json:"stopped"` // Playback halted before the source ended
}

// RunResult is returned by a successful run
type RunResult struct {
	RunID       string
	ArtifactURL string
	Path        string
	Stats       RunStats
}
