// Package transcode runs the ffmpeg steps around a run: slowing the upload
// down before detection and restoring speed, container and audio after.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"vidanon/internal/pipeline"
)

// Engine is a media toolbox bound to one work directory
type Engine interface {
	// Load prepares the engine; calling it again is a no-op
	Load(ctx context.Context) error
	Write(ctx context.Context, name string, r io.Reader) error
	// Run executes one ffmpeg invocation; invocations never overlap
	Run(ctx context.Context, args ...string) error
	Read(ctx context.Context, name string) (io.ReadCloser, error)
	Path(name string) string
	Probe(ctx context.Context, name string) (pipeline.MediaInfo, error)
	Close() error
}

// EngineConfig locates the ffmpeg binaries and the work root
type EngineConfig struct {
	FFmpeg   string
	FFprobe  string
	WorkRoot string
}

// FFmpegEngine implements Engine with the ffmpeg and ffprobe executables
type FFmpegEngine struct {
	config EngineConfig
	runID  string
	dir    string
	loaded bool
	mu     sync.Mutex // Serializes Load and Run
}

// NewFFmpegEngine creates an engine whose work directory is created on Load
func NewFFmpegEngine(runID string, config EngineConfig) *FFmpegEngine {
	if config.FFmpeg == "" {
		config.FFmpeg = "ffmpeg"
	}
	if config.FFprobe == "" {
		config.FFprobe = "ffprobe"
	}
	if config.WorkRoot == "" {
		config.WorkRoot = os.TempDir()
	}
	return &FFmpegEngine{config: config, runID: runID}
}

func (e *FFmpegEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		return nil
	}

	for _, bin := range []string{e.config.FFmpeg, e.config.FFprobe} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not available: %w", bin, err)
		}
	}

	if err := os.MkdirAll(e.config.WorkRoot, 0755); err != nil {
		return fmt.Errorf("failed to create work root: %w", err)
	}
	dir, err := os.MkdirTemp(e.config.WorkRoot, "run-"+e.runID+"-")
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	e.dir = dir
	e.loaded = true
	log.Printf("[Transcode] Run %s: work dir %s", e.runID, dir)
	return nil
}

// Dir returns the work directory, empty before Load
func (e *FFmpegEngine) Dir() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir
}

func (e *FFmpegEngine) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(e.Dir(), name)
}

func (e *FFmpegEngine) Write(ctx context.Context, name string, r io.Reader) error {
	if e.Dir() == "" {
		return fmt.Errorf("engine not loaded")
	}

	dest := e.Path(name)
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

func (e *FFmpegEngine) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	if e.Dir() == "" {
		return nil, fmt.Errorf("engine not loaded")
	}
	return os.Open(e.Path(name))
}

func (e *FFmpegEngine) Run(ctx context.Context, args ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return fmt.Errorf("engine not loaded")
	}

	full := append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)
	cmd := exec.CommandContext(ctx, e.config.FFmpeg, full...)
	cmd.Dir = e.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Printf("[Transcode] Run %s: ffmpeg %s", e.runID, strings.Join(args, " "))
	start := time.Now()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	log.Printf("[Transcode] Run %s: ffmpeg finished in %v", e.runID, time.Since(start).Round(time.Millisecond))
	return nil
}

func (e *FFmpegEngine) Probe(ctx context.Context, name string) (pipeline.MediaInfo, error) {
	cmd := exec.CommandContext(ctx, e.config.FFprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		e.Path(name),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return pipeline.MediaInfo{}, fmt.Errorf("ffprobe failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return ParseProbe(stdout.Bytes())
}

// Close removes the work directory and everything in it
func (e *FFmpegEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dir == "" {
		return nil
	}
	err := os.RemoveAll(e.dir)
	e.dir = ""
	e.loaded = false
	return err
}

// ParseProbe extracts media info from ffprobe's JSON output
func ParseProbe(data []byte) (pipeline.MediaInfo, error) {
	if !gjson.ValidBytes(data) {
		return pipeline.MediaInfo{}, fmt.Errorf("invalid ffprobe output")
	}
	doc := gjson.ParseBytes(data)

	video := doc.Get(`streams.#(codec_type=="video")`)
	if !video.Exists() {
		return pipeline.MediaInfo{}, fmt.Errorf("no video stream")
	}

	info := pipeline.MediaInfo{
		Width:    int(video.Get("width").Int()),
		Height:   int(video.Get("height").Int()),
		Frames:   int(video.Get("nb_frames").Int()),
		HasAudio: doc.Get(`streams.#(codec_type=="audio")`).Exists(),
	}

	// The decoder autorotates, so frames come out in display orientation
	info.Rotation = streamRotation(video)
	if info.Rotation == 90 || info.Rotation == 270 {
		info.Width, info.Height = info.Height, info.Width
	}

	info.FrameRate = parseRate(video.Get("avg_frame_rate").String())
	if info.FrameRate == 0 {
		info.FrameRate = parseRate(video.Get("r_frame_rate").String())
	}

	seconds := doc.Get("format.duration").Float()
	if seconds == 0 {
		seconds = video.Get("duration").Float()
	}
	info.Duration = time.Duration(math.Round(seconds * float64(time.Second)))

	if info.Frames == 0 && info.FrameRate > 0 {
		info.Frames = int(seconds*info.FrameRate + 0.5)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return info, fmt.Errorf("invalid video dimensions %dx%d", info.Width, info.Height)
	}
	return info, nil
}

// streamRotation returns the display rotation normalized to [0, 360), from
// the display matrix side data or the legacy rotate tag
func streamRotation(video gjson.Result) int {
	var degrees float64
	video.Get("side_data_list").ForEach(func(_, side gjson.Result) bool {
		if r := side.Get("rotation"); r.Exists() {
			degrees = r.Float()
			return false
		}
		return true
	})
	if degrees == 0 {
		degrees = video.Get("tags.rotate").Float()
	}

	rot := int(math.Round(degrees)) % 360
	if rot < 0 {
		rot += 360
	}
	return rot
}

// parseRate parses an ffprobe rational such as "30000/1001"
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Ensure FFmpegEngine implements Engine
var _ Engine = (*FFmpegEngine)(nil)
