package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"vidanon/internal/pipeline"
)

// Recorder encodes RGBA frames to a WebM file at a fixed frame rate
type Recorder struct {
	ffmpeg string
	path   string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	group  *errgroup.Group
	stderr bytes.Buffer
	size   image.Point
	row    []byte
	frames uint64
	mu     sync.Mutex
}

// NewCaptureFactory returns a pipeline capture constructor using ffmpeg
func NewCaptureFactory(ffmpeg string) func(path string) pipeline.Capture {
	return func(path string) pipeline.Capture {
		return NewRecorder(ffmpeg, path)
	}
}

// NewRecorder creates a recorder writing to path
func NewRecorder(ffmpeg, path string) *Recorder {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Recorder{ffmpeg: ffmpeg, path: path}
}

// EncoderArgs returns the ffmpeg arguments for a size x frameRate recording
func EncoderArgs(size image.Point, frameRate float64, path string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", size.X, size.Y),
		"-framerate", strconv.FormatFloat(frameRate, 'f', -1, 64),
		"-i", "-",
		"-an",
		"-c:v", "libvpx",
		"-b:v", "4M",
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-pix_fmt", "yuv420p",
		"-f", "webm",
		path,
	}
}

func (r *Recorder) Start(ctx context.Context, size image.Point, frameRate float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil {
		return fmt.Errorf("recorder already started")
	}
	if size.X <= 0 || size.Y <= 0 {
		return fmt.Errorf("invalid frame size %v", size)
	}
	if frameRate <= 0 {
		return fmt.Errorf("invalid frame rate %v", frameRate)
	}

	cmd := exec.CommandContext(ctx, r.ffmpeg, EncoderArgs(size, frameRate, r.path)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder stdin: %w", err)
	}
	cmd.Stderr = &r.stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.size = size
	r.row = make([]byte, size.X*4)
	r.group = &errgroup.Group{}
	r.group.Go(func() error {
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("encoder exited: %w (stderr: %s)", err, strings.TrimSpace(r.stderr.String()))
		}
		return nil
	})

	log.Printf("[Recorder] Recording %dx%d @ %.3f fps to %s", size.X, size.Y, frameRate, r.path)
	return nil
}

// WriteFrame encodes one frame. The image must match the recording size.
func (r *Recorder) WriteFrame(img *image.RGBA) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stdin == nil {
		return fmt.Errorf("recorder not started")
	}
	if img.Rect.Size() != r.size {
		return fmt.Errorf("frame is %v, recording is %v", img.Rect.Size(), r.size)
	}

	if err := writeRGBA(r.stdin, img, r.row); err != nil {
		return fmt.Errorf("encoder write: %w", err)
	}
	r.frames++
	return nil
}

// Stop flushes the encoder and returns the recorded file
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stdin == nil {
		return "", fmt.Errorf("recorder not started")
	}

	r.stdin.Close()
	r.stdin = nil
	if err := r.group.Wait(); err != nil {
		return "", err
	}

	log.Printf("[Recorder] Wrote %d frames to %s", r.frames, r.path)
	return r.path, nil
}

// Frames returns the number of frames written
func (r *Recorder) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// writeRGBA writes the image's pixels tightly packed, row by row
func writeRGBA(w io.Writer, img *image.RGBA, row []byte) error {
	width := img.Rect.Dx() * 4
	if img.Stride == width && img.Rect.Min == (image.Point{}) {
		_, err := w.Write(img.Pix[:width*img.Rect.Dy()])
		return err
	}

	for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
		start := img.PixOffset(img.Rect.Min.X, y)
		copy(row, img.Pix[start:start+width])
		if _, err := w.Write(row[:width]); err != nil {
			return err
		}
	}
	return nil
}

// Ensure Recorder implements pipeline.Capture
var _ pipeline.Capture = (*Recorder)(nil)
