// Package media decodes the slowed source into frames and encodes the
// composed output frames, both through ffmpeg subprocesses.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"vidanon/internal/pipeline"
)

// Player decodes a media file to RGBA frames. It is playable as soon as the
// first frame has been decoded; frames are then handed out one at a time in
// presentation order.
type Player struct {
	ffmpeg string
	path   string
	info   pipeline.MediaInfo

	cmd    *exec.Cmd
	reader *io.PipeReader
	group  *errgroup.Group
	cancel context.CancelFunc
	stderr bytes.Buffer

	frame      *pipeline.Frame
	pending    bool // frame holds a decoded, not yet returned frame
	seq        uint64
	playing    atomic.Bool
	paused     atomic.Bool
	playableMu sync.Mutex
	playable   bool
	closeOnce  sync.Once
}

// NewSourceFactory returns a pipeline source constructor using ffmpeg
func NewSourceFactory(ffmpeg string) func(ctx context.Context, path string, info pipeline.MediaInfo) (pipeline.Source, error) {
	return func(ctx context.Context, path string, info pipeline.MediaInfo) (pipeline.Source, error) {
		return OpenPlayer(ctx, ffmpeg, path, info)
	}
}

// OpenPlayer starts decoding path. info must carry the stream dimensions.
func OpenPlayer(ctx context.Context, ffmpeg, path string, info pipeline.MediaInfo) (*Player, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("unknown frame size for %s", path)
	}
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Player{
		ffmpeg: ffmpeg,
		path:   path,
		info:   info,
		cancel: cancel,
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-fps_mode", "passthrough",
		"-",
	}
	p.cmd = exec.CommandContext(ctx, ffmpeg, args...)

	pr, pw := io.Pipe()
	p.reader = pr
	p.cmd.Stdout = pw
	p.cmd.Stderr = &p.stderr

	if err := p.cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}

	p.group = &errgroup.Group{}
	p.group.Go(func() error {
		err := p.cmd.Wait()
		if err != nil && ctx.Err() == nil {
			err = fmt.Errorf("decoder exited: %w (stderr: %s)", err, strings.TrimSpace(p.stderr.String()))
			pw.CloseWithError(err)
			return err
		}
		// A clean exit reads as io.EOF after the last frame
		pw.Close()
		return nil
	})

	img := image.NewRGBA(image.Rect(0, 0, info.Width, info.Height))
	p.frame = &pipeline.Frame{Image: img}

	log.Printf("[Player] Decoding %s (%dx%d @ %.3f fps)", path, info.Width, info.Height, info.FrameRate)
	return p, nil
}

// AwaitPlayable decodes the first frame and returns the frame size
func (p *Player) AwaitPlayable(ctx context.Context) (image.Point, error) {
	p.playableMu.Lock()
	defer p.playableMu.Unlock()

	size := p.frame.Image.Rect.Size()
	if p.playable {
		return size, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- p.decode()
	}()

	select {
	case err := <-done:
		if errors.Is(err, io.EOF) {
			return size, &pipeline.MediaPlaybackError{Err: fmt.Errorf("%s has no video frames", p.path)}
		}
		if err != nil {
			return size, &pipeline.MediaPlaybackError{Err: err}
		}
	case <-ctx.Done():
		// Unblocks the pending read
		p.Close()
		<-done
		return size, &pipeline.MediaPlaybackError{Err: fmt.Errorf("source not playable: %w", ctx.Err())}
	}

	p.pending = true
	p.playable = true
	return size, nil
}

func (p *Player) Play() error {
	p.playableMu.Lock()
	playable := p.playable
	p.playableMu.Unlock()

	if !playable {
		return fmt.Errorf("source is not playable yet")
	}
	p.paused.Store(false)
	p.playing.Store(true)
	return nil
}

func (p *Player) Pause() {
	p.paused.Store(true)
}

// Next returns the next decoded frame. The frame's image is reused by the
// following call.
func (p *Player) Next(ctx context.Context) (*pipeline.Frame, error) {
	if p.paused.Load() {
		return nil, pipeline.ErrHalted
	}
	if !p.playing.Load() {
		return nil, fmt.Errorf("source is not playing")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p.pending {
		p.pending = false
		return p.frame, nil
	}

	if err := p.decode(); err != nil {
		if errors.Is(err, io.EOF) {
			log.Printf("[Player] %s ended after %d frames", p.path, p.seq)
		}
		return nil, err
	}
	return p.frame, nil
}

// decode reads one frame into the reusable buffer
func (p *Player) decode() error {
	_, err := io.ReadFull(p.reader, p.frame.Image.Pix)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("truncated frame after %d frames", p.seq)
	}
	if err != nil {
		return err
	}

	p.seq++
	p.frame.Seq = p.seq
	if p.info.FrameRate > 0 {
		p.frame.PTS = time.Duration(float64(p.seq-1) / p.info.FrameRate * float64(time.Second))
	}
	return nil
}

func (p *Player) FrameRate() float64 {
	return p.info.FrameRate
}

// Close stops the decoder and releases the pipe
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.reader.Close()
		p.group.Wait()
	})
	return nil
}

// Ensure Player implements pipeline.Source
var _ pipeline.Source = (*Player)(nil)
