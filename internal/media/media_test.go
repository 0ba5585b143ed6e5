package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidanon/internal/pipeline"
)

func requireFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	return path
}

func TestWriteRGBA_Packed(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for i := range img.Pix {
		img.Pix[i] = byte(i)
	}

	var buf bytes.Buffer
	require.NoError(t, writeRGBA(&buf, img, make([]byte, 12)))
	assert.Equal(t, img.Pix, buf.Bytes())
}

func TestWriteRGBA_SubImage(t *testing.T) {
	base := image.NewRGBA(image.Rect(0, 0, 4, 4))
	base.Set(1, 1, color.RGBA{R: 9, A: 255})
	base.Set(2, 2, color.RGBA{G: 7, A: 255})
	sub := base.SubImage(image.Rect(1, 1, 3, 3)).(*image.RGBA)

	var buf bytes.Buffer
	require.NoError(t, writeRGBA(&buf, sub, make([]byte, 8)))

	out := buf.Bytes()
	require.Len(t, out, 2*2*4)
	assert.Equal(t, []byte{9, 0, 0, 255}, out[0:4])
	assert.Equal(t, []byte{0, 7, 0, 255}, out[12:16])
}

func TestEncoderArgs(t *testing.T) {
	args := EncoderArgs(image.Pt(640, 360), 7.5, "/work/slow.webm")

	assert.Contains(t, args, "640x360")
	assert.Contains(t, args, "7.5")
	assert.Contains(t, args, "libvpx")
	assert.Equal(t, "/work/slow.webm", args[len(args)-1])
}

func TestOpenPlayer_RequiresSize(t *testing.T) {
	_, err := OpenPlayer(context.Background(), "ffmpeg", "clip.mp4", pipeline.MediaInfo{})
	assert.Error(t, err)
}

func TestOpenPlayer_MissingBinary(t *testing.T) {
	info := pipeline.MediaInfo{Width: 4, Height: 4, FrameRate: 1}
	_, err := OpenPlayer(context.Background(), "/nonexistent/ffmpeg", "clip.mp4", info)
	assert.Error(t, err)
}

func TestRecorder_NotStarted(t *testing.T) {
	r := NewRecorder("ffmpeg", "out.webm")

	assert.Error(t, r.WriteFrame(image.NewRGBA(image.Rect(0, 0, 2, 2))))
	_, err := r.Stop()
	assert.Error(t, err)
}

func TestRecorder_InvalidStart(t *testing.T) {
	r := NewRecorder("ffmpeg", "out.webm")
	ctx := context.Background()

	assert.Error(t, r.Start(ctx, image.Pt(0, 10), 10))
	assert.Error(t, r.Start(ctx, image.Pt(10, 10), 0))
}

func TestRecorderPlayer_RoundTrip(t *testing.T) {
	ffmpeg := requireFFmpeg(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "slow.webm")
	size := image.Pt(32, 24)

	rec := NewRecorder(ffmpeg, path)
	require.NoError(t, rec.Start(ctx, size, 10))

	frame := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	for i := 0; i < 5; i++ {
		require.NoError(t, rec.WriteFrame(frame))
	}
	assert.Error(t, rec.WriteFrame(image.NewRGBA(image.Rect(0, 0, 8, 8))))

	out, err := rec.Stop()
	require.NoError(t, err)
	assert.Equal(t, path, out)
	assert.Equal(t, uint64(5), rec.Frames())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, st.Size(), int64(0))

	player, err := OpenPlayer(ctx, ffmpeg, path, pipeline.MediaInfo{Width: size.X, Height: size.Y, FrameRate: 10})
	require.NoError(t, err)
	defer player.Close()

	_, err = player.Next(ctx)
	assert.Error(t, err, "next before play")

	got, err := player.AwaitPlayable(ctx)
	require.NoError(t, err)
	assert.Equal(t, size, got)
	require.NoError(t, player.Play())

	var frames int
	for {
		f, err := player.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		frames++
		assert.Equal(t, uint64(frames), f.Seq)
	}
	assert.Equal(t, 5, frames)
}

func TestPlayer_PauseHalts(t *testing.T) {
	ffmpeg := requireFFmpeg(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "clip.webm")
	rec := NewRecorder(ffmpeg, path)
	require.NoError(t, rec.Start(ctx, image.Pt(16, 16), 5))
	for i := 0; i < 3; i++ {
		require.NoError(t, rec.WriteFrame(image.NewRGBA(image.Rect(0, 0, 16, 16))))
	}
	_, err := rec.Stop()
	require.NoError(t, err)

	player, err := OpenPlayer(ctx, ffmpeg, path, pipeline.MediaInfo{Width: 16, Height: 16, FrameRate: 5})
	require.NoError(t, err)
	defer player.Close()

	_, err = player.AwaitPlayable(ctx)
	require.NoError(t, err)
	require.NoError(t, player.Play())

	_, err = player.Next(ctx)
	require.NoError(t, err)

	player.Pause()
	_, err = player.Next(ctx)
	assert.ErrorIs(t, err, pipeline.ErrHalted)
}
