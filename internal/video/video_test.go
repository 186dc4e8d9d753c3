package video

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrames(n, w, h int) []*image.RGBA {
	frames := make([]*image.RGBA, n)
	for i := range frames {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetRGBA(x, y, color.RGBA{R: uint8(x + i), G: uint8(y * 3), B: uint8(i * 7), A: 255})
			}
		}
		frames[i] = img
	}
	return frames
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.sfa")

	frames := testFrames(5, 16, 9)
	require.NoError(t, Archive{}.Recompose(ctx, frames, path, Properties{FPS: 24}, dir))

	props, err := Archive{}.ReadProperties(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, Properties{FPS: 24, FrameCount: 5, Width: 16, Height: 9}, props)

	got, err := Archive{}.Decompose(ctx, path, dir)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := range frames {
		assert.Equal(t, frames[i].Pix, got[i].Pix, "frame %d", i)
	}

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveRejectsOtherFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.avi")
	require.NoError(t, os.WriteFile(path, []byte("RIFF....AVI LIST"), 0644))

	_, err := Archive{}.ReadProperties(context.Background(), path)
	assert.ErrorIs(t, err, ErrNotArchive)

	_, err = Archive{}.Decompose(context.Background(), path, "")
	assert.ErrorIs(t, err, ErrNotArchive)
}

func TestArchiveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := filepath.Join(t.TempDir(), "clip.sfa")
	err := Archive{}.Recompose(ctx, testFrames(2, 4, 4), path, Properties{}, "")
	assert.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 30000.0 / 1001.0},
		{"25", 25},
		{"0/0", 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.InDelta(t, tt.want, parseRate(tt.in), 1e-9)
		})
	}
}

func TestNew(t *testing.T) {
	v, err := New(BackendArchive)
	require.NoError(t, err)
	assert.IsType(t, Archive{}, v)

	v, err = New(BackendFFmpeg)
	require.NoError(t, err)
	assert.IsType(t, &FFmpeg{}, v)

	_, err = New("vhs")
	assert.Error(t, err)

	assert.Equal(t, ".avi", NewFFmpeg().Extension())
	assert.Equal(t, ".sfa", Archive{}.Extension())
}

func TestFFmpegMissingBinary(t *testing.T) {
	f := &FFmpeg{FFmpegPath: "/nonexistent/ffmpeg", FFprobePath: "/nonexistent/ffprobe"}
	assert.False(t, f.Available())

	_, err := f.ReadProperties(context.Background(), "clip.avi")
	assert.ErrorIs(t, err, ErrToolMissing)
}

func TestFFmpegLosslessRoundTrip(t *testing.T) {
	f := NewFFmpeg()
	if !f.Available() {
		t.Skip("ffmpeg not installed")
	}

	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.avi")

	frames := testFrames(4, 32, 18)
	require.NoError(t, f.Recompose(ctx, frames, path, Properties{FPS: 10}, dir))

	props, err := f.ReadProperties(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 4, props.FrameCount)
	assert.Equal(t, 32, props.Width)
	assert.Equal(t, 18, props.Height)
	assert.InDelta(t, 10, props.FPS, 0.01)

	got, err := f.Decompose(ctx, path, t.TempDir())
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i := range frames {
		assert.Equal(t, frames[i].Pix, got[i].Pix, "frame %d", i)
	}
}
