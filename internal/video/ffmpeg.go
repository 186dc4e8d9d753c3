package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/faanross/simulacra_vid/internal/stego"
	"github.com/sirupsen/logrus"
)

// ErrToolMissing is returned when ffmpeg or ffprobe cannot be found
var ErrToolMissing = errors.New("ffmpeg tooling not available")

const framePattern = "frame%d.png"

// FFmpeg implements IO and Converter by shelling out to ffprobe and ffmpeg.
// Recomposed videos are FFV1 in an AVI container so pixel values survive.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

// NewFFmpeg uses the binaries found on PATH
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"}
}

// Available reports whether both binaries resolve
func (f *FFmpeg) Available() bool {
	if _, err := exec.LookPath(f.FFmpegPath); err != nil {
		return false
	}
	_, err := exec.LookPath(f.FFprobePath)
	return err == nil
}

func (f *FFmpeg) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrToolMissing, bin, err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logrus.WithFields(logrus.Fields{
		"function": "FFmpeg.run",
		"bin":      bin,
		"args":     strings.Join(args, " "),
	}).Debug("Running external tool")

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", filepath.Base(bin), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

type probeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// Extension implements IO
func (f *FFmpeg) Extension() string { return ".avi" }

// ReadProperties counts packets of the first video stream; header frame
// counts are unreliable across containers.
func (f *FFmpeg) ReadProperties(ctx context.Context, path string) (Properties, error) {
	out, err := f.run(ctx, f.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=width,height,r_frame_rate,nb_read_packets",
		"-of", "json",
		path,
	)
	if err != nil {
		return Properties{}, err
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return Properties{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return Properties{}, fmt.Errorf("no video stream in %s", path)
	}

	s := probe.Streams[0]
	count, err := strconv.Atoi(s.NbReadPackets)
	if err != nil {
		return Properties{}, fmt.Errorf("parse frame count %q: %w", s.NbReadPackets, err)
	}

	return Properties{
		FPS:        parseRate(s.RFrameRate),
		FrameCount: count,
		Width:      s.Width,
		Height:     s.Height,
	}, nil
}

// parseRate turns "30000/1001" into 29.97
func parseRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Decompose extracts every frame as PNG into workspace and loads them
func (f *FFmpeg) Decompose(ctx context.Context, path, workspace string) ([]*image.RGBA, error) {
	dir := filepath.Join(workspace, "decomposed")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create frame directory: %w", err)
	}

	_, err := f.run(ctx, f.FFmpegPath,
		"-v", "error",
		"-i", path,
		"-vsync", "passthrough",
		"-start_number", "0",
		"-pix_fmt", "rgb24",
		filepath.Join(dir, framePattern),
	)
	if err != nil {
		return nil, err
	}

	var frames []*image.RGBA
	for i := 0; ; i++ {
		name := filepath.Join(dir, fmt.Sprintf(framePattern, i))
		img, err := stego.LoadPNG(name)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, img)
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames extracted from %s", path)
	}

	logrus.WithFields(logrus.Fields{
		"function": "FFmpeg.Decompose",
		"path":     path,
		"frames":   len(frames),
	}).Debug("Video decomposed")

	return frames, nil
}

// Recompose writes frames to workspace as PNG and encodes them losslessly
func (f *FFmpeg) Recompose(ctx context.Context, frames []*image.RGBA, path string, props Properties, workspace string) error {
	if len(frames) == 0 {
		return errors.New("no frames to recompose")
	}

	dir := filepath.Join(workspace, "recomposed")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create frame directory: %w", err)
	}

	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stego.SavePNG(filepath.Join(dir, fmt.Sprintf(framePattern, i)), frame); err != nil {
			return fmt.Errorf("write frame %d: %w", i, err)
		}
	}

	fps := props.FPS
	if fps <= 0 {
		fps = 30
	}

	_, err := f.run(ctx, f.FFmpegPath,
		"-y",
		"-v", "error",
		"-framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"-start_number", "0",
		"-i", filepath.Join(dir, framePattern),
		"-c:v", "ffv1",
		"-pix_fmt", "bgr0",
		path,
	)
	return err
}

// Convert re-encodes a lossless video into a playable MP4
func (f *FFmpeg) Convert(ctx context.Context, in, out string) error {
	_, err := f.run(ctx, f.FFmpegPath,
		"-y",
		"-v", "error",
		"-i", in,
		"-vcodec", "libx264",
		"-pix_fmt", "yuv420p",
		"-acodec", "aac",
		out,
	)
	return err
}
