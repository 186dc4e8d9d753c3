package video

import (
	"context"
	"fmt"
	"image"
)

// Properties describe a video the way the frame pipeline needs them
type Properties struct {
	FPS        float64 `json:"fps"`
	FrameCount int     `json:"frame_count"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

func (p Properties) String() string {
	return fmt.Sprintf("%dx%d, %d frames @ %.2f fps", p.Width, p.Height, p.FrameCount, p.FPS)
}

// IO splits a video into frames and puts frames back together.
// workspace is a directory private to the calling session.
type IO interface {
	ReadProperties(ctx context.Context, path string) (Properties, error)
	Decompose(ctx context.Context, path, workspace string) ([]*image.RGBA, error)
	Recompose(ctx context.Context, frames []*image.RGBA, path string, props Properties, workspace string) error
	// Extension is the file suffix Recompose expects, dot included
	Extension() string
}

// Converter turns the lossless container into something a browser can play.
// It runs only after extraction and never feeds back into the pipeline.
type Converter interface {
	Convert(ctx context.Context, in, out string) error
}

// Backends
const (
	BackendFFmpeg  = "ffmpeg"
	BackendArchive = "archive"
)

// New returns the named backend
func New(backend string) (IO, error) {
	switch backend {
	case BackendArchive, "":
		return Archive{}, nil
	case BackendFFmpeg:
		return NewFFmpeg(), nil
	default:
		return nil, fmt.Errorf("unknown video backend %q", backend)
	}
}
