package video

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"time"

	"github.com/faanross/simulacra_vid/internal/stego"
	"github.com/sirupsen/logrus"
)

// ================================================================================
// FRAME ARCHIVE
//
// A lossless container: a tar stream whose first member is a JSON properties
// header, followed by one PNG per frame in presentation order. It needs no
// external tools, which makes it the default for tests and for hosts without
// ffmpeg.
// ================================================================================

const (
	archiveHeader = "properties.json"
	archiveFrame  = "frame%06d.png"
)

// ErrNotArchive is returned for files that are not frame archives
var ErrNotArchive = errors.New("not a frame archive")

// Archive implements IO over frame archives
type Archive struct{}

// Extension implements IO
func (Archive) Extension() string { return ".sfa" }

// ReadProperties reads only the header member
func (Archive) ReadProperties(ctx context.Context, path string) (Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return Properties{}, fmt.Errorf("open video: %w", err)
	}
	defer f.Close()

	return readHeader(tar.NewReader(f))
}

func readHeader(tr *tar.Reader) (Properties, error) {
	hdr, err := tr.Next()
	if err != nil || hdr.Name != archiveHeader {
		return Properties{}, ErrNotArchive
	}

	var props Properties
	if err := json.NewDecoder(tr).Decode(&props); err != nil {
		return Properties{}, fmt.Errorf("%w: bad header: %w", ErrNotArchive, err)
	}
	return props, nil
}

// Decompose loads every frame into memory
func (Archive) Decompose(ctx context.Context, path, _ string) ([]*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	props, err := readHeader(tr)
	if err != nil {
		return nil, err
	}

	frames := make([]*image.RGBA, 0, props.FrameCount)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read frame %d: %w", len(frames), err)
		}

		want := fmt.Sprintf(archiveFrame, len(frames))
		if hdr.Name != want {
			return nil, fmt.Errorf("%w: expected %s, found %s", ErrNotArchive, want, hdr.Name)
		}

		img, err := png.Decode(tr)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", hdr.Name, err)
		}
		frames = append(frames, stego.ToRGBA(img))
	}

	logrus.WithFields(logrus.Fields{
		"function": "Archive.Decompose",
		"path":     path,
		"frames":   len(frames),
	}).Debug("Video decomposed")

	return frames, nil
}

// Recompose writes frames and props to path, replacing any existing file
func (Archive) Recompose(ctx context.Context, frames []*image.RGBA, path string, props Properties, _ string) error {
	props.FrameCount = len(frames)
	if len(frames) > 0 {
		props.Width = frames[0].Bounds().Dx()
		props.Height = frames[0].Bounds().Dy()
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create video: %w", err)
	}
	defer os.Remove(tmp)

	if err := writeArchive(ctx, f, frames, props); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close video: %w", err)
	}

	// Atomic write (write to temp, then rename)
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename video: %w", err)
	}
	return nil
}

func writeArchive(ctx context.Context, w io.Writer, frames []*image.RGBA, props Properties) error {
	tw := tar.NewWriter(w)
	now := time.Now()

	header, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	if err := writeMember(tw, archiveHeader, header, now); err != nil {
		return err
	}

	var buf bytes.Buffer
	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf.Reset()
		if err := png.Encode(&buf, frame); err != nil {
			return fmt.Errorf("encode frame %d: %w", i, err)
		}
		if err := writeMember(tw, fmt.Sprintf(archiveFrame, i), buf.Bytes(), now); err != nil {
			return err
		}
	}

	return tw.Close()
}

func writeMember(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
