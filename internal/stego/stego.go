package stego

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/faanross/simulacra_vid/internal/spec"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCapacityExceeded is returned when a payload does not fit into a frame
	ErrCapacityExceeded = errors.New("stego capacity exceeded")
	// ErrMarkerNotFound is returned when a frame holds no terminated payload
	ErrMarkerNotFound = errors.New("stego marker not found")
)

// ================================================================================
// FRAME CODEC
//
// One bit per colour channel, R, G and B only. Pixels are visited column by
// column (x outer, y inner). Encode and Decode must agree on this order: a
// mismatch does not fail, it silently yields garbage.
// ================================================================================

// EmbedBit modifies the LSB of a color value to store a bit
func EmbedBit(colorValue uint8, bit bool) uint8 {
	if bit {
		return colorValue | 1
	}
	return colorValue & 0xFE
}

// Capacity returns how many payload bytes fit into img, terminator excluded
func Capacity(img image.Image) int {
	b := img.Bounds()
	total := b.Dx() * b.Dy() * spec.CHANNELS / spec.BITS_PER_BYTE
	return max(total-len(spec.TERMINATOR), 0)
}

// Encode hides data in the least significant bits of img.
// The terminator is appended before embedding; pixels past the last bit are left untouched.
func Encode(img *image.RGBA, data []byte) error {
	payload := make([]byte, 0, len(data)+len(spec.TERMINATOR))
	payload = append(payload, data...)
	payload = append(payload, spec.TERMINATOR...)

	bounds := img.Bounds()
	totalBits := len(payload) * spec.BITS_PER_BYTE
	capacity := bounds.Dx() * bounds.Dy() * spec.CHANNELS
	if totalBits > capacity {
		return fmt.Errorf("%w: need %d bits, frame %dx%d holds %d",
			ErrCapacityExceeded, totalBits, bounds.Dx(), bounds.Dy(), capacity)
	}

	bitIndex := 0
	for x := bounds.Min.X; x < bounds.Max.X && bitIndex < totalBits; x++ {
		for y := bounds.Min.Y; y < bounds.Max.Y && bitIndex < totalBits; y++ {
			off := img.PixOffset(x, y)
			for c := 0; c < spec.CHANNELS && bitIndex < totalBits; c++ {
				img.Pix[off+c] = EmbedBit(img.Pix[off+c], bitAt(payload, bitIndex))
				bitIndex++
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Encode",
		"payload":     len(data),
		"bits":        totalBits,
		"utilization": fmt.Sprintf("%.1f%%", float64(totalBits)*100/float64(capacity)),
	}).Debug("Payload embedded")

	return nil
}

// Decode extracts the payload hidden in img.
// The whole frame is always scanned; the result is everything before the first terminator.
func Decode(img image.Image) ([]byte, error) {
	raw := ExtractBytes(img)

	idx := bytes.Index(raw, []byte(spec.TERMINATOR))
	if idx < 0 {
		return nil, ErrMarkerNotFound
	}

	logrus.WithFields(logrus.Fields{
		"function": "Decode",
		"scanned":  len(raw),
		"payload":  idx,
	}).Debug("Payload extracted")

	return raw[:idx], nil
}

// ExtractBytes reassembles every LSB of img into bytes, MSB first.
// Trailing bits that do not fill a whole byte are dropped.
func ExtractBytes(img image.Image) []byte {
	bounds := img.Bounds()
	totalBits := bounds.Dx() * bounds.Dy() * spec.CHANNELS
	out := make([]byte, 0, totalBits/spec.BITS_PER_BYTE)

	rgba, fast := img.(*image.RGBA)

	var current byte
	bitCount := 0
	push := func(v uint8) {
		current = current<<1 | (v & 1)
		bitCount++
		if bitCount == spec.BITS_PER_BYTE {
			out = append(out, current)
			current, bitCount = 0, 0
		}
	}

	for x := bounds.Min.X; x < bounds.Max.X; x++ {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			if fast {
				off := rgba.PixOffset(x, y)
				push(rgba.Pix[off])
				push(rgba.Pix[off+1])
				push(rgba.Pix[off+2])
				continue
			}
			r, g, b, _ := img.At(x, y).RGBA()
			push(uint8(r >> 8))
			push(uint8(g >> 8))
			push(uint8(b >> 8))
		}
	}

	return out
}

// bitAt returns bit i of data, counting from the MSB of data[0]
func bitAt(data []byte, i int) bool {
	return data[i/spec.BITS_PER_BYTE]&(1<<(7-uint(i%spec.BITS_PER_BYTE))) != 0
}
