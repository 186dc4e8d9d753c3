package frames

import (
	"errors"
	"fmt"
	"math"

	"github.com/faanross/simulacra_vid/internal/spec"
)

var (
	// ErrFrameIndexOutOfRange is returned when a selected frame does not exist
	ErrFrameIndexOutOfRange = errors.New("frame index out of range")
	// ErrSelectionConflict is returned when two payloads would share a frame
	ErrSelectionConflict = errors.New("frame selection conflict")
)

// Selection names the three frames a session writes to
type Selection struct {
	Signature int
	Key       int
	Message   int
	Bumped    bool // message index was moved off the key index
}

// Select maps the agreed secrets onto frames of a video with frameCount frames.
//
// The key frame is keySecret mod n, the message frame msgSecret mod n. When they
// collide the message frame moves forward once, wrapping at n. There is no
// further search: a second collision, or either index landing on the signature
// frame, is reported as ErrSelectionConflict.
func Select(keySecret, msgSecret uint64, frameCount int) (Selection, error) {
	if frameCount <= 0 {
		return Selection{}, fmt.Errorf("%w: video has %d frames", ErrFrameIndexOutOfRange, frameCount)
	}
	n := uint64(frameCount)

	sel := Selection{
		Signature: spec.SIGNATURE_FRAME,
		Key:       int(keySecret % n),
		Message:   int(msgSecret % n),
	}

	if sel.Message == sel.Key {
		sel.Message = (sel.Message + 1) % frameCount
		sel.Bumped = true
	}

	if err := sel.check(); err != nil {
		return sel, err
	}
	return sel, nil
}

// Direct maps secrets onto frames without reduction, the way a receiver
// locates payloads. Equal secrets move the message frame forward once.
// Any index past the last of frameCount frames is ErrFrameIndexOutOfRange.
func Direct(keySecret, msgSecret uint64, frameCount int) (Selection, error) {
	var bumped bool
	if msgSecret == keySecret && msgSecret < math.MaxUint64 {
		msgSecret++
		bumped = true
	}

	for _, idx := range []uint64{keySecret, msgSecret} {
		if frameCount <= 0 || idx >= uint64(frameCount) {
			return Selection{}, fmt.Errorf("%w: index %d, video has %d frames", ErrFrameIndexOutOfRange, idx, frameCount)
		}
	}

	sel := Selection{
		Signature: spec.SIGNATURE_FRAME,
		Key:       int(keySecret),
		Message:   int(msgSecret),
		Bumped:    bumped,
	}
	if err := sel.Validate(frameCount); err != nil {
		return sel, err
	}
	return sel, nil
}

// Validate checks every selected index against the frames actually available
func (s Selection) Validate(total int) error {
	for _, idx := range []int{s.Signature, s.Key, s.Message} {
		if idx < 0 || idx >= total {
			return fmt.Errorf("%w: index %d, video has %d frames", ErrFrameIndexOutOfRange, idx, total)
		}
	}
	return s.check()
}

func (s Selection) check() error {
	switch {
	case s.Key == s.Signature:
		return fmt.Errorf("%w: key frame %d is the signature frame", ErrSelectionConflict, s.Key)
	case s.Message == s.Signature:
		return fmt.Errorf("%w: message frame %d is the signature frame", ErrSelectionConflict, s.Message)
	case s.Message == s.Key:
		return fmt.Errorf("%w: key and message share frame %d", ErrSelectionConflict, s.Key)
	}
	return nil
}

func (s Selection) String() string {
	return fmt.Sprintf("signature=%d key=%d message=%d", s.Signature, s.Key, s.Message)
}
