package frames

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name     string
		key, msg uint64
		frames   int
		want     Selection
		wantErr  error
	}{
		{
			name: "distinct secrets", key: 7, msg: 12, frames: 50,
			want: Selection{Signature: 0, Key: 7, Message: 12},
		},
		{
			name: "collision bumps message once", key: 7, msg: 7, frames: 50,
			want: Selection{Signature: 0, Key: 7, Message: 8, Bumped: true},
		},
		{
			name: "secrets reduced modulo frame count", key: 22, msg: 13, frames: 10,
			want: Selection{Signature: 0, Key: 2, Message: 3},
		},
		{
			name: "collision after reduction", key: 13, msg: 3, frames: 10,
			want: Selection{Signature: 0, Key: 3, Message: 4, Bumped: true},
		},
		{
			name: "bump wraps onto signature frame", key: 9, msg: 9, frames: 10,
			wantErr: ErrSelectionConflict,
		},
		{
			name: "key lands on signature frame", key: 10, msg: 3, frames: 5,
			wantErr: ErrSelectionConflict,
		},
		{
			name: "message lands on signature frame", key: 3, msg: 20, frames: 5,
			wantErr: ErrSelectionConflict,
		},
		{
			name: "single frame video", key: 7, msg: 7, frames: 1,
			wantErr: ErrSelectionConflict,
		},
		{
			name: "two frame video collision", key: 1, msg: 1, frames: 2,
			wantErr: ErrSelectionConflict,
		},
		{
			name: "empty video", key: 1, msg: 2, frames: 0,
			wantErr: ErrFrameIndexOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(tt.key, tt.msg, tt.frames)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectDeterministic(t *testing.T) {
	for key := uint64(1); key < 23; key++ {
		for msg := uint64(1); msg < 23; msg++ {
			for _, n := range []int{3, 23, 50} {
				a, errA := Select(key, msg, n)
				b, errB := Select(key, msg, n)
				assert.Equal(t, a, b)
				assert.Equal(t, errA, errB)

				if errA == nil {
					assert.Less(t, a.Message, n)
					assert.Less(t, a.Key, n)
					assert.NotEqual(t, a.Key, a.Message)
				}
			}
		}
	}
}

func TestSelectionValidate(t *testing.T) {
	sel, err := Select(7, 7, 50)
	require.NoError(t, err)

	assert.NoError(t, sel.Validate(50))
	assert.NoError(t, sel.Validate(9))
	assert.ErrorIs(t, sel.Validate(8), ErrFrameIndexOutOfRange)
	assert.ErrorIs(t, sel.Validate(0), ErrFrameIndexOutOfRange)
}

func TestDirect(t *testing.T) {
	tests := []struct {
		name     string
		key, msg uint64
		frames   int
		want     Selection
		wantErr  error
	}{
		{
			name: "distinct secrets", key: 7, msg: 12, frames: 50,
			want: Selection{Signature: 0, Key: 7, Message: 12},
		},
		{
			name: "collision bumps message once", key: 7, msg: 7, frames: 50,
			want: Selection{Signature: 0, Key: 7, Message: 8, Bumped: true},
		},
		{
			name: "secrets are not reduced", key: 17, msg: 19, frames: 10,
			wantErr: ErrFrameIndexOutOfRange,
		},
		{
			name: "message past last frame", key: 3, msg: 10, frames: 10,
			wantErr: ErrFrameIndexOutOfRange,
		},
		{
			name: "bump past last frame", key: 9, msg: 9, frames: 10,
			wantErr: ErrFrameIndexOutOfRange,
		},
		{
			name: "huge secret", key: math.MaxUint64, msg: 2, frames: 10,
			wantErr: ErrFrameIndexOutOfRange,
		},
		{
			name: "key on signature frame", key: 0, msg: 4, frames: 10,
			wantErr: ErrSelectionConflict,
		},
		{
			name: "empty video", key: 1, msg: 2, frames: 0,
			wantErr: ErrFrameIndexOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Direct(tt.key, tt.msg, tt.frames)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Whenever the video has more frames than the group has elements, the
// receiver's direct mapping finds what the sender's reduced mapping chose.
func TestDirectAgreesWithSelectOnLongVideos(t *testing.T) {
	for key := uint64(1); key < 23; key++ {
		for msg := uint64(1); msg < 23; msg++ {
			sent, err := Select(key, msg, 50)
			require.NoError(t, err)
			found, err := Direct(key, msg, 50)
			require.NoError(t, err)
			assert.Equal(t, sent, found)
		}
	}
}

func TestDirectReportsSecret(t *testing.T) {
	_, err := Direct(17, 19, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index 17")
}
