package protocol

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/faanross/simulacra_vid/internal/envelope"
	"github.com/faanross/simulacra_vid/internal/frames"
	"github.com/faanross/simulacra_vid/internal/keyagree"
	"github.com/faanross/simulacra_vid/internal/stego"
	"github.com/faanross/simulacra_vid/internal/transport"
	"github.com/faanross/simulacra_vid/internal/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// With g=5, p=23 the exponents 3 and 21 agree on 5^63 mod 23 = 7, so running
// both rounds with them yields secrets 7/7.
const (
	senderExponent   = 3
	receiverExponent = 21
)

func fixedAgree(private uint64) AgreeFunc {
	return func(ctx context.Context, conn keyagree.LineConn, role keyagree.Role, onRound func(int)) (keyagree.Secrets, error) {
		pair := keyagree.DefaultGroup.Pair(private)
		var out keyagree.Secrets
		for round := 1; round <= 2; round++ {
			onRound(round)
			secret, err := keyagree.DefaultGroup.ExchangePair(ctx, conn, role, pair)
			if err != nil {
				return keyagree.Secrets{}, err
			}
			if round == 1 {
				out.Key = secret
			} else {
				out.Msg = secret
			}
		}
		return out, nil
	}
}

// constAgree skips the exchange and reports fixed secrets
func constAgree(secrets keyagree.Secrets) AgreeFunc {
	return func(ctx context.Context, conn keyagree.LineConn, role keyagree.Role, onRound func(int)) (keyagree.Secrets, error) {
		onRound(1)
		onRound(2)
		return secrets, nil
	}
}

// shortHeader reports fewer frames in its properties than the video holds
type shortHeader struct {
	video.Archive
	count int
}

func (s shortHeader) ReadProperties(ctx context.Context, path string) (video.Properties, error) {
	props, err := s.Archive.ReadProperties(ctx, path)
	props.FrameCount = s.count
	return props, err
}

// writeVideo creates an archive video whose pixels all have clear LSBs
func writeVideo(t *testing.T, n int) string {
	t.Helper()
	w, h := 48, 32
	list := make([]*image.RGBA, n)
	for i := range list {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetRGBA(x, y, color.RGBA{R: uint8(2 * x), G: uint8(4 * y), B: uint8(2 * i), A: 255})
			}
		}
		list[i] = img
	}

	path := filepath.Join(t.TempDir(), "cover.sfa")
	require.NoError(t, video.Archive{}.Recompose(context.Background(), list, path, video.Properties{FPS: 25}, ""))
	return path
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) observe(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 || r.states[len(r.states)-1] != s.State {
		r.states = append(r.states, s.State)
	}
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type fakeConverter struct {
	calls int
}

func (f *fakeConverter) Convert(ctx context.Context, in, out string) error {
	f.calls++
	return os.WriteFile(out, []byte("mp4"), 0644)
}

func TestEndToEndHello(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cover := writeVideo(t, 50)
	sendWork, recvWork, outDir := t.TempDir(), t.TempDir(), t.TempDir()

	ln, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	sendStates, recvStates := &stateRecorder{}, &stateRecorder{}
	sender := &Sender{Video: video.Archive{}, WorkDir: sendWork, Timeout: 10 * time.Second, Agree: fixedAgree(senderExponent)}
	sendSess := NewSession(RoleSender, sendStates.observe)
	sender.Start(ctx, sendSess, ln, cover, []byte("hello"))

	conv := &fakeConverter{}
	receiver := &Receiver{
		Dialer:    transport.TCPDialer{},
		Video:     video.Archive{},
		Converter: conv,
		OutputDir: outDir,
		WorkDir:   recvWork,
		Timeout:   10 * time.Second,
		Agree:     fixedAgree(receiverExponent),
	}
	recvSess := NewSession(RoleReceiver, recvStates.observe)
	result, err := receiver.Run(ctx, recvSess, ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, sendSess.Wait(ctx))

	assert.Equal(t, "hello", string(result.Message))
	assert.True(t, result.Verified)
	assert.Equal(t, frames.Selection{Signature: 0, Key: 7, Message: 8, Bumped: true}, result.Selection)
	assert.Equal(t, 1, conv.calls)
	assert.FileExists(t, result.PlayablePath)

	for _, sess := range []*Session{sendSess, recvSess} {
		secrets, ok := sess.Secrets()
		require.True(t, ok)
		assert.Equal(t, keyagree.Secrets{Key: 7, Msg: 7}, secrets)
		assert.True(t, sess.Snapshot().Complete)
	}
	assert.Equal(t, StateDone, sendSess.State())
	assert.Equal(t, StateReady, recvSess.State())
	assert.Equal(t, sendSess.Snapshot().Fingerprint, result.Fingerprint)

	assert.Equal(t, []State{
		StateListening, StateKeyExchange1, StateKeyExchange2, StateSigningAndEncrypting,
		StateFrameSelection, StateEmbedding, StateReassembly, StateTransmitting, StateDone,
	}, sendStates.get())
	assert.Equal(t, []State{
		StateConnecting, StateKeyExchange1, StateKeyExchange2, StateReceivingKeyAndVideo,
		StateExtractSignatureFrame, StateExtractKeyFrame, StateExtractMessageFrame,
		StateDecrypting, StateVerifying, StateReady,
	}, recvStates.get())

	// payloads sit exactly in frames 0, 7 and 8
	received, err := video.Archive{}.Decompose(ctx, result.VideoPath, "")
	require.NoError(t, err)
	require.Len(t, received, 50)
	for i, frame := range received {
		_, err := stego.Decode(frame)
		switch i {
		case 0, 7, 8:
			assert.NoError(t, err, "frame %d", i)
		default:
			assert.ErrorIs(t, err, stego.ErrMarkerNotFound, "frame %d", i)
		}
	}
	key, err := stego.Decode(received[7])
	require.NoError(t, err)
	_, err = envelope.DecodeKey(string(key))
	assert.NoError(t, err)

	// workspaces are cleaned up
	for _, dir := range []string{sendWork, recvWork} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	}
}

func TestEndToEndQUIC(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cover := writeVideo(t, 50)

	ln, err := transport.Listen(transport.KindQUIC, "127.0.0.1:0")
	require.NoError(t, err)

	sender := &Sender{Video: video.Archive{}, WorkDir: t.TempDir(), Timeout: 10 * time.Second}
	sendSess := NewSession(RoleSender)
	sender.Start(ctx, sendSess, ln, cover, []byte("over quic"))

	receiver := &Receiver{
		Dialer:    transport.QUICDialer{},
		Video:     video.Archive{},
		OutputDir: t.TempDir(),
		WorkDir:   t.TempDir(),
		Timeout:   10 * time.Second,
	}
	result, err := receiver.Run(ctx, NewSession(RoleReceiver), ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, sendSess.Wait(ctx))

	assert.Equal(t, "over quic", string(result.Message))
	assert.True(t, result.Verified)

	// shared secrets of the wire group are never 0, so nothing lands on frame 0
	secrets, _ := sendSess.Secrets()
	assert.NotZero(t, secrets.Key)
	assert.NotZero(t, secrets.Msg)
}

func TestSingleFrameVideoIsSelectionConflict(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cover := writeVideo(t, 1)
	ln, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	sender := &Sender{Video: video.Archive{}, WorkDir: t.TempDir(), Agree: fixedAgree(senderExponent)}
	sendSess := NewSession(RoleSender)
	sender.Start(ctx, sendSess, ln, cover, []byte("hello"))

	receiver := &Receiver{
		Dialer:    transport.TCPDialer{},
		Video:     video.Archive{},
		OutputDir: t.TempDir(),
		Timeout:   5 * time.Second,
		Agree:     fixedAgree(receiverExponent),
	}
	recvSess := NewSession(RoleReceiver)
	_, err = receiver.Run(ctx, recvSess, ln.Addr().String())
	assert.Error(t, err)

	err = sendSess.Wait(ctx)
	assert.ErrorIs(t, err, frames.ErrSelectionConflict)
	assert.Equal(t, StateFailed, sendSess.State())
	assert.Equal(t, StateFailed, recvSess.State())
	assert.False(t, sendSess.Snapshot().Complete)

	// nothing was embedded over the cover
	list, err := video.Archive{}.Decompose(ctx, cover, "")
	require.NoError(t, err)
	_, err = stego.Decode(list[0])
	assert.ErrorIs(t, err, stego.ErrMarkerNotFound)
}

func TestTwoStepReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cover := writeVideo(t, 50)
	ln, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	sender := &Sender{Video: video.Archive{}, WorkDir: t.TempDir(), Agree: fixedAgree(senderExponent)}
	sendSess := NewSession(RoleSender)
	sender.Start(ctx, sendSess, ln, cover, []byte("hello"))

	receiver := &Receiver{
		Dialer:    transport.TCPDialer{},
		Video:     video.Archive{},
		OutputDir: t.TempDir(),
		WorkDir:   t.TempDir(),
		Agree:     fixedAgree(receiverExponent),
	}
	recvSess := NewSession(RoleReceiver)
	delivery, err := receiver.Receive(ctx, recvSess, ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, sendSess.Wait(ctx))

	assert.Equal(t, StateReceived, recvSess.State())
	assert.True(t, recvSess.Snapshot().Complete)
	assert.Nil(t, recvSess.Result())
	assert.FileExists(t, delivery.VideoPath)

	t.Run("operator secrets", func(t *testing.T) {
		result, err := receiver.Decode(ctx, NewSession(RoleReceiver), keyagree.Secrets{Key: 7, Msg: 7}, delivery.VideoPath, delivery.PublicKey)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(result.Message))
		assert.True(t, result.Verified)
	})

	t.Run("without public key", func(t *testing.T) {
		result, err := receiver.Decode(ctx, NewSession(RoleReceiver), keyagree.Secrets{Key: 7, Msg: 7}, delivery.VideoPath, nil)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(result.Message))
		assert.False(t, result.Verified)
	})

	t.Run("wrong signer", func(t *testing.T) {
		other, err := envelope.GenerateKeyPair()
		require.NoError(t, err)
		result, err := receiver.Decode(ctx, NewSession(RoleReceiver), keyagree.Secrets{Key: 7, Msg: 7}, delivery.VideoPath, &other.PublicKey)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(result.Message))
		assert.False(t, result.Verified)
	})

	t.Run("wrong secrets", func(t *testing.T) {
		sess := NewSession(RoleReceiver)
		_, err := receiver.Decode(ctx, sess, keyagree.Secrets{Key: 3, Msg: 5}, delivery.VideoPath, delivery.PublicKey)
		assert.ErrorIs(t, err, stego.ErrMarkerNotFound)
		assert.Equal(t, StateFailed, sess.State())
		assert.Contains(t, sess.Snapshot().Error, "extract key from frame 3")
	})
}

func TestSelectionUsesDecodedFrameCount(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cover := writeVideo(t, 20)
	ln, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	secrets := keyagree.Secrets{Key: 17, Msg: 17}
	sender := &Sender{Video: shortHeader{count: 10}, WorkDir: t.TempDir(), Agree: constAgree(secrets)}
	sendSess := NewSession(RoleSender)
	sender.Start(ctx, sendSess, ln, cover, []byte("all twenty"))

	receiver := &Receiver{
		Dialer:    transport.TCPDialer{},
		Video:     video.Archive{},
		OutputDir: t.TempDir(),
		WorkDir:   t.TempDir(),
		Timeout:   10 * time.Second,
		Agree:     constAgree(secrets),
	}
	result, err := receiver.Run(ctx, NewSession(RoleReceiver), ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, sendSess.Wait(ctx))

	want := frames.Selection{Signature: 0, Key: 17, Message: 18, Bumped: true}
	assert.Equal(t, want, result.Selection)
	assert.Equal(t, &want, sendSess.Snapshot().Selection)
	assert.Equal(t, "all twenty", string(result.Message))
	assert.True(t, result.Verified)
}

func TestDecodeRejectsSecretsPastLastFrame(t *testing.T) {
	cover := writeVideo(t, 10)
	receiver := &Receiver{Video: video.Archive{}, WorkDir: t.TempDir()}
	sess := NewSession(RoleReceiver)

	_, err := receiver.Decode(context.Background(), sess, keyagree.Secrets{Key: 17, Msg: 19}, cover, nil)
	assert.ErrorIs(t, err, frames.ErrFrameIndexOutOfRange)
	assert.NotErrorIs(t, err, stego.ErrMarkerNotFound)
	assert.Equal(t, StateFailed, sess.State())
	assert.Contains(t, sess.Snapshot().Error, "frame index out of range")
}

func TestReceiverTimesOut(t *testing.T) {
	ln, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// a listener that accepts but never speaks
	go func() {
		conn, err := ln.Accept(context.Background())
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	receiver := &Receiver{Dialer: transport.TCPDialer{}, Video: video.Archive{}, Timeout: 100 * time.Millisecond}
	sess := NewSession(RoleReceiver)

	start := time.Now()
	_, err = receiver.Run(context.Background(), sess, ln.Addr().String())
	assert.ErrorIs(t, err, keyagree.ErrKeyAgreement)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateFailed, sess.State())
}

func TestHostReplacesInFlightSession(t *testing.T) {
	cover := writeVideo(t, 50)
	host := &Host{
		Sender: &Sender{Video: video.Archive{}, WorkDir: t.TempDir()},
		Kind:   transport.KindTCP,
		Addr:   "127.0.0.1:0",
	}
	defer host.Close()

	first, err := host.Start(context.Background(), cover, []byte("first"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.State() == StateListening }, time.Second, 10*time.Millisecond)

	second, err := host.Start(context.Background(), cover, []byte("second"))
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("first session still running after replacement")
	}
	assert.Equal(t, StateFailed, first.State())
	assert.Same(t, second, host.Current())
	assert.NotNil(t, host.ListenAddr())

	require.NoError(t, host.Close())
	<-second.Done()
	assert.Equal(t, StateFailed, second.State())
}

func TestSessionRunsOnce(t *testing.T) {
	sess := NewSession(RoleReceiver)
	receiver := &Receiver{Dialer: transport.TCPDialer{}, Video: video.Archive{}, Timeout: 100 * time.Millisecond}

	_, err := receiver.Run(context.Background(), sess, "127.0.0.1:1")
	assert.Error(t, err)

	_, err = receiver.Run(context.Background(), sess, "127.0.0.1:1")
	assert.ErrorIs(t, err, errAlreadyStarted)
}

func TestStateNames(t *testing.T) {
	for state, name := range stateNames {
		assert.Equal(t, name, state.String())
		parsed, ok := ParseState(name)
		assert.True(t, ok)
		assert.Equal(t, state, parsed)
	}
	assert.Equal(t, "Unknown", State(999).String())

	_, ok := ParseState("Sleeping")
	assert.False(t, ok)

	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateEmbedding.Terminal())
}
