package protocol

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/faanross/simulacra_vid/internal/envelope"
	"github.com/faanross/simulacra_vid/internal/frames"
	"github.com/faanross/simulacra_vid/internal/keyagree"
	"github.com/faanross/simulacra_vid/internal/stego"
	"github.com/faanross/simulacra_vid/internal/transport"
	"github.com/faanross/simulacra_vid/internal/video"
	"github.com/sirupsen/logrus"
)

// AgreeFunc runs both key agreement rounds on conn. onRound reports the
// round about to start.
type AgreeFunc func(ctx context.Context, conn keyagree.LineConn, role keyagree.Role, onRound func(int)) (keyagree.Secrets, error)

// DefaultAgree uses the wire group with crypto/rand exponents
func DefaultAgree(ctx context.Context, conn keyagree.LineConn, role keyagree.Role, onRound func(int)) (keyagree.Secrets, error) {
	return keyagree.DefaultGroup.Agree(ctx, conn, role, nil, onRound)
}

// Sender hides a message in a video and hands it to the first peer that connects
type Sender struct {
	Video   video.IO
	WorkDir string        // parent of per-session workspaces, "" for the OS temp dir
	Timeout time.Duration // bound on each network phase after accept, 0 for none
	Agree   AgreeFunc     // nil means DefaultAgree
}

func (s *Sender) agree() AgreeFunc {
	if s.Agree != nil {
		return s.Agree
	}
	return DefaultAgree
}

// phase bounds one network phase by the configured timeout
func phase(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Start runs the session in the background; observe it through sess
func (s *Sender) Start(ctx context.Context, sess *Session, ln transport.Listener, videoPath string, message []byte) {
	go s.Run(ctx, sess, ln, videoPath, message)
}

// Run drives the sender state machine to Done or Failed and closes ln
// when the session ends.
func (s *Sender) Run(ctx context.Context, sess *Session, ln transport.Listener, videoPath string, message []byte) error {
	ctx, err := sess.begin(ctx)
	if err != nil {
		return err
	}

	err = s.run(ctx, sess, ln, videoPath, message)
	ln.Close()
	sess.finish(StateDone, nil, err)
	return err
}

func (s *Sender) run(ctx context.Context, sess *Session, ln transport.Listener, videoPath string, message []byte) error {
	log := logrus.WithFields(logrus.Fields{
		"function": "Sender.Run",
		"session":  sess.ID(),
	})

	sess.setState(StateListening)
	sess.setVideoPath(videoPath)
	log.WithField("addr", ln.Addr().String()).Info("Waiting for receiver")

	conn, err := ln.Accept(ctx)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()
	log.WithField("peer", conn.RemoteAddr()).Info("Receiver connected")

	// Key agreement
	agreeCtx, cancel := phase(ctx, s.Timeout)
	secrets, err := s.agree()(agreeCtx, conn, keyagree.Responder, func(round int) {
		sess.setState(StateKeyExchange1 + State(round-1))
	})
	cancel()
	if err != nil {
		return err
	}
	sess.setSecrets(secrets)
	log.WithFields(logrus.Fields{
		"key_secret": secrets.Key,
		"msg_secret": secrets.Msg,
	}).Info("Shared secrets established")

	// Envelope
	sess.setState(StateSigningAndEncrypting)
	sealed, err := envelope.Seal(message)
	if err != nil {
		return err
	}
	pemBytes, err := envelope.MarshalPublicKey(sealed.PublicKey)
	if err != nil {
		return err
	}
	fp, err := envelope.Fingerprint(sealed.PublicKey)
	if err != nil {
		return err
	}
	sess.setPublicKey(pemBytes, fp)

	// Frames
	sess.setState(StateFrameSelection)
	props, err := s.Video.ReadProperties(ctx, videoPath)
	if err != nil {
		return fmt.Errorf("read video properties: %w", err)
	}

	workspace, err := os.MkdirTemp(s.WorkDir, "simulacra-send-"+sess.ID()+"-")
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	decomposed, err := s.Video.Decompose(ctx, videoPath, workspace)
	if err != nil {
		return fmt.Errorf("decompose video: %w", err)
	}

	props.FrameCount = len(decomposed)

	// the receiver counts decoded frames, so selection must too
	sel, err := frames.Select(secrets.Key, secrets.Msg, len(decomposed))
	if err != nil {
		return err
	}
	if _, err := frames.Direct(secrets.Key, secrets.Msg, len(decomposed)); errors.Is(err, frames.ErrFrameIndexOutOfRange) {
		log.WithError(err).Warn("Secrets exceed the frame count; the receiver indexes frames directly and will not find the payloads")
	}
	sess.setSelection(sel)
	log.WithFields(logrus.Fields{
		"selection": sel.String(),
		"bumped":    sel.Bumped,
		"frames":    len(decomposed),
		"video":     props.String(),
	}).Info("Frames selected")

	sess.setState(StateEmbedding)
	payloads := []struct {
		name  string
		index int
		data  string
	}{
		{"signature", sel.Signature, sealed.Signature},
		{"key", sel.Key, sealed.Key},
		{"message", sel.Message, sealed.Ciphertext},
	}
	for _, p := range payloads {
		if err := stego.Encode(decomposed[p.index], []byte(p.data)); err != nil {
			return fmt.Errorf("embed %s in frame %d: %w", p.name, p.index, err)
		}
	}

	sess.setState(StateReassembly)
	outPath := filepath.Join(workspace, "stego"+s.Video.Extension())
	if err := s.Video.Recompose(ctx, decomposed, outPath, props, workspace); err != nil {
		return fmt.Errorf("recompose video: %w", err)
	}

	// Transfer
	sess.setState(StateTransmitting)
	sendCtx, cancel := phase(ctx, s.Timeout)
	defer cancel()

	if err := conn.SendPublicKey(sendCtx, pemBytes); err != nil {
		return fmt.Errorf("send public key: %w", err)
	}

	n, err := sendFile(sendCtx, conn, outPath)
	if err != nil {
		return err
	}

	log.WithField("bytes", n).Info("Video sent")
	return nil
}

func sendFile(ctx context.Context, conn *transport.Conn, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open stego video: %w", err)
	}
	defer f.Close()

	n, err := conn.SendStream(ctx, f)
	if err != nil {
		return n, fmt.Errorf("send video: %w", err)
	}
	return n, nil
}
