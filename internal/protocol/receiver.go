package protocol

import (
	"context"
	"crypto/rsa"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/faanross/simulacra_vid/internal/envelope"
	"github.com/faanross/simulacra_vid/internal/frames"
	"github.com/faanross/simulacra_vid/internal/keyagree"
	"github.com/faanross/simulacra_vid/internal/stego"
	"github.com/faanross/simulacra_vid/internal/transport"
	"github.com/faanross/simulacra_vid/internal/video"
	"github.com/sirupsen/logrus"
)

// Receiver connects to a sender, collects the video and recovers the message
type Receiver struct {
	Dialer    transport.Dialer
	Video     video.IO
	Converter video.Converter // optional, produces Result.PlayablePath
	OutputDir string          // where received videos are kept, "" for the OS temp dir
	WorkDir   string          // parent of per-session workspaces
	Timeout   time.Duration
	Agree     AgreeFunc
}

// Delivery is what the network half of a receiver session yields
type Delivery struct {
	Secrets   keyagree.Secrets
	VideoPath string
	PublicKey *rsa.PublicKey
	PEM       []byte
}

func (r *Receiver) agree() AgreeFunc {
	if r.Agree != nil {
		return r.Agree
	}
	return DefaultAgree
}

// Start runs the full receiver session in the background
func (r *Receiver) Start(ctx context.Context, sess *Session, addr string) {
	go r.Run(ctx, sess, addr)
}

// Run connects to addr, receives the video and decodes it in one session
func (r *Receiver) Run(ctx context.Context, sess *Session, addr string) (*Result, error) {
	ctx, err := sess.begin(ctx)
	if err != nil {
		return nil, err
	}

	var result *Result
	delivery, err := r.receive(ctx, sess, addr)
	if err == nil {
		result, err = r.decode(ctx, sess, delivery.Secrets, delivery.VideoPath, delivery.PublicKey)
	}
	sess.finish(StateReady, result, err)
	return result, err
}

// Receive runs only the network half. The session ends in Received; decoding
// happens later through Decode, with secrets the operator supplies.
func (r *Receiver) Receive(ctx context.Context, sess *Session, addr string) (*Delivery, error) {
	ctx, err := sess.begin(ctx)
	if err != nil {
		return nil, err
	}

	delivery, err := r.receive(ctx, sess, addr)
	sess.finish(StateReceived, nil, err)
	return delivery, err
}

// Decode extracts and opens the payloads of an already received video.
// pub may be nil, in which case the result is never verified.
func (r *Receiver) Decode(ctx context.Context, sess *Session, secrets keyagree.Secrets, videoPath string, pub *rsa.PublicKey) (*Result, error) {
	ctx, err := sess.begin(ctx)
	if err != nil {
		return nil, err
	}

	sess.setSecrets(secrets)
	sess.setVideoPath(videoPath)
	result, err := r.decode(ctx, sess, secrets, videoPath, pub)
	sess.finish(StateReady, result, err)
	return result, err
}

func (r *Receiver) receive(ctx context.Context, sess *Session, addr string) (*Delivery, error) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Receiver.receive",
		"session":  sess.ID(),
		"addr":     addr,
	})

	sess.setState(StateConnecting)
	dialCtx, cancel := phase(ctx, r.Timeout)
	conn, err := r.Dialer.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	log.Info("Connected to sender")

	agreeCtx, cancel := phase(ctx, r.Timeout)
	secrets, err := r.agree()(agreeCtx, conn, keyagree.Initiator, func(round int) {
		sess.setState(StateKeyExchange1 + State(round-1))
	})
	cancel()
	if err != nil {
		return nil, err
	}
	sess.setSecrets(secrets)
	log.WithFields(logrus.Fields{
		"key_secret": secrets.Key,
		"msg_secret": secrets.Msg,
	}).Info("Shared secrets established")

	sess.setState(StateReceivingKeyAndVideo)
	recvCtx, cancel := phase(ctx, r.Timeout)
	defer cancel()

	pemBytes, err := conn.ReceivePublicKey(recvCtx)
	if err != nil {
		return nil, fmt.Errorf("receive public key: %w", err)
	}
	pub, err := envelope.ParsePublicKey(pemBytes)
	if err != nil {
		return nil, err
	}
	fp, err := envelope.Fingerprint(pub)
	if err != nil {
		return nil, err
	}
	sess.setPublicKey(pemBytes, fp)

	if r.OutputDir != "" {
		if err := os.MkdirAll(r.OutputDir, 0700); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	videoPath := filepath.Join(outputDir(r.OutputDir), "received-"+sess.ID()+r.Video.Extension())

	n, err := receiveFile(recvCtx, conn, videoPath)
	if err != nil {
		return nil, err
	}
	sess.setVideoPath(videoPath)
	log.WithFields(logrus.Fields{
		"bytes": n,
		"path":  videoPath,
	}).Info("Video received")

	return &Delivery{
		Secrets:   secrets,
		VideoPath: videoPath,
		PublicKey: pub,
		PEM:       pemBytes,
	}, nil
}

func outputDir(dir string) string {
	if dir == "" {
		return os.TempDir()
	}
	return dir
}

func receiveFile(ctx context.Context, conn *transport.Conn, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create video file: %w", err)
	}

	n, err := conn.ReceiveStream(ctx, f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return n, fmt.Errorf("receive video: %w", err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close video file: %w", err)
	}
	return n, nil
}

func (r *Receiver) decode(ctx context.Context, sess *Session, secrets keyagree.Secrets, videoPath string, pub *rsa.PublicKey) (*Result, error) {
	log := logrus.WithFields(logrus.Fields{
		"function": "Receiver.decode",
		"session":  sess.ID(),
	})

	workspace, err := os.MkdirTemp(r.WorkDir, "simulacra-recv-"+sess.ID()+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	sess.setState(StateExtractSignatureFrame)
	decomposed, err := r.Video.Decompose(ctx, videoPath, workspace)
	if err != nil {
		return nil, fmt.Errorf("decompose video: %w", err)
	}

	sel, err := frames.Direct(secrets.Key, secrets.Msg, len(decomposed))
	if err != nil {
		return nil, err
	}
	sess.setSelection(sel)

	signature, err := extract(decomposed, sel.Signature, "signature")
	if err != nil {
		return nil, err
	}

	sess.setState(StateExtractKeyFrame)
	key, err := extract(decomposed, sel.Key, "key")
	if err != nil {
		return nil, err
	}

	sess.setState(StateExtractMessageFrame)
	ciphertext, err := extract(decomposed, sel.Message, "message")
	if err != nil {
		return nil, err
	}

	sess.setState(StateDecrypting)
	opened, err := envelope.Open(key, ciphertext, signature, pub)
	if err != nil {
		return nil, fmt.Errorf("open envelope: %w", err)
	}

	sess.setState(StateVerifying)
	result := &Result{
		Message:   opened.Message,
		Verified:  opened.Verified,
		VideoPath: videoPath,
		Selection: sel,
	}
	if pub != nil {
		result.Fingerprint, _ = envelope.Fingerprint(pub)
	}
	log.WithFields(logrus.Fields{
		"selection": sel.String(),
		"verified":  result.Verified,
	}).Info("Message recovered")

	if r.Converter != nil {
		playable := strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + ".mp4"
		if err := r.Converter.Convert(ctx, videoPath, playable); err != nil {
			log.WithError(err).Warn("Playable conversion failed")
		} else {
			result.PlayablePath = playable
		}
	}

	return result, nil
}

func extract(decomposed []*image.RGBA, index int, name string) (string, error) {
	data, err := stego.Decode(decomposed[index])
	if err != nil {
		return "", fmt.Errorf("extract %s from frame %d: %w", name, index, err)
	}
	return string(data), nil
}
