package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/faanross/simulacra_vid/internal/spec"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBadAnnouncement is returned when the public key line is malformed
	ErrBadAnnouncement = errors.New("malformed public key announcement")
	// ErrLineTooLong is returned when a peer sends an oversized protocol line
	ErrLineTooLong = errors.New("protocol line too long")
)

// Stream is the byte stream underneath a Conn: a TCP socket or a QUIC stream
type Stream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// Conn carries one protocol session. Every blocking call takes a context;
// the context deadline becomes the stream deadline and cancellation unblocks I/O.
type Conn struct {
	stream     Stream
	reader     *bufio.Reader
	closeWrite func() error
	closeAll   func() error
	remote     string
}

func newConn(stream Stream, remote string, closeWrite, closeAll func() error) *Conn {
	return &Conn{
		stream:     stream,
		reader:     bufio.NewReaderSize(stream, spec.VIDEO_BUFFER_SIZE),
		closeWrite: closeWrite,
		closeAll:   closeAll,
		remote:     remote,
	}
}

// NewConn wraps a plain net.Conn, using half-close when the connection supports it
func NewConn(c net.Conn) *Conn {
	closeWrite := func() error { return nil }
	if hc, ok := c.(interface{ CloseWrite() error }); ok {
		closeWrite = hc.CloseWrite
	}
	return newConn(c, c.RemoteAddr().String(), closeWrite, c.Close)
}

// RemoteAddr describes the peer
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// bind applies ctx to the stream for the duration of one operation
func (c *Conn) bind(ctx context.Context) func() {
	if dl, ok := ctx.Deadline(); ok {
		c.stream.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		c.stream.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		c.stream.SetDeadline(time.Time{})
	}
}

// wrapErr prefers the context error when the context caused the failure
func wrapErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	// the stream deadline can fire a moment before the context timer does
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// WriteLine sends line followed by a newline
func (c *Conn) WriteLine(ctx context.Context, line string) error {
	if strings.ContainsRune(line, '\n') {
		return fmt.Errorf("line contains newline")
	}
	done := c.bind(ctx)
	defer done()

	if _, err := io.WriteString(c.stream, line+"\n"); err != nil {
		return wrapErr(ctx, "write line", err)
	}
	return nil
}

// ReadLine reads one newline-terminated line, without the terminator
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	done := c.bind(ctx)
	defer done()

	var buf bytes.Buffer
	for {
		chunk, err := c.reader.ReadSlice('\n')
		buf.Write(chunk)
		if buf.Len() > spec.MAX_LINE_SIZE {
			return "", ErrLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", wrapErr(ctx, "read line", err)
	}

	return strings.TrimRight(buf.String(), "\r\n"), nil
}

// SendPublicKey announces the verification key as "PUBLIC_KEY:<base64>"
func (c *Conn) SendPublicKey(ctx context.Context, pemBytes []byte) error {
	return c.WriteLine(ctx, spec.PUBLIC_KEY_PREFIX+base64.StdEncoding.EncodeToString(pemBytes))
}

// ReceivePublicKey reads and decodes the key announcement
func (c *Conn) ReceivePublicKey(ctx context.Context) ([]byte, error) {
	line, err := c.ReadLine(ctx)
	if err != nil {
		return nil, err
	}

	encoded, ok := strings.CutPrefix(line, spec.PUBLIC_KEY_PREFIX)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrBadAnnouncement, spec.PUBLIC_KEY_PREFIX)
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadAnnouncement, err)
	}
	return key, nil
}

// SendStream copies r to the peer and half-closes so the peer sees EOF
func (c *Conn) SendStream(ctx context.Context, r io.Reader) (int64, error) {
	done := c.bind(ctx)
	defer done()

	n, err := io.Copy(c.stream, r)
	if err != nil {
		return n, wrapErr(ctx, "send stream", err)
	}
	if err := c.closeWrite(); err != nil {
		return n, wrapErr(ctx, "close write", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SendStream",
		"peer":     c.remote,
		"bytes":    n,
	}).Debug("Stream sent")

	return n, nil
}

// ReceiveStream copies everything until EOF into w
func (c *Conn) ReceiveStream(ctx context.Context, w io.Writer) (int64, error) {
	done := c.bind(ctx)
	defer done()

	n, err := io.Copy(w, c.reader)
	if err != nil {
		return n, wrapErr(ctx, "receive stream", err)
	}
	return n, nil
}

// Close releases the connection
func (c *Conn) Close() error {
	return c.closeAll()
}

// Listener hands out one Conn per accepted peer
type Listener interface {
	Accept(ctx context.Context) (*Conn, error)
	Addr() net.Addr
	Close() error
}

// Dialer opens a Conn to a listening peer
type Dialer interface {
	Dial(ctx context.Context, addr string) (*Conn, error)
}
