package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

const (
	quicIdleTimeout = 30 * time.Second
	quicLinger      = 5 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout: quicIdleTimeout,
	}
}

// QUICListener accepts QUIC connections. The listening side opens the single
// bidirectional stream, since it is also the side that speaks first.
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC binds addr; tlsConf must carry a certificate
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	if tlsConf == nil || len(tlsConf.Certificates) == 0 {
		return nil, fmt.Errorf("quic listener needs a TLS certificate")
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &QUICListener{ln: ln}, nil
}

// Accept waits for a peer and opens the session stream
func (l *QUICListener) Accept(ctx context.Context) (*Conn, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, wrapErr(ctx, "quic accept", err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		_ = qconn.CloseWithError(0, "")
		return nil, wrapErr(ctx, "open stream", err)
	}

	return newConn(stream, qconn.RemoteAddr().String(), stream.Close, lingerClose(qconn)), nil
}

// Addr returns the bound UDP address
func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops listening
func (l *QUICListener) Close() error {
	return l.ln.Close()
}

// QUICDialer connects over QUIC
type QUICDialer struct {
	TLS *tls.Config
}

// Dial connects to addr and waits for the listener's stream
func (d QUICDialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	tlsConf := d.TLS
	if tlsConf == nil {
		tlsConf = ClientTLS()
	}

	qconn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		_ = qconn.CloseWithError(0, "")
		return nil, wrapErr(ctx, "accept stream", err)
	}

	closeAll := func() error {
		return qconn.CloseWithError(0, "")
	}
	return newConn(stream, qconn.RemoteAddr().String(), stream.Close, closeAll), nil
}

// lingerClose gives the peer time to drain the stream before the connection
// is torn down; closing immediately can drop data still in flight.
func lingerClose(qconn *quic.Conn) func() error {
	return func() error {
		select {
		case <-qconn.Context().Done():
		case <-time.After(quicLinger):
			logrus.WithFields(logrus.Fields{
				"function": "lingerClose",
				"peer":     qconn.RemoteAddr().String(),
			}).Debug("Peer did not close, tearing down")
		}
		return qconn.CloseWithError(0, "")
	}
}
