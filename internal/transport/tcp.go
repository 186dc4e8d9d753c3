package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPListener accepts plain TCP connections
type TCPListener struct {
	ln *net.TCPListener
}

// ListenTCP binds addr
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln.(*net.TCPListener)}, nil
}

// Accept waits for one peer or until ctx ends
func (l *TCPListener) Accept(ctx context.Context) (*Conn, error) {
	if dl, ok := ctx.Deadline(); ok {
		l.ln.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		l.ln.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		stop()
		l.ln.SetDeadline(time.Time{})
	}()

	c, err := l.ln.Accept()
	if err != nil {
		return nil, wrapErr(ctx, "accept", err)
	}
	return NewConn(c), nil
}

// Addr returns the bound address
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops listening
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// TCPDialer connects over TCP
type TCPDialer struct{}

// Dial connects to addr
func (TCPDialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(c), nil
}
