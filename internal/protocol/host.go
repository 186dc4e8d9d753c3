package protocol

import (
	"context"
	"net"
	"sync"

	"github.com/faanross/simulacra_vid/internal/transport"
	"github.com/sirupsen/logrus"
)

// Host owns the single listening socket sender sessions run on. Starting a
// new session tears down whatever session currently holds it.
type Host struct {
	Sender    *Sender
	Kind      string // transport kind, see transport.Listen
	Addr      string
	Observers []Observer

	mu       sync.Mutex
	current  *Session
	listener transport.Listener
}

// Start binds the listener and runs a sender session on it. ctx bounds the
// session, not the call.
func (h *Host) Start(ctx context.Context, videoPath string, message []byte) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopLocked()

	ln, err := transport.Listen(h.Kind, h.Addr)
	if err != nil {
		return nil, err
	}

	sess := NewSession(RoleSender, h.Observers...)
	h.current = sess
	h.listener = ln
	h.Sender.Start(ctx, sess, ln, videoPath, message)

	logrus.WithFields(logrus.Fields{
		"function": "Host.Start",
		"session":  sess.ID(),
		"addr":     ln.Addr().String(),
	}).Info("Sender session started")

	return sess, nil
}

// stopLocked closes the listener of a running session and waits for it to end
func (h *Host) stopLocked() {
	if h.current == nil {
		return
	}

	select {
	case <-h.current.Done():
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Host.stop",
			"session":  h.current.ID(),
		}).Warn("Replacing in-flight session")

		h.listener.Close()
		h.current.Cancel()
		<-h.current.Done()
	}
	h.current = nil
	h.listener = nil
}

// Current returns the latest sender session, or nil
func (h *Host) Current() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// ListenAddr is the bound address of the latest session's listener
func (h *Host) ListenAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Close aborts the running session, if any
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	return nil
}
