package transport

import "fmt"

// Kinds of transport a session can run over
const (
	KindTCP  = "tcp"
	KindQUIC = "quic"
)

// Listen binds addr with the named transport
func Listen(kind, addr string) (Listener, error) {
	switch kind {
	case KindTCP, "":
		return ListenTCP(addr)
	case KindQUIC:
		tlsConf, err := SelfSignedTLS()
		if err != nil {
			return nil, err
		}
		return ListenQUIC(addr, tlsConf)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// NewDialer returns a dialer for the named transport
func NewDialer(kind string) (Dialer, error) {
	switch kind {
	case KindTCP, "":
		return TCPDialer{}, nil
	case KindQUIC:
		return QUICDialer{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
