package statusdns

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"github.com/faanross/simulacra_vid/internal/spec"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// ================================================================================
// SESSION STATUS OVER DNS
// Answers TXT queries under the served domain:
//
//	status.<session>.<domain>  state=<State>;complete=<bool>
//	fp.<session>.<domain>      public key fingerprint
//	pubkey.<session>.<domain>  base64 PEM public key, split into TXT strings
// ================================================================================

// Query labels
const (
	LabelStatus    = "status"
	LabelFP        = "fp"
	LabelPublicKey = "pubkey"
)

// Status is what the server publishes for one session
type Status struct {
	State       string
	Complete    bool
	Fingerprint string
	PublicKey   []byte // PEM
}

// Source resolves session ids
type Source interface {
	Lookup(id string) (Status, bool)
}

// SourceFunc adapts a function to Source
type SourceFunc func(id string) (Status, bool)

// Lookup implements Source
func (f SourceFunc) Lookup(id string) (Status, bool) { return f(id) }

// Server is a TXT-only authoritative responder
type Server struct {
	domain string
	source Source
	ttl    uint32
	srv    *dns.Server
}

// NewServer serves domain from source
func NewServer(domain string, source Source) *Server {
	return &Server{
		domain: strings.ToLower(strings.TrimSuffix(domain, ".")),
		source: source,
		ttl:    5,
	}
}

// ServeDNS implements dns.Handler
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	for _, question := range r.Question {
		if question.Qtype != dns.TypeTXT {
			continue
		}
		txt, ok := s.answer(question.Name)
		if !ok {
			msg.Rcode = dns.RcodeNameError
			continue
		}
		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   question.Name,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassINET,
				Ttl:    s.ttl,
			},
			Txt: txt,
		})
	}

	size := dns.MinMsgSize
	if opt := r.IsEdns0(); opt != nil {
		size = int(opt.UDPSize())
		msg.SetEdns0(opt.UDPSize(), false)
	}
	if _, isUDP := w.RemoteAddr().(*net.UDPAddr); isUDP {
		msg.Truncate(size)
	}

	if err := w.WriteMsg(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ServeDNS",
			"remote":   w.RemoteAddr().String(),
		}).WithError(err).Debug("Failed to write reply")
	}
}

// answer maps a query name to TXT strings
func (s *Server) answer(qname string) ([]string, bool) {
	name := strings.ToLower(strings.TrimSuffix(qname, "."))
	rest, ok := strings.CutSuffix(name, "."+s.domain)
	if !ok {
		return nil, false
	}

	kind, id, ok := strings.Cut(rest, ".")
	if !ok || id == "" || strings.Contains(id, ".") {
		return nil, false
	}

	status, found := s.source.Lookup(id)
	if !found {
		return nil, false
	}

	log := logrus.WithFields(logrus.Fields{
		"function": "answer",
		"session":  id,
		"kind":     kind,
	})

	switch kind {
	case LabelStatus:
		log.Debug("Served status")
		return []string{fmt.Sprintf("state=%s;complete=%t", status.State, status.Complete)}, true
	case LabelFP:
		if status.Fingerprint == "" {
			return nil, false
		}
		log.Debug("Served fingerprint")
		return []string{status.Fingerprint}, true
	case LabelPublicKey:
		if len(status.PublicKey) == 0 {
			return nil, false
		}
		log.Debug("Served public key")
		return chunk(base64.StdEncoding.EncodeToString(status.PublicKey), spec.TXT_CHUNK_SIZE), true
	}
	return nil, false
}

// chunk splits value into TXT character-strings of at most size bytes
func chunk(value string, size int) []string {
	var out []string
	for len(value) > size {
		out = append(out, value[:size])
		value = value[size:]
	}
	return append(out, value)
}

// Start binds addr over UDP and serves in the background.
// It returns once the socket is ready.
func (s *Server) Start(addr string) (net.Addr, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dns listen %s: %w", addr, err)
	}

	started := make(chan struct{})
	s.srv = &dns.Server{
		PacketConn:        pc,
		Handler:           s,
		NotifyStartedFunc: func() { close(started) },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ActivateAndServe()
	}()

	select {
	case <-started:
	case err := <-errCh:
		return nil, fmt.Errorf("dns serve: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Server.Start",
		"addr":     pc.LocalAddr().String(),
		"domain":   s.domain,
	}).Info("DNS status server ready")

	return pc.LocalAddr(), nil
}

// Shutdown stops a started server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownContext(ctx)
}
