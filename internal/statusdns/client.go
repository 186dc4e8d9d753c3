package statusdns

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrNoSuchSession is returned when the server answers NXDOMAIN
var ErrNoSuchSession = errors.New("no such session")

// Client queries a statusdns server
type Client struct {
	Server  string // host:port
	Domain  string
	Timeout time.Duration
}

func (c *Client) query(ctx context.Context, label, id string) ([]string, error) {
	name := dns.Fqdn(label + "." + strings.ToLower(id) + "." + strings.TrimSuffix(c.Domain, "."))

	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeTXT)
	m.SetEdns0(4096, false)

	client := &dns.Client{Net: "udp", Timeout: c.Timeout}
	resp, _, err := client.ExchangeContext(ctx, m, c.Server)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%w: %s", ErrNoSuchSession, name)
	default:
		return nil, fmt.Errorf("query %s: %s", name, dns.RcodeToString[resp.Rcode])
	}

	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, txt.Txt...)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty answer for %s", ErrNoSuchSession, name)
	}
	return out, nil
}

// Status fetches state and completion of a session
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	txt, err := c.query(ctx, LabelStatus, id)
	if err != nil {
		return Status{}, err
	}

	var st Status
	for _, field := range strings.Split(strings.Join(txt, ""), ";") {
		key, value, _ := strings.Cut(field, "=")
		switch key {
		case "state":
			st.State = value
		case "complete":
			st.Complete, _ = strconv.ParseBool(value)
		}
	}
	return st, nil
}

// Fingerprint fetches the public key fingerprint of a session
func (c *Client) Fingerprint(ctx context.Context, id string) (string, error) {
	txt, err := c.query(ctx, LabelFP, id)
	if err != nil {
		return "", err
	}
	return strings.Join(txt, ""), nil
}

// PublicKey fetches the PEM public key of a session
func (c *Client) PublicKey(ctx context.Context, id string) ([]byte, error) {
	txt, err := c.query(ctx, LabelPublicKey, id)
	if err != nil {
		return nil, err
	}
	pem, err := base64.StdEncoding.DecodeString(strings.Join(txt, ""))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return pem, nil
}
