package statusdns

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/faanross/simulacra_vid/internal/envelope"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "covert.example.com"

func startServer(t *testing.T, sessions map[string]Status) *Client {
	t.Helper()
	srv := NewServer(testDomain+".", SourceFunc(func(id string) (Status, bool) {
		st, ok := sessions[id]
		return st, ok
	}))
	addr, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return &Client{Server: addr.String(), Domain: testDomain, Timeout: time.Second}
}

func TestStatusFingerprintAndKey(t *testing.T) {
	priv, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	pemBytes, err := envelope.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	fp, err := envelope.Fingerprint(&priv.PublicKey)
	require.NoError(t, err)

	client := startServer(t, map[string]Status{
		"a1b2": {State: "Transmitting", Fingerprint: fp, PublicKey: pemBytes},
		"c3d4": {State: "Done", Complete: true},
	})
	ctx := context.Background()

	st, err := client.Status(ctx, "a1b2")
	require.NoError(t, err)
	assert.Equal(t, Status{State: "Transmitting"}, st)

	st, err = client.Status(ctx, "C3D4")
	require.NoError(t, err)
	assert.Equal(t, Status{State: "Done", Complete: true}, st)

	got, err := client.Fingerprint(ctx, "a1b2")
	require.NoError(t, err)
	assert.Equal(t, fp, got)

	key, err := client.PublicKey(ctx, "a1b2")
	require.NoError(t, err)
	assert.Equal(t, pemBytes, key)

	pub, err := envelope.ParsePublicKey(key)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&priv.PublicKey))
}

func TestUnknownNames(t *testing.T) {
	client := startServer(t, map[string]Status{
		"c3d4": {State: "Done", Complete: true},
	})
	ctx := context.Background()

	_, err := client.Status(ctx, "ffff")
	assert.ErrorIs(t, err, ErrNoSuchSession)

	// no key published yet
	_, err = client.Fingerprint(ctx, "c3d4")
	assert.ErrorIs(t, err, ErrNoSuchSession)

	other := *client
	other.Domain = "elsewhere.example.org"
	_, err = other.Status(ctx, "c3d4")
	assert.ErrorIs(t, err, ErrNoSuchSession)
}

func TestTruncatesWithoutEDNS(t *testing.T) {
	client := startServer(t, map[string]Status{
		"a1b2": {State: "Done", PublicKey: []byte(strings.Repeat("k", 900))},
	})

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("pubkey.a1b2."+testDomain), dns.TypeTXT)
	resp, _, err := (&dns.Client{Net: "udp", Timeout: time.Second}).Exchange(m, client.Server)
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
}

func TestChunk(t *testing.T) {
	tests := []struct {
		in   string
		size int
		want []string
	}{
		{"", 250, []string{""}},
		{"abc", 250, []string{"abc"}},
		{"abcdef", 3, []string{"abc", "def"}},
		{"abcdefg", 3, []string{"abc", "def", "g"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, chunk(tt.in, tt.size))
	}

	for _, s := range chunk(strings.Repeat("x", 1000), 250) {
		assert.LessOrEqual(t, len(s), 250)
	}
}

func TestAnswerParsing(t *testing.T) {
	srv := NewServer(testDomain, SourceFunc(func(id string) (Status, bool) {
		return Status{State: "Listening"}, id == "abc"
	}))

	tests := []struct {
		name string
		ok   bool
	}{
		{"status.abc.covert.example.com.", true},
		{"STATUS.ABC.Covert.Example.Com.", true},
		{"status.abc.other.example.com.", false},
		{"status.covert.example.com.", false},
		{"status.x.abc.covert.example.com.", false},
		{"bogus.abc.covert.example.com.", false},
		{"status.nope.covert.example.com.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := srv.answer(tt.name)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
