package keyagree

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"github.com/faanross/simulacra_vid/internal/spec"
	"github.com/sirupsen/logrus"
)

// ErrKeyAgreement is returned when a peer value is missing or malformed
var ErrKeyAgreement = errors.New("key agreement failure")

// Group is a finite-field Diffie-Hellman group.
// DefaultGroup is illustrative only: a 23-element field is trivially brute-forced.
type Group struct {
	P uint64
	G uint64
}

// DefaultGroup is the group both peers use on the wire
var DefaultGroup = Group{P: spec.DH_PRIME, G: spec.DH_GENERATOR}

// KeyPair holds one side of a single exchange
type KeyPair struct {
	Private uint64
	Public  uint64
}

// Role decides who speaks first in each round
type Role int

const (
	// Responder accepted the connection and sends its public value first
	Responder Role = iota
	// Initiator opened the connection and answers
	Initiator
)

func (r Role) String() string {
	if r == Responder {
		return "responder"
	}
	return "initiator"
}

// Secrets are the two values agreed per session
type Secrets struct {
	Key uint64 // selects the symmetric key frame
	Msg uint64 // selects the message frame
}

// LineConn is the slice of a transport connection key agreement needs
type LineConn interface {
	WriteLine(ctx context.Context, line string) error
	ReadLine(ctx context.Context) (string, error)
}

// Generate picks a private exponent in [2, p-1] and its public value
func (g Group) Generate(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	if g.P < 4 {
		return KeyPair{}, fmt.Errorf("group modulus %d too small", g.P)
	}

	n, err := rand.Int(r, new(big.Int).SetUint64(g.P-2))
	if err != nil {
		return KeyPair{}, fmt.Errorf("private exponent: %w", err)
	}
	private := n.Uint64() + 2

	return g.Pair(private), nil
}

// ComputeShared returns peerPublic^private mod p
func (g Group) ComputeShared(peerPublic, private uint64) (uint64, error) {
	if peerPublic == 0 || peerPublic >= g.P {
		return 0, fmt.Errorf("%w: peer value %d outside [1, %d)", ErrKeyAgreement, peerPublic, g.P)
	}
	return modPow(peerPublic, private, g.P), nil
}

// Exchange runs one round over conn and returns the shared secret.
// The responder writes first, the initiator reads first.
func (g Group) Exchange(ctx context.Context, conn LineConn, role Role, r io.Reader) (uint64, error) {
	pair, err := g.Generate(r)
	if err != nil {
		return 0, err
	}
	return g.ExchangePair(ctx, conn, role, pair)
}

// Pair builds the key pair for a chosen private exponent
func (g Group) Pair(private uint64) KeyPair {
	return KeyPair{Private: private, Public: modPow(g.G, private, g.P)}
}

// ExchangePair runs one round with an existing key pair
func (g Group) ExchangePair(ctx context.Context, conn LineConn, role Role, pair KeyPair) (uint64, error) {
	var (
		peer uint64
		err  error
	)
	switch role {
	case Responder:
		if err := conn.WriteLine(ctx, strconv.FormatUint(pair.Public, 10)); err != nil {
			return 0, fmt.Errorf("send public value: %w", err)
		}
		if peer, err = readPeer(ctx, conn); err != nil {
			return 0, err
		}
	case Initiator:
		if peer, err = readPeer(ctx, conn); err != nil {
			return 0, err
		}
		if err := conn.WriteLine(ctx, strconv.FormatUint(pair.Public, 10)); err != nil {
			return 0, fmt.Errorf("send public value: %w", err)
		}
	default:
		return 0, fmt.Errorf("unknown role %d", role)
	}

	return g.ComputeShared(peer, pair.Private)
}

// Agree runs both rounds sequentially with independent exponents.
// onRound is called before each round starts (1, then 2) and may be nil.
func (g Group) Agree(ctx context.Context, conn LineConn, role Role, r io.Reader, onRound func(int)) (Secrets, error) {
	var out Secrets
	for round := 1; round <= 2; round++ {
		if onRound != nil {
			onRound(round)
		}

		secret, err := g.Exchange(ctx, conn, role, r)
		if err != nil {
			return Secrets{}, fmt.Errorf("round %d: %w", round, err)
		}

		if round == 1 {
			out.Key = secret
		} else {
			out.Msg = secret
		}

		logrus.WithFields(logrus.Fields{
			"function": "Agree",
			"role":     role.String(),
			"round":    round,
		}).Debug("Exchange round complete")
	}
	return out, nil
}

func readPeer(ctx context.Context, conn LineConn) (uint64, error) {
	line, err := conn.ReadLine(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: read peer value: %w", ErrKeyAgreement, err)
	}

	v, err := strconv.ParseUint(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed peer value %q", ErrKeyAgreement, line)
	}
	return v, nil
}

// modPow computes base^exp mod m
func modPow(base, exp, m uint64) uint64 {
	return new(big.Int).Exp(
		new(big.Int).SetUint64(base),
		new(big.Int).SetUint64(exp),
		new(big.Int).SetUint64(m),
	).Uint64()
}
