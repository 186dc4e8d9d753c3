package envelope

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/faanross/simulacra_vid/internal/spec"
	"golang.org/x/crypto/blake2b"
)

// ErrSignatureInvalid marks a message whose signature did not verify.
// It is reported to callers, never used to abort a session.
var ErrSignatureInvalid = errors.New("signature invalid")

// GenerateKeyPair creates the per-session signing key
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, spec.RSA_KEY_BITS)
	if err != nil {
		return nil, fmt.Errorf("RSA key generation failed: %w", err)
	}
	return priv, nil
}

// Sign signs the SHA-256 digest of message with PKCS#1 v1.5, base64 encoded
func Sign(message []byte, priv *rsa.PrivateKey) (string, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid signature of message under pub.
// Malformed input yields false, never an error.
func Verify(signature string, message []byte, pub *rsa.PublicKey) bool {
	if pub == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(message)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// MarshalPublicKey exports pub as a PEM "PUBLIC KEY" block
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: spec.PEM_PUBLIC, Bytes: der}), nil
}

// ParsePublicKey reads a PEM or bare DER RSA public key
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		if rsaKey, err2 := x509.ParsePKCS1PublicKey(der); err2 == nil {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("key is not an RSA public key")
	}
	return pub, nil
}

// Fingerprint returns the hex BLAKE2b-256 digest of the DER encoded public key
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := blake2b.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}
