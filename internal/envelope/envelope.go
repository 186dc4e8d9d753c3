package envelope

import (
	"crypto/rsa"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Sealed holds the three text payloads destined for embedding plus the
// public half of the signing key, which travels in the clear.
type Sealed struct {
	Key        string // base64 symmetric key
	Ciphertext string // base64(IV || ciphertext)
	Signature  string // base64 PKCS#1 v1.5 signature of the plaintext
	PublicKey  *rsa.PublicKey
}

// Opened is the outcome of unpacking a Sealed envelope
type Opened struct {
	Message  []byte
	Verified bool
}

// Seal generates a fresh symmetric key and signing key, encrypts message
// and signs the plaintext.
func Seal(message []byte) (*Sealed, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	ciphertext, err := Encrypt(message, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}

	priv, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	signature, err := Sign(message, priv)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Seal",
		"plaintext":  len(message),
		"ciphertext": len(ciphertext),
		"signature":  len(signature),
	}).Debug("Envelope sealed")

	return &Sealed{
		Key:        EncodeKey(key),
		Ciphertext: ciphertext,
		Signature:  signature,
		PublicKey:  &priv.PublicKey,
	}, nil
}

// Open decrypts the ciphertext with the embedded key and checks the signature.
// Decryption problems are fatal; a bad signature only clears Verified.
func Open(encodedKey, ciphertext, signature string, pub *rsa.PublicKey) (*Opened, error) {
	key, err := DecodeKey(encodedKey)
	if err != nil {
		return nil, err
	}

	message, err := Decrypt(ciphertext, key)
	if err != nil {
		return nil, err
	}

	verified := Verify(signature, message, pub)
	if !verified {
		logrus.WithFields(logrus.Fields{
			"function": "Open",
			"error":    ErrSignatureInvalid.Error(),
		}).Warn("Message delivered unverified")
	}

	return &Opened{Message: message, Verified: verified}, nil
}
