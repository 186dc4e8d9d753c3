package scrypto

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/faanross/simulacra_vid/internal/envelope"
	"github.com/faanross/simulacra_vid/internal/spec"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/term"
)

// ErrWrongPassphrase is returned when a passphrase does not open a payload
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted payload")

// DeriveKey turns a passphrase into an AES-128 key using PBKDF2-SHA256
func DeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, spec.PBKDF2_ITERS, spec.AES_KEY_SIZE, sha256.New)
}

func magic() []byte {
	return binary.BigEndian.AppendUint32(nil, spec.MAGIC_HEADER)
}

// Seal encrypts message under a passphrase-derived key.
// The result is "base64(salt).base64(IV || ciphertext)", safe to embed in a frame.
func Seal(message, passphrase []byte) (string, error) {
	salt := make([]byte, spec.SALT_SIZE)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	ciphertext, err := envelope.Encrypt(append(magic(), message...), DeriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(salt) + "." + ciphertext, nil
}

// Open reverses Seal
func Open(payload string, passphrase []byte) ([]byte, error) {
	encodedSalt, ciphertext, ok := strings.Cut(payload, ".")
	if !ok {
		return nil, fmt.Errorf("%w: missing salt", ErrWrongPassphrase)
	}
	salt, err := base64.StdEncoding.DecodeString(encodedSalt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad salt: %w", ErrWrongPassphrase, err)
	}

	plaintext, err := envelope.Decrypt(ciphertext, DeriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWrongPassphrase, err)
	}
	message, ok := bytes.CutPrefix(plaintext, magic())
	if !ok {
		return nil, ErrWrongPassphrase
	}
	return message, nil
}

// TryPassphrases opens payload with each candidate in turn and reports
// which one worked.
func TryPassphrases(payload string, candidates []string) ([]byte, int, error) {
	for i, candidate := range candidates {
		message, err := Open(payload, []byte(candidate))
		if err == nil {
			return message, i, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "TryPassphrases",
			"attempt":  i + 1,
			"of":       len(candidates),
		}).Debug("Passphrase rejected")
	}
	return nil, -1, ErrWrongPassphrase
}

// ReadSecret prompts on stdout and reads a line from stdin, hiding the
// input when stdin is a terminal.
func ReadSecret(prompt string, minLen int) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print(prompt)
		secret, err := term.ReadPassword(fd)
		fmt.Println() // New line after hidden input
		if err != nil {
			return nil, fmt.Errorf("read failed: %w", err)
		}
		return checkLength(secret, minLen)
	}
	return readLine(os.Stdin, minLen)
}

// readLine is the non-interactive path, e.g. a message piped in
func readLine(r io.Reader, minLen int) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	return checkLength(bytes.TrimRight(line, "\r\n"), minLen)
}

func checkLength(secret []byte, minLen int) ([]byte, error) {
	if len(secret) < minLen {
		return nil, fmt.Errorf("input must be at least %d characters", minLen)
	}
	return secret, nil
}
