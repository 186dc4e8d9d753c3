package scrypto

import (
	"fmt"
	"image"

	"github.com/faanross/simulacra_vid/internal/stego"
)

// HideInFrame seals message under passphrase and embeds the result in img.
// An empty passphrase embeds the message as is.
func HideInFrame(img *image.RGBA, message, passphrase []byte) error {
	payload := message
	if len(passphrase) > 0 {
		sealed, err := Seal(message, passphrase)
		if err != nil {
			return err
		}
		payload = []byte(sealed)
	}

	if err := stego.Encode(img, payload); err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	return nil
}

// RevealFromFrame extracts the payload of img and, when a passphrase is
// given, opens it.
func RevealFromFrame(img image.Image, passphrase []byte) ([]byte, error) {
	payload, err := stego.Decode(img)
	if err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return payload, nil
	}
	return Open(string(payload), passphrase)
}

// RevealWithCandidates extracts the payload of img and tries each candidate
// passphrase on it.
func RevealWithCandidates(img image.Image, candidates []string) ([]byte, int, error) {
	payload, err := stego.Decode(img)
	if err != nil {
		return nil, -1, err
	}
	return TryPassphrases(string(payload), candidates)
}
