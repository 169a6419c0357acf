// Package crypto seals credential columns at rest with an AEAD keyed by the
// server secret. Ciphertext is bound to its instance via AAD, so a blob
// copied between rows fails to open.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyLen is the required seal key length in bytes.
const KeyLen = chacha20poly1305.KeySize

// Sealer encrypts and decrypts token material with XChaCha20-Poly1305.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer constructs a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", KeyLen, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext with AAD and a random nonce. Output layout is
// nonce || ciphertext.
func (s *Sealer) Seal(aad []byte, plaintext string) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, nonce...)
	out = append(out, s.aead.Seal(nil, nonce, []byte(plaintext), aad)...)
	return out, nil
}

// Open decrypts a sealed blob using the same AAD as during sealing.
func (s *Sealer) Open(aad, blob []byte) (string, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return "", errors.New("sealed blob too short")
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	pt, err := s.aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
