package accounts

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	formatPlain  byte = 0
	formatSealed byte = 1
	nonceSize         = 24
)

// Sealer encrypts secrets at rest. A Sealer without a key stores them as is.
type Sealer struct {
	key *[32]byte
}

// NewSealer parses a base64 encoded 32 byte key. An empty key disables sealing.
func NewSealer(encoded string) (*Sealer, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return &Sealer{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &Sealer{key: &key}, nil
}

// Enabled reports whether secrets are encrypted.
func (s *Sealer) Enabled() bool { return s != nil && s.key != nil }

// Seal encodes secret for storage.
func (s *Sealer) Seal(secret string) ([]byte, error) {
	if !s.Enabled() {
		return append([]byte{formatPlain}, secret...), nil
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	out := append([]byte{formatSealed}, nonce[:]...)
	return secretbox.Seal(out, []byte(secret), &nonce, s.key), nil
}

// Open decodes a stored secret.
func (s *Sealer) Open(stored []byte) (string, error) {
	if len(stored) == 0 {
		return "", errors.New("open: empty secret")
	}
	switch stored[0] {
	case formatPlain:
		return string(stored[1:]), nil
	case formatSealed:
		if !s.Enabled() {
			return "", errors.New("open: secret is encrypted but no key is configured")
		}
		if len(stored) < 1+nonceSize+secretbox.Overhead {
			return "", errors.New("open: sealed secret is truncated")
		}
		var nonce [nonceSize]byte
		copy(nonce[:], stored[1:1+nonceSize])
		plain, ok := secretbox.Open(nil, stored[1+nonceSize:], &nonce, s.key)
		if !ok {
			return "", errors.New("open: secret does not match the configured key")
		}
		return string(plain), nil
	}
	return "", fmt.Errorf("open: unknown secret format %d", stored[0])
}
