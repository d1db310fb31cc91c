package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix marks values produced by Sealer.SealString so plaintext
// rows written before encryption was enabled can still be read.
const sealedPrefix = "enc:v1:"

var ErrOpenFailed = errors.New("failed to open sealed value")

// Sealer encrypts small values with XChaCha20-Poly1305.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a 32 byte key (see DeriveKey).
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init aead: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns nonce||ciphertext for plaintext, authenticating aad.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. Any malformed or tampered input yields ErrOpenFailed.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrOpenFailed
	}
	out, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// SealString encrypts a token for storage. Empty strings stay empty.
func (s *Sealer) SealString(v string) (string, error) {
	if v == "" || s == nil {
		return v, nil
	}
	b, err := s.Seal([]byte(v), nil)
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// OpenString decrypts a value produced by SealString. Values without the
// sealed prefix are returned unchanged.
func (s *Sealer) OpenString(v string) (string, error) {
	if s == nil || !strings.HasPrefix(v, sealedPrefix) {
		return v, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(v, sealedPrefix))
	if err != nil {
		return "", ErrOpenFailed
	}
	out, err := s.Open(b, nil)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
