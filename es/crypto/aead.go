// Package crypto provides a payload cipher for the engine's encryption hook.
package crypto

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/getpup/pupstore/es"
)

// KeySize is the key length NewAEAD expects.
const KeySize = chacha20poly1305.KeySize

// ErrCiphertextTooShort is returned when a payload cannot hold a nonce and tag.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// AEAD seals payloads with XChaCha20-Poly1305 under a random 24-byte nonce
// stored in front of the ciphertext. The tenant scope token of the context
// is the associated data, so a payload only opens within the tenant that
// wrote it.
type AEAD struct {
	aead cipher.AEAD
}

var _ es.Cipher = (*AEAD)(nil)

// NewAEAD returns a cipher for a KeySize-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &AEAD{aead: a}, nil
}

// GenerateKey returns a random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParseKey decodes a base64 (standard encoding) key.
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), KeySize)
	}
	return key, nil
}

// EncodeKey encodes a key in the form read by ParseKey.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// Encrypt implements es.Cipher.
func (a *AEAD) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, []byte(es.TenantFrom(ctx))), nil
}

// Decrypt implements es.Cipher.
func (a *AEAD) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	n := a.aead.NonceSize()
	if len(ciphertext) < n+a.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plain, err := a.aead.Open(nil, ciphertext[:n], ciphertext[n:], []byte(es.TenantFrom(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	return plain, nil
}
