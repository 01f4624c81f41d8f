package tenant

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// Decrypter turns a stored connection string into a usable one.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Plaintext is a Decrypter for stores that keep connection strings in the clear.
type Plaintext struct{}

// Decrypt returns ciphertext unchanged.
func (Plaintext) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}

// SecretBox encrypts connection strings with NaCl secretbox. Ciphertexts
// are base64(nonce || sealed).
type SecretBox struct {
	key [keySize]byte
}

// NewSecretBox creates a cipher from a 32 byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("tenant: secretbox key must be %d bytes, got %d", keySize, len(key))
	}
	s := &SecretBox{}
	copy(s.key[:], key)
	return s, nil
}

// NewSecretBoxFromBase64 creates a cipher from a base64 encoded key.
func NewSecretBoxFromBase64(encoded string) (*SecretBox, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("tenant: decode secretbox key: %w", err)
	}
	return NewSecretBox(key)
}

// Encrypt seals plaintext under a fresh random nonce.
func (s *SecretBox) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("tenant: generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (s *SecretBox) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptFailed)
	}
	return string(plain), nil
}
