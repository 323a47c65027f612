// Package secrets encrypts credential columns at rest.
//
// Values are sealed with XChaCha20-Poly1305 under a key derived from an
// operator passphrase with Argon2id. Sealed values are self-describing
// ("v1:" prefix) so a store can hold a mix of sealed and legacy plaintext
// values while an encryption key is being introduced.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "v1:"

// SaltSize is the size of the key derivation salt
const SaltSize = 32

// ErrNoKey is returned when a sealed value is read without a key
var ErrNoKey = errors.New("value is encrypted but no encryption key is configured")

// Sealer encrypts and decrypts individual column values
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// IsSealed reports whether a stored value carries the sealed prefix
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, sealedPrefix)
}

// AEADSealer seals values with a passphrase-derived key
type AEADSealer struct {
	key []byte
}

// NewSealer derives the column key from passphrase and salt
func NewSealer(passphrase string, salt []byte) (*AEADSealer, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	if len(salt) < 16 {
		return nil, errors.New("salt too short")
	}
	key := argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, chacha20poly1305.KeySize)
	return &AEADSealer{key: key}, nil
}

// NewSalt generates a random key derivation salt
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext. Empty strings stay empty.
func (s *AEADSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value; unsealed values are returned unchanged
func (s *AEADSealer) Open(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(data) < aead.NonceSize() {
		return "", errors.New("invalid sealed value")
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed (wrong key?): %w", err)
	}
	return string(plaintext), nil
}

// Plain stores values as-is. It refuses to read sealed values.
type Plain struct{}

func (Plain) Seal(plaintext string) (string, error) { return plaintext, nil }

func (Plain) Open(stored string) (string, error) {
	if IsSealed(stored) {
		return "", ErrNoKey
	}
	return stored, nil
}
