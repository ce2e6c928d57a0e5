// Package apikey implements named API keys for mutating calls: generation,
// symmetric encryption at rest, a file-backed store, and the HTTP basic-auth
// middleware that checks them.
package apikey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrUnauthorized is the single error every authentication failure maps to.
// Callers must not leak whether the name, the key, or both were wrong.
var ErrUnauthorized = errors.New("unauthorized")

// MaxNameLength bounds API key names.
const MaxNameLength = 128

// KeySize is the secretbox key size in bytes.
const KeySize = 32

// NameError reports an API key name that violates the grammar.
type NameError struct {
	Name string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid API key name: %q", e.Name)
}

// CheckName validates an API key name: 1 to 128 alphanumerics. Names are
// case-insensitive; use Normalize for the canonical form.
func CheckName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLength {
		return &NameError{Name: name}
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return &NameError{Name: name}
		}
	}
	return nil
}

// Normalize returns the canonical (lowercase) form of a key name.
func Normalize(name string) string {
	return strings.ToLower(name)
}

// Generate returns a new random key of length random bytes, URL-safe base64
// encoded.
func Generate(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Encrypt seals the secret with the 32-byte symmetric key. The random nonce
// is prepended to the ciphertext.
func Encrypt(key []byte, secret string) ([]byte, error) {
	boxKey, err := boxKey(key)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(secret), &nonce, boxKey), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(key []byte, data []byte) (string, error) {
	boxKey, err := boxKey(key)
	if err != nil {
		return "", err
	}
	if len(data) < 24 {
		return "", errors.New("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], data[:24])
	plain, ok := secretbox.Open(nil, data[24:], &nonce, boxKey)
	if !ok {
		return "", errors.New("decrypt failed")
	}
	return string(plain), nil
}

func boxKey(key []byte) (*[KeySize]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	var k [KeySize]byte
	copy(k[:], key)
	return &k, nil
}
