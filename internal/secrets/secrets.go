// Package secrets seals and opens small credential strings (SMTP passwords,
// webhook signing keys) so operators can keep ciphertext in environment files.
// Values are encrypted with AES-256-GCM under a key derived from a passphrase
// via scrypt; the salt and nonce travel with the ciphertext.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Sealed values carry this prefix so config loading can tell ciphertext from
// cleartext.
const Prefix = "sealed:"

const (
	saltSize = 16
	keySize  = 32

	// scrypt cost parameters (interactive-grade).
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

var (
	ErrEmptyPassphrase = errors.New("secrets: empty passphrase")
	ErrMalformed       = errors.New("secrets: malformed sealed value")
)

// Box seals and opens values under one passphrase.
type Box struct {
	passphrase []byte
}

// NewBox creates a Box. The passphrase is held in memory for the lifetime of
// the process; it is the operator-provided HIVE_SECRETS_KEY.
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	return &Box{passphrase: []byte(passphrase)}, nil
}

// Seal encrypts plaintext and returns "sealed:" + base64(salt||nonce||ct).
func (b *Box) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	gcm, err := b.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned unchanged so cleartext configuration keeps working.
func (b *Box) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < saltSize {
		return "", ErrMalformed
	}

	salt := raw[:saltSize]
	gcm, err := b.aead(salt)
	if err != nil {
		return "", err
	}
	if len(raw) < saltSize+gcm.NonceSize() {
		return "", ErrMalformed
	}

	nonce := raw[saltSize : saltSize+gcm.NonceSize()]
	ct := raw[saltSize+gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open failed: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

func (b *Box) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(b.passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
