// Package crypto encrypts credential fields at rest using AES-256-GCM.
// Values are wrapped as "enc:v1:<base64>" so a store file can mix encrypted
// and legacy plaintext fields; Unwrap passes unprefixed values through.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Prefix marks a wrapped (encrypted) field value.
const Prefix = "enc:v1:"

// FieldCipher wraps and unwraps individual credential field values.
type FieldCipher interface {
	Wrap(plaintext string) (string, error)
	Unwrap(value string) (string, error)
}

// AESCipher implements FieldCipher with AES-256-GCM authenticated encryption.
// The random 12-byte nonce is prepended to the ciphertext before encoding.
type AESCipher struct {
	key []byte // 32 bytes for AES-256
}

// NewAESCipher creates a cipher from a base64-encoded 32-byte key, e.g. one
// generated with: openssl rand -base64 32
func NewAESCipher(base64Key string) (*AESCipher, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	return &AESCipher{key: key}, nil
}

// Wrap encrypts plaintext and returns a prefixed base64 value. Empty input
// stays empty so optional fields round-trip unchanged.
func (c *AESCipher) Wrap(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Unwrap decrypts a wrapped value. Values without the prefix are returned as-is,
// which keeps plaintext store files readable after encryption is enabled.
func (c *AESCipher) Unwrap(value string) (string, error) {
	if !strings.HasPrefix(value, Prefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", gcm.NonceSize(), len(raw))
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		// Don't expose internals that might leak key or tag details.
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}

func (c *AESCipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
