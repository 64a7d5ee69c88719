package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESCipher(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		errorMsg  string
		wantError bool
	}{
		{name: "empty key", key: "", wantError: true, errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", wantError: true, errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), wantError: true, errorMsg: "must be 32 bytes"},
		{name: "key too long", key: base64.StdEncoding.EncodeToString(make([]byte, 64)), wantError: true, errorMsg: "must be 32 bytes"},
		{name: "valid 32-byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32)), wantError: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESCipher(tt.key)
			if tt.wantError {
				if err == nil {
					t.Errorf("NewAESCipher() expected error but got nil")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewAESCipher() error = %v, want error containing %q", err, tt.errorMsg)
				}
			} else if err != nil {
				t.Errorf("NewAESCipher() unexpected error: %v", err)
			}
		})
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	c, err := NewAESCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewAESCipher: %v", err)
	}

	wrapped, err := c.Wrap("super-secret-refresh-token")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if !strings.HasPrefix(wrapped, Prefix) {
		t.Errorf("wrapped value missing prefix: %q", wrapped)
	}
	if strings.Contains(wrapped, "super-secret") {
		t.Error("wrapped value contains plaintext")
	}

	plain, err := c.Unwrap(wrapped)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if plain != "super-secret-refresh-token" {
		t.Errorf("round trip = %q, want original", plain)
	}
}

func TestWrapEmpty(t *testing.T) {
	c, _ := NewAESCipher(testKey(t))
	wrapped, err := c.Wrap("")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if wrapped != "" {
		t.Errorf("Wrap(\"\") = %q, want empty", wrapped)
	}
}

func TestUnwrapPlaintextPassthrough(t *testing.T) {
	c, _ := NewAESCipher(testKey(t))
	got, err := c.Unwrap("legacy-plaintext-token")
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if got != "legacy-plaintext-token" {
		t.Errorf("Unwrap passthrough = %q", got)
	}
}

func TestUnwrapWrongKey(t *testing.T) {
	c1, _ := NewAESCipher(testKey(t))
	c2, _ := NewAESCipher(testKey(t))

	wrapped, err := c1.Wrap("secret")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if _, err := c2.Unwrap(wrapped); err == nil {
		t.Error("expected authentication failure with wrong key")
	}
}

func TestUnwrapTampered(t *testing.T) {
	c, _ := NewAESCipher(testKey(t))
	wrapped, err := c.Wrap("secret")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	// Corrupt one byte of the encoded ciphertext.
	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(wrapped, Prefix))
	raw[len(raw)-1] ^= 0xff
	tampered := Prefix + base64.StdEncoding.EncodeToString(raw)
	if _, err := c.Unwrap(tampered); err == nil {
		t.Error("expected integrity failure for tampered ciphertext")
	}
}

func TestWrapNonDeterministic(t *testing.T) {
	c, _ := NewAESCipher(testKey(t))
	a, _ := c.Wrap("same-input")
	b, _ := c.Wrap("same-input")
	if a == b {
		t.Error("two Wrap calls produced identical ciphertext; nonce not random")
	}
}
