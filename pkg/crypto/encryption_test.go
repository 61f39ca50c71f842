package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(fill byte) string {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = fill + byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func rawKey(fill byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = fill + byte(i)
	}
	return key
}

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor(rawKey(0), 1)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"api_token", "a1-8fKq2ZxYv0TpLmNw"},
		{"long", "this is a very long string standing in for a broker API token"},
		{"unicode", "中文測試 🔐"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if !strings.HasPrefix(ciphertext, "ENC[v1]:") {
				t.Errorf("ciphertext missing version prefix: %s", ciphertext)
			}

			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if decrypted != tt.plaintext {
				t.Errorf("decrypted = %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptDifferentCiphertexts(t *testing.T) {
	enc, _ := NewEncryptor(rawKey(0), 1)

	plaintext := "same-api-token"
	c1, _ := enc.Encrypt(plaintext)
	c2, _ := enc.Encrypt(plaintext)

	if c1 == c2 {
		t.Error("expected different ciphertexts for same plaintext")
	}
}

func TestInvalidKey(t *testing.T) {
	if _, err := NewEncryptor([]byte("short"), 1); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDecryptInvalidCiphertext(t *testing.T) {
	enc, _ := NewEncryptor(rawKey(0), 1)

	invalids := []string{
		"",
		"not-encrypted",
		"ENC[v1]:",           // empty data
		"ENC[v1]:!!!invalid", // invalid base64
	}

	for _, invalid := range invalids {
		if _, err := enc.Decrypt(invalid); err == nil {
			t.Errorf("expected error for invalid ciphertext: %s", invalid)
		}
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	encA, _ := NewEncryptor(rawKey(0), 1)
	encB, _ := NewEncryptor(rawKey(100), 1)

	ciphertext, _ := encA.Encrypt("secret")
	if _, err := encB.Decrypt(ciphertext); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	enc, _ := NewEncryptor(rawKey(0), 1)
	ciphertext, _ := enc.Encrypt("secret")

	// flip one character of the payload
	tampered := []byte(ciphertext)
	last := len(tampered) - 5
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}
	if _, err := enc.Decrypt(string(tampered)); err == nil {
		t.Error("tampered ciphertext decrypted cleanly")
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		ciphertext string
		expected   int
	}{
		{"ENC[v1]:data", 1},
		{"ENC[v2]:data", 2},
		{"ENC[v10]:data", 10},
		{"invalid", 0},
		{"ENC[vX]:data", 0},
	}

	for _, tt := range tests {
		if got := ParseVersion(tt.ciphertext); got != tt.expected {
			t.Errorf("ParseVersion(%q) = %d, want %d", tt.ciphertext, got, tt.expected)
		}
	}
}

func TestKeyManagerRotation(t *testing.T) {
	v1Only, err := NewKeyManager("v1="+testKey(0), "v1")
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	oldCipher, err := v1Only.Encrypt("token-123")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// rotate: add v2, flip active
	both, err := NewKeyManager("v1="+testKey(0)+", v2="+testKey(50), "v2")
	if err != nil {
		t.Fatalf("NewKeyManager after rotation: %v", err)
	}
	if both.CurrentVersion() != 2 {
		t.Errorf("CurrentVersion = %d, want 2", both.CurrentVersion())
	}

	// old ciphertext still opens
	plain, err := both.Decrypt(oldCipher)
	if err != nil || plain != "token-123" {
		t.Fatalf("Decrypt old = %q, %v", plain, err)
	}

	// re-encryption stamps the new version
	upgraded, err := both.ReEncrypt(oldCipher)
	if err != nil {
		t.Fatalf("ReEncrypt: %v", err)
	}
	if ParseVersion(upgraded) != 2 {
		t.Errorf("upgraded version = %d, want 2", ParseVersion(upgraded))
	}
	if plain, _ := both.Decrypt(upgraded); plain != "token-123" {
		t.Errorf("upgraded plaintext = %q", plain)
	}
}

func TestKeyManagerRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		keySet string
		active string
	}{
		{"empty", "", "v1"},
		{"missing active", "v1=" + testKey(0), "v3"},
		{"bad version name", "one=" + testKey(0), "v1"},
		{"bad base64", "v1=$$$", "v1"},
		{"short key", "v1=" + base64.StdEncoding.EncodeToString([]byte("short")), "v1"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewKeyManager(tt.keySet, tt.active); err == nil {
				t.Errorf("NewKeyManager(%q, %q) accepted bad config", tt.keySet, tt.active)
			}
		})
	}
}

func TestKeyManagerUnknownVersionCipher(t *testing.T) {
	km, _ := NewKeyManager("v1="+testKey(0), "v1")
	if _, err := km.Decrypt("ENC[v9]:AAAA"); err == nil {
		t.Error("ciphertext from unloaded key version decrypted")
	}
	if _, err := km.Decrypt("plaintext"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestGenerateKey(t *testing.T) {
	s, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != KeySize {
		t.Errorf("key = %d bytes, err %v", len(raw), err)
	}
	if _, err := NewKeyManager("v1="+s, "v1"); err != nil {
		t.Errorf("generated key rejected: %v", err)
	}
}
