// Package crypto encrypts broker API tokens at rest. Ciphertexts carry a
// key version prefix so keys can rotate without re-encrypting every row up
// front.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals and opens strings with AES-256-GCM under one key version.
// Output format: ENC[vN]:base64(nonce || ciphertext || tag).
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor builds an Encryptor for a 32-byte key.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{
		aead:    aead,
		version: version,
	}, nil
}

// Encrypt seals plaintext under this encryptor's key. Every call draws a
// fresh nonce, so equal inputs produce different ciphertexts.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:", e.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. The embedded version is
// not checked here; the KeyManager routes ciphertexts to the right key.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	idx := strings.Index(ciphertext, "]:")
	if !strings.HasPrefix(ciphertext, "ENC[v") || idx == -1 {
		return "", ErrInvalidCiphertext
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < e.aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := data[:e.aead.NonceSize()], data[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Version returns the key version this encryptor stamps onto ciphertexts.
func (e *Encryptor) Version() int {
	return e.version
}

// ParseVersion extracts the version number from a ciphertext prefix.
// Returns 0 when the format is invalid.
func ParseVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}
