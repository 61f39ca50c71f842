package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrNoKeys           = errors.New("no encryption keys configured")
	ErrActiveKeyMissing = errors.New("active key version not in key set")
)

// KeyManager holds every configured key version and routes ciphertexts to
// the version that sealed them. New encryptions always use the active
// version; rotation is adding a key, flipping the active version, and
// re-encrypting rows as they are touched.
type KeyManager struct {
	mu         sync.RWMutex
	active     int
	encryptors map[int]*Encryptor
}

// NewKeyManager parses a key set of the form "v1=BASE64,v2=BASE64" with an
// active version like "v2". Key material is base64 of 32 raw bytes.
func NewKeyManager(keySet, active string) (*KeyManager, error) {
	km := &KeyManager{
		encryptors: make(map[int]*Encryptor),
	}

	for _, pair := range strings.Split(keySet, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, material, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed key entry %q", name)
		}
		version, err := parseVersionName(name)
		if err != nil {
			return nil, err
		}
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(material))
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", name, err)
		}
		enc, err := NewEncryptor(key, version)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", name, err)
		}
		km.encryptors[version] = enc
	}

	if len(km.encryptors) == 0 {
		return nil, ErrNoKeys
	}

	activeVer, err := parseVersionName(active)
	if err != nil {
		return nil, err
	}
	if _, ok := km.encryptors[activeVer]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrActiveKeyMissing, active)
	}
	km.active = activeVer

	return km, nil
}

func parseVersionName(name string) (int, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	var version int
	if _, err := fmt.Sscanf(name, "v%d", &version); err != nil || version < 1 {
		return 0, fmt.Errorf("bad key version %q (want v1, v2, ...)", name)
	}
	return version, nil
}

// Encrypt seals plaintext with the active key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.encryptors[km.active].Encrypt(plaintext)
}

// Decrypt opens a ciphertext with whichever key version sealed it.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return enc.Decrypt(ciphertext)
}

// ReEncrypt upgrades a ciphertext to the active key version.
func (km *KeyManager) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return km.Encrypt(plaintext)
}

// CurrentVersion returns the active key version.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.active
}

// HasVersion reports whether a key version is loaded.
func (km *KeyManager) HasVersion(version int) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	_, ok := km.encryptors[version]
	return ok
}

// GenerateKey returns a fresh random AES-256 key, base64-encoded for the
// key set string.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := cryptoRandRead(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// cryptoRandRead is a variable for testing purposes
var cryptoRandRead = func(b []byte) (int, error) {
	return rand.Reader.Read(b)
}
