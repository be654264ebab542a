package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

// EnvKeyName is the environment variable holding the base64 primary key.
// Rotated keys live in EnvKeyName_V2, _V3, ... and the highest loaded
// version is used for new ciphertexts.
const EnvKeyName = "MASTER_ENCRYPTION_KEY"

var (
	ErrNoKey              = errors.New("no encryption key configured")
	ErrVersionUnavailable = errors.New("key version not loaded")
)

// Keyring holds every loaded key version and routes ciphertexts to the
// encryptor that produced them.
type Keyring struct {
	mu         sync.RWMutex
	current    int
	encryptors map[int]*Encryptor
}

// NewKeyring loads keys from the environment. The primary key is required;
// versions 2..10 are picked up when present.
func NewKeyring() (*Keyring, error) {
	kr := &Keyring{encryptors: make(map[int]*Encryptor)}

	if err := kr.load(1, EnvKeyName); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	kr.current = 1

	for v := 2; v <= 10; v++ {
		if err := kr.load(v, fmt.Sprintf("%s_V%d", EnvKeyName, v)); err == nil {
			kr.current = v
		}
	}
	return kr, nil
}

func (kr *Keyring) load(version int, envName string) error {
	encoded := os.Getenv(envName)
	if encoded == "" {
		return ErrNoKey
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode %s: %w", envName, err)
	}
	enc, err := NewEncryptor(key, version)
	if err != nil {
		return fmt.Errorf("key %s: %w", envName, err)
	}
	kr.encryptors[version] = enc
	return nil
}

// Encrypt seals plaintext with the newest key version.
func (kr *Keyring) Encrypt(plaintext string) (string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	enc, ok := kr.encryptors[kr.current]
	if !ok {
		return "", ErrNoKey
	}
	return enc.Encrypt(plaintext)
}

// Decrypt opens a ciphertext with whichever key version produced it.
func (kr *Keyring) Decrypt(ciphertext string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}

	kr.mu.RLock()
	defer kr.mu.RUnlock()
	enc, ok := kr.encryptors[version]
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrVersionUnavailable, version)
	}
	return enc.Decrypt(ciphertext)
}

// ReEncrypt rewrites a ciphertext under the newest key, for rotation sweeps.
func (kr *Keyring) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := kr.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return kr.Encrypt(plaintext)
}

// CurrentVersion returns the version used for new ciphertexts.
func (kr *Keyring) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// GenerateKey produces a fresh base64-encoded AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
