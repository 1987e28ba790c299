package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrKeyNotLoaded = errors.New("key manager has no keys")
)

// KeyManager holds encryptors for every configured key version. New values
// are sealed with the highest version; any loaded version can open.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager builds a manager from base64 keys indexed by version.
func NewKeyManager(keys map[int]string) (*KeyManager, error) {
	if len(keys) == 0 {
		return nil, ErrKeyNotLoaded
	}
	km := &KeyManager{encryptors: make(map[int]*Encryptor, len(keys))}
	versions := make([]int, 0, len(keys))
	for v := range keys {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	for _, v := range versions {
		if v < 1 {
			return nil, fmt.Errorf("key version %d: versions start at 1", v)
		}
		raw, err := base64.StdEncoding.DecodeString(keys[v])
		if err != nil {
			return nil, fmt.Errorf("decode key v%d: %w", v, err)
		}
		enc, err := NewEncryptor(raw, v)
		if err != nil {
			return nil, fmt.Errorf("create encryptor v%d: %w", v, err)
		}
		km.encryptors[v] = enc
		km.currentVer = v
	}
	return km, nil
}

// Encrypt seals plaintext with the current key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	enc, ok := km.encryptors[km.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// Decrypt opens a sealed value with the key version it names.
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

// ReEncrypt moves a sealed value to the current key version.
func (km *KeyManager) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return km.Encrypt(plaintext)
}

// CurrentVersion returns the version used for new values.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// HasVersion reports whether version is loaded.
func (km *KeyManager) HasVersion(version int) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	_, ok := km.encryptors[version]
	return ok
}

// GenerateKey returns a random base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
