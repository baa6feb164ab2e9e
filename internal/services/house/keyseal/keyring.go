// Package keyseal seals house auth keys at rest.
//
// Each sealing root key in the keyring is expanded with HKDF into one AES-256
// key per house; values are sealed with AES-GCM using the house id as
// additional data, so a sealed key copied onto another house row fails to open.
// Rotating the active key id only affects new seals.
package keyseal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/elizatown/town/internal/platform/secret"
)

// MinRootKeySize is the minimum decoded length of a sealing root key.
const MinRootKeySize = 32

// Keyring stores sealing root keys and the active key id.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewKeyring constructs a keyring for sealing and opening house keys.
func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("sealing keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active sealing key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active sealing key id is not configured")
	}
	for id, key := range keys {
		if len(key) < MinRootKeySize {
			return nil, fmt.Errorf("sealing key %q must be at least %d bytes", id, MinRootKeySize)
		}
	}
	return &Keyring{keys: keys, activeKeyID: activeKeyID}, nil
}

// ActiveKeyID returns the key id used for new seals.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeKeyID
}

// Seal encrypts value for houseID with the active key. It returns the sealed
// payload (raw base64 of nonce || ciphertext) and the key id used.
func (k *Keyring) Seal(houseID string, value []byte) (string, string, error) {
	if k == nil {
		return "", "", fmt.Errorf("sealing keyring is not configured")
	}
	aead, err := k.aead(k.activeKeyID, houseID)
	if err != nil {
		return "", "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("read nonce: %w", err)
	}
	payload := aead.Seal(nonce, nonce, value, []byte(houseID))
	return base64.RawStdEncoding.EncodeToString(payload), k.activeKeyID, nil
}

// Open decrypts a value sealed for houseID under keyID.
func (k *Keyring) Open(houseID, sealed, keyID string) (secret.Bytes, error) {
	if k == nil {
		return nil, fmt.Errorf("sealing keyring is not configured")
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return nil, fmt.Errorf("sealing key id is required")
	}
	aead, err := k.aead(keyID, houseID)
	if err != nil {
		return nil, err
	}
	payload, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed value: %w", err)
	}
	nonceSize := aead.NonceSize()
	if len(payload) < nonceSize {
		return nil, fmt.Errorf("sealed value is too short")
	}
	plaintext, err := aead.Open(nil, payload[:nonceSize], payload[nonceSize:], []byte(houseID))
	if err != nil {
		return nil, fmt.Errorf("decrypt sealed value: %w", err)
	}
	return secret.Bytes(plaintext), nil
}

func (k *Keyring) aead(keyID, houseID string) (cipher.AEAD, error) {
	rootKey, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("sealing key id is unknown")
	}
	houseID = strings.TrimSpace(houseID)
	if houseID == "" {
		return nil, fmt.Errorf("house id is required")
	}
	key, err := hkdf.Key(sha256.New, rootKey, nil, "house:"+houseID, 32)
	if err != nil {
		return nil, fmt.Errorf("derive house sealing key: %w", err)
	}
	defer secret.Bytes(key).Zero()
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// ParseKeyring builds a keyring from a "id=hex,id=hex" list or, when list is
// empty, a single hex key registered under keyID.
func ParseKeyring(list, single, keyID string) (*Keyring, error) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		keyID = DefaultKeyID
	}
	list = strings.TrimSpace(list)
	if list == "" {
		raw := strings.TrimSpace(single)
		if raw == "" {
			return nil, fmt.Errorf("%s is required", EnvKey)
		}
		key, err := decodeRootKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvKey, err)
		}
		return NewKeyring(map[string][]byte{keyID: key}, keyID)
	}

	keys := make(map[string][]byte)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		value = strings.TrimSpace(value)
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("invalid %s entry", EnvKeys)
		}
		key, err := decodeRootKey(value)
		if err != nil {
			return nil, fmt.Errorf("%s entry %q: %w", EnvKeys, id, err)
		}
		keys[id] = key
	}
	return NewKeyring(keys, keyID)
}

func decodeRootKey(value string) ([]byte, error) {
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("sealing key must be hex: %w", err)
	}
	return key, nil
}
