package ceremony

import (
	"crypto/hkdf"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/elizatown/town/internal/platform/secret"
	"github.com/mr-tron/base58"
)

const (
	// RevealSize is the length of one participant's reveal in bytes.
	RevealSize = 32
	// KeySize is the length of Kauth and Kenc in bytes.
	KeySize = 32

	authInfo = "elizatown-house-auth-v1"
	encInfo  = "elizatown-house-enc-v1"
)

// Keys is the key material a party derives once a ceremony completes.
type Keys struct {
	HouseID string
	Auth    secret.Bytes
	Enc     secret.Bytes
}

// Zero wipes Auth and Enc.
func (k *Keys) Zero() {
	if k == nil {
		return
	}
	k.Auth.Zero()
	k.Enc.Zero()
}

// CommitFor returns the lowercase hex SHA-256 of reveal.
func CommitFor(reveal []byte) string {
	sum := sha256.Sum256(reveal)
	return hex.EncodeToString(sum[:])
}

// DeriveRootSolo computes K_root = SHA-256(reveal).
func DeriveRootSolo(reveal []byte) (secret.Bytes, error) {
	if len(reveal) != RevealSize {
		return nil, fmt.Errorf("reveal must be %d bytes", RevealSize)
	}
	sum := sha256.Sum256(reveal)
	return secret.Clone(sum[:]), nil
}

// DeriveRootCoop computes K_root = SHA-256(human || agent).
func DeriveRootCoop(human, agent []byte) (secret.Bytes, error) {
	if len(human) != RevealSize || len(agent) != RevealSize {
		return nil, fmt.Errorf("reveals must be %d bytes", RevealSize)
	}
	h := sha256.New()
	h.Write(human)
	h.Write(agent)
	return secret.Clone(h.Sum(nil)), nil
}

// HouseIDFromRoot computes Base58(SHA-256(SHA-256(root))).
func HouseIDFromRoot(root []byte) string {
	first := sha256.Sum256(root)
	second := sha256.Sum256(first[:])
	return base58.Encode(second[:])
}

// DeriveKeys expands root into the house id, Kauth and Kenc. The caller owns
// root and remains responsible for zeroing it.
func DeriveKeys(root []byte) (Keys, error) {
	if len(root) != sha256.Size {
		return Keys{}, fmt.Errorf("root key must be %d bytes", sha256.Size)
	}
	auth, err := hkdf.Key(sha256.New, root, nil, authInfo, KeySize)
	if err != nil {
		return Keys{}, fmt.Errorf("derive auth key: %w", err)
	}
	enc, err := hkdf.Key(sha256.New, root, nil, encInfo, KeySize)
	if err != nil {
		secret.Bytes(auth).Zero()
		return Keys{}, fmt.Errorf("derive enc key: %w", err)
	}
	return Keys{
		HouseID: HouseIDFromRoot(root),
		Auth:    secret.Bytes(auth),
		Enc:     secret.Bytes(enc),
	}, nil
}

// DeriveFromReveals derives keys for a completed session. Solo sessions take
// one reveal; co-op sessions take the human reveal followed by the agent's.
func DeriveFromReveals(reveals ...[]byte) (Keys, error) {
	var (
		root secret.Bytes
		err  error
	)
	switch len(reveals) {
	case 1:
		root, err = DeriveRootSolo(reveals[0])
	case 2:
		root, err = DeriveRootCoop(reveals[0], reveals[1])
	default:
		return Keys{}, fmt.Errorf("expected one or two reveals, got %d", len(reveals))
	}
	if err != nil {
		return Keys{}, err
	}
	defer root.Zero()
	return DeriveKeys(root)
}
