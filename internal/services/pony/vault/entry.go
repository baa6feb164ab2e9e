// Package vault implements each house's append-only, hash-chained encrypted
// log.
//
// Every entry commits to its predecessor: hash = SHA-256(prevHash ‖ canonical
// entry). The first entry chains from GenesisHash. The head is the hash of the
// newest entry and only ever moves forward.
package vault

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/services/pony/envelope"
	"github.com/elizatown/town/internal/services/pony/postage"
)

const (
	// GenesisHash is the prevHash of a house's first entry.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
	// FormatVersion is the v field of the canonical serialization.
	FormatVersion = 1

	maxRefs        = 64
	maxRefLen      = 256
	maxRefMetaSize = 4 << 10
)

// Entry is one stored vault record.
type Entry struct {
	ID         string              `json:"id"`
	HouseID    string              `json:"houseId"`
	Seq        uint64              `json:"seq"`
	CreatedAt  time.Time           `json:"createdAt"`
	Ciphertext envelope.Ciphertext `json:"ciphertext"`
	Refs       []string            `json:"refs"`
	RefsMeta   []json.RawMessage   `json:"refsMeta"`
	Postage    *postage.Postage    `json:"postage,omitempty"`
	PrevHash   string              `json:"prevHash"`
	Hash       string              `json:"hash"`
}

// Head is the tip of a house's chain.
type Head struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// GenesisHead is the head of an empty chain.
func GenesisHead() Head {
	return Head{Hash: GenesisHash}
}

type canonicalEntry struct {
	V          int                 `json:"v"`
	ID         string              `json:"id"`
	HouseID    string              `json:"houseId"`
	Seq        uint64              `json:"seq"`
	CreatedAt  string              `json:"createdAt"`
	Ciphertext envelope.Ciphertext `json:"ciphertext"`
	Refs       []string            `json:"refs"`
	RefsMeta   []json.RawMessage   `json:"refsMeta"`
	Postage    *postage.Postage    `json:"postage"`
}

// Canonical returns the bytes an entry's hash commits to.
func Canonical(e Entry) ([]byte, error) {
	refs := e.Refs
	if refs == nil {
		refs = []string{}
	}
	meta := e.RefsMeta
	if meta == nil {
		meta = []json.RawMessage{}
	}
	data, err := json.Marshal(canonicalEntry{
		V:          FormatVersion,
		ID:         e.ID,
		HouseID:    e.HouseID,
		Seq:        e.Seq,
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
		Ciphertext: e.Ciphertext,
		Refs:       refs,
		RefsMeta:   meta,
		Postage:    e.Postage,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal canonical entry: %w", err)
	}
	return data, nil
}

// ComputeHash chains e onto prevHash.
func ComputeHash(prevHash string, e Entry) (string, error) {
	canonical, err := Canonical(e)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func validateRefs(refs []string) ([]string, error) {
	if len(refs) > maxRefs {
		return nil, apperrors.WithMetadata(apperrors.CodeVaultRefInvalid, "too many refs", map[string]any{
			"max": maxRefs,
		})
	}
	out := make([]string, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if strings.TrimSpace(ref) == "" || len(ref) > maxRefLen {
			return nil, apperrors.New(apperrors.CodeVaultRefInvalid, "refs must be non-empty strings of at most 256 characters")
		}
		if _, dup := seen[ref]; dup {
			return nil, apperrors.WithMetadata(apperrors.CodeVaultRefInvalid, "duplicate ref", map[string]any{
				"ref": ref,
			})
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}

// normalizeRefsMeta checks that every object names a declared ref and
// re-encodes it compactly with sorted keys.
func normalizeRefsMeta(meta []json.RawMessage, refs []string) ([]json.RawMessage, error) {
	if len(meta) > maxRefs {
		return nil, apperrors.WithMetadata(apperrors.CodeVaultRefMetaInvalid, "too many refsMeta entries", map[string]any{
			"max": maxRefs,
		})
	}
	declared := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		declared[ref] = struct{}{}
	}

	out := make([]json.RawMessage, 0, len(meta))
	for i, raw := range meta {
		if len(raw) > maxRefMetaSize {
			return nil, refMetaInvalid(i, "refsMeta entry too large")
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil || obj == nil {
			return nil, refMetaInvalid(i, "refsMeta entries must be objects")
		}
		ref, ok := obj["ref"].(string)
		if !ok || ref == "" {
			return nil, refMetaInvalid(i, "refsMeta entries require a ref")
		}
		if _, ok := declared[ref]; !ok {
			return nil, apperrors.WithMetadata(apperrors.CodeVaultRefMetaRefUnknown, "refsMeta names an undeclared ref", map[string]any{
				"index": i,
				"ref":   ref,
			})
		}
		normalized, err := json.Marshal(obj)
		if err != nil {
			return nil, refMetaInvalid(i, "refsMeta entry is not encodable")
		}
		out = append(out, normalized)
	}
	return out, nil
}

func refMetaInvalid(index int, msg string) error {
	return apperrors.WithMetadata(apperrors.CodeVaultRefMetaInvalid, msg, map[string]any{
		"index": index,
	})
}
