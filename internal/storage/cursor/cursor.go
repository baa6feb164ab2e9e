// Package cursor provides opaque pagination token encoding/decoding.
package cursor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Cursor is the state carried by a forward pagination token.
type Cursor struct {
	// AfterSeq resumes a listing after this sequence number.
	AfterSeq uint64 `json:"after"`
	// ScopeHash ties the token to the listing it was issued for.
	ScopeHash string `json:"scope,omitempty"`
}

// Encode encodes a cursor to an opaque base64 string.
func Encode(c Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode decodes an opaque token to a cursor.
func Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, fmt.Errorf("empty token")
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode base64: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return c, nil
}

// HashScope computes a short hash of a listing scope such as a house id.
// Returns empty string for an empty scope.
func HashScope(scope string) string {
	if scope == "" {
		return ""
	}
	h := sha256.Sum256([]byte(scope))
	return hex.EncodeToString(h[:8])
}

// ForScope decodes token and checks that it was issued for scope. An empty
// token yields the zero cursor.
func ForScope(token, scope string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	c, err := Decode(token)
	if err != nil {
		return Cursor{}, err
	}
	if c.ScopeHash != HashScope(scope) {
		return Cursor{}, fmt.Errorf("cursor was issued for another listing")
	}
	return c, nil
}
