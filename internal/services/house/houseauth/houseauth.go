// Package houseauth signs and verifies house-authenticated HTTP requests.
//
// A request is signed with the house's Kauth over
//
//	{houseId}.{tsMillis}.{METHOD}.{requestURI}.{bodyHash}
//
// where bodyHash is Base64(SHA-256(body)). The server checks the HMAC and
// that the timestamp lies within a bounded window. No nonce table is kept, so
// a captured request can be replayed inside the window.
package houseauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/platform/secret"
)

const (
	HeaderTimestamp = "x-house-ts"
	HeaderAuth      = "x-house-auth"
	HeaderHouseID   = "x-house-id"

	// DefaultWindow bounds |now - ts| for accepted requests.
	DefaultWindow = 5 * time.Minute
)

// KeyResolver returns the Kauth registered for a house. The caller zeroes the
// returned buffer.
type KeyResolver interface {
	HouseAuthKey(ctx context.Context, houseID string) (secret.Bytes, error)
}

// BodyHash returns Base64(SHA-256(body)); an empty body hashes the empty string.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Message builds the canonical string that is signed.
func Message(houseID string, tsMillis int64, method, path, bodyHash string) string {
	return strings.Join([]string{
		houseID,
		strconv.FormatInt(tsMillis, 10),
		strings.ToUpper(method),
		path,
		bodyHash,
	}, ".")
}

// Sign returns Base64(HMAC-SHA256(key, msg)).
func Sign(key []byte, msg string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verifier checks signed requests against registered house keys.
type Verifier struct {
	keys   KeyResolver
	window time.Duration
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithWindow overrides the freshness window.
func WithWindow(window time.Duration) Option {
	return func(v *Verifier) {
		if window > 0 {
			v.window = window
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier builds a verifier over keys.
func NewVerifier(keys KeyResolver, opts ...Option) *Verifier {
	v := &Verifier{keys: keys, window: DefaultWindow, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Window reports the configured freshness window.
func (v *Verifier) Window() time.Duration {
	return v.window
}

// Signed carries the parts of a request that take part in verification.
type Signed struct {
	HouseID   string
	Timestamp string
	Auth      string
	Method    string
	Path      string
	Body      []byte
}

// Verify checks one signed request. Every failure is reported as the same
// UNAUTHORIZED error; the cause is kept for logs only.
func (v *Verifier) Verify(ctx context.Context, req Signed) error {
	if err := v.verify(ctx, req); err != nil {
		return apperrors.Wrap(apperrors.CodeUnauthorized, "house auth failed", err)
	}
	return nil
}

func (v *Verifier) verify(ctx context.Context, req Signed) error {
	if v == nil || v.keys == nil {
		return errors.New("house auth is not configured")
	}
	houseID := strings.TrimSpace(req.HouseID)
	if houseID == "" {
		return errors.New("house id is required")
	}
	if req.Auth == "" || req.Timestamp == "" {
		return errors.New("auth headers are required")
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(req.Timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp: %w", err)
	}
	// Bounds are compared in milliseconds; time.Duration saturates for
	// timestamps centuries away.
	nowMs := v.now().UnixMilli()
	windowMs := v.window.Milliseconds()
	if ts > nowMs+windowMs || ts < nowMs-windowMs {
		return fmt.Errorf("timestamp %d outside window of %s", ts, v.window)
	}
	given, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Auth))
	if err != nil {
		return fmt.Errorf("decode auth: %w", err)
	}

	key, err := v.keys.HouseAuthKey(ctx, houseID)
	if err != nil {
		return fmt.Errorf("load house key: %w", err)
	}
	defer key.Zero()

	msg := Message(houseID, ts, req.Method, req.Path, BodyHash(req.Body))
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(msg))
	if !hmac.Equal(mac.Sum(nil), given) {
		return errors.New("signature mismatch")
	}
	return nil
}
