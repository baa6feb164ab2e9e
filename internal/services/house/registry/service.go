// Package registry registers houses and serves their metadata and auth keys.
package registry

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/platform/secret"
	"github.com/elizatown/town/internal/storage"
	"github.com/mr-tron/base58"
)

const (
	// DefaultNonceTTL bounds how long an issued init nonce stays usable.
	DefaultNonceTTL = 10 * time.Minute

	authKeySize = 32
	houseIDSize = 32
	nonceSize   = 32
	maxUnlock   = 16 << 10
)

// Sealer protects auth keys at rest.
type Sealer interface {
	Seal(houseID string, value []byte) (sealed string, keyID string, err error)
	Open(houseID, sealed, keyID string) (secret.Bytes, error)
}

// Service implements nonce issue, init and metadata operations.
type Service struct {
	store    Store
	sealer   Sealer
	now      func() time.Time
	nonceTTL time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithNonceTTL overrides the nonce lifetime.
func WithNonceTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.nonceTTL = ttl
		}
	}
}

// NewService builds a registry over store, sealing auth keys with sealer.
func NewService(store Store, sealer Sealer, opts ...Option) *Service {
	s := &Service{store: store, sealer: sealer, now: time.Now, nonceTTL: DefaultNonceTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueNonce creates a fresh single-use init nonce.
func (s *Service) IssueNonce(ctx context.Context) (Nonce, error) {
	if s == nil || s.store == nil {
		return Nonce{}, fmt.Errorf("house store is not configured")
	}
	raw := make([]byte, nonceSize)
	if _, err := rand.Read(raw); err != nil {
		return Nonce{}, fmt.Errorf("read nonce: %w", err)
	}
	now := s.now().UTC()
	if purged, err := s.store.PurgeHouseNonces(ctx, now); err != nil {
		log.Printf("purge house nonces: %v", err)
	} else if purged > 0 {
		log.Printf("purged expired house nonces count=%d", purged)
	}
	nonce := Nonce{
		Value:     hex.EncodeToString(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(s.nonceTTL),
	}
	if err := s.store.PutHouseNonce(ctx, nonce); err != nil {
		return Nonce{}, fmt.Errorf("put house nonce: %w", err)
	}
	return nonce, nil
}

// InitInput is the body of an init call.
type InitInput struct {
	HouseID      string          `json:"houseId"`
	HousePubKey  string          `json:"housePubKey"`
	Nonce        string          `json:"nonce"`
	KeyMode      KeyMode         `json:"keyMode"`
	Unlock       json.RawMessage `json:"unlock"`
	HouseAuthKey string          `json:"houseAuthKey"`
	WrappedKey   *string         `json:"wrappedKey"`
}

// Init registers a house. The nonce is consumed atomically with the insert
// and only the sealed form of the auth key is stored.
func (s *Service) Init(ctx context.Context, in InitInput) (Meta, error) {
	if s == nil || s.store == nil || s.sealer == nil {
		return Meta{}, fmt.Errorf("house registry is not configured")
	}
	houseID := strings.TrimSpace(in.HouseID)
	if err := ValidateHouseID(houseID); err != nil {
		return Meta{}, err
	}
	pubKey := strings.TrimSpace(in.HousePubKey)
	if pubKey == "" {
		return Meta{}, apperrors.New(apperrors.CodeHousePubKeyRequired, "housePubKey is required")
	}
	wrapped := ""
	if in.WrappedKey != nil {
		wrapped = strings.TrimSpace(*in.WrappedKey)
	}
	switch in.KeyMode {
	case KeyModeCeremony:
		if wrapped != "" {
			return Meta{}, apperrors.New(apperrors.CodeHouseWrappedKeyForbidden, "ceremony houses do not store a wrapped key")
		}
	case KeyModeWalletWrapped:
		if wrapped == "" {
			return Meta{}, apperrors.New(apperrors.CodeHouseWrappedKeyRequired, "wallet-wrapped houses require wrappedKey")
		}
	default:
		return Meta{}, apperrors.New(apperrors.CodeHouseKeyModeInvalid, "keyMode must be ceremony or wallet-wrapped")
	}
	unlock, err := normalizeUnlock(in.Unlock)
	if err != nil {
		return Meta{}, err
	}
	authKey, err := decodeAuthKey(in.HouseAuthKey)
	if err != nil {
		return Meta{}, err
	}
	defer authKey.Zero()
	nonce := strings.TrimSpace(in.Nonce)
	if nonce == "" {
		return Meta{}, apperrors.New(apperrors.CodeNonceInvalid, "nonce is required")
	}

	sealed, keyID, err := s.sealer.Seal(houseID, authKey)
	if err != nil {
		return Meta{}, fmt.Errorf("seal house auth key: %w", err)
	}
	now := s.now().UTC()
	house := House{
		ID:            houseID,
		PubKey:        pubKey,
		KeyMode:       in.KeyMode,
		Unlock:        unlock,
		WrappedKey:    wrapped,
		InitNonce:     nonce,
		SealedAuthKey: sealed,
		SealKeyID:     keyID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = s.store.RegisterHouse(ctx, house, nonce, now)
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		return Meta{}, apperrors.New(apperrors.CodeHouseAlreadyRegistered, "house is already registered")
	case errors.Is(err, storage.ErrNotFound):
		return Meta{}, apperrors.New(apperrors.CodeNonceInvalid, "nonce is unknown, used or expired")
	case err != nil:
		return Meta{}, fmt.Errorf("register house: %w", err)
	}
	log.Printf("house registered house_id=%s key_mode=%s", houseID, in.KeyMode)
	return house.meta(), nil
}

// Meta returns the public metadata of a house.
func (s *Service) Meta(ctx context.Context, houseID string) (Meta, error) {
	house, err := s.house(ctx, houseID)
	if err != nil {
		return Meta{}, err
	}
	return house.meta(), nil
}

// UpdateUnlock replaces a house's unlock descriptor.
func (s *Service) UpdateUnlock(ctx context.Context, houseID string, unlock json.RawMessage) (Meta, error) {
	if _, err := s.house(ctx, houseID); err != nil {
		return Meta{}, err
	}
	normalized, err := normalizeUnlock(unlock)
	if err != nil {
		return Meta{}, err
	}
	if err := s.store.UpdateHouseUnlock(ctx, houseID, normalized, s.now().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Meta{}, apperrors.New(apperrors.CodeHouseNotFound, "house not found")
		}
		return Meta{}, fmt.Errorf("update house unlock: %w", err)
	}
	return s.Meta(ctx, houseID)
}

// HouseAuthKey opens the stored Kauth for houseID.
func (s *Service) HouseAuthKey(ctx context.Context, houseID string) (secret.Bytes, error) {
	house, err := s.house(ctx, houseID)
	if err != nil {
		return nil, err
	}
	if s.sealer == nil {
		return nil, fmt.Errorf("house key sealer is not configured")
	}
	key, err := s.sealer.Open(house.ID, house.SealedAuthKey, house.SealKeyID)
	if err != nil {
		return nil, fmt.Errorf("open house auth key: %w", err)
	}
	return key, nil
}

// HouseExists reports whether houseID is a registered canonical id.
func (s *Service) HouseExists(ctx context.Context, houseID string) (bool, error) {
	_, err := s.house(ctx, houseID)
	if apperrors.HasCode(err, apperrors.CodeHouseNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) house(ctx context.Context, houseID string) (House, error) {
	if s == nil || s.store == nil {
		return House{}, fmt.Errorf("house store is not configured")
	}
	houseID = strings.TrimSpace(houseID)
	if houseID == "" {
		return House{}, apperrors.New(apperrors.CodeHouseNotFound, "house not found")
	}
	house, err := s.store.GetHouse(ctx, houseID)
	if errors.Is(err, storage.ErrNotFound) {
		return House{}, apperrors.New(apperrors.CodeHouseNotFound, "house not found")
	}
	if err != nil {
		return House{}, fmt.Errorf("get house: %w", err)
	}
	return house, nil
}

// ValidateHouseID checks that id is Base58 for a 32-byte digest.
func ValidateHouseID(id string) error {
	if id == "" {
		return apperrors.New(apperrors.CodeHouseIDInvalid, "houseId is required")
	}
	decoded, err := base58.Decode(id)
	if err != nil || len(decoded) != houseIDSize {
		return apperrors.New(apperrors.CodeHouseIDInvalid, "houseId must be base58 of 32 bytes")
	}
	return nil
}

func decodeAuthKey(value string) (secret.Bytes, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil || len(raw) != authKeySize {
		return nil, apperrors.New(apperrors.CodeHouseAuthKeyInvalid, "houseAuthKey must be base64 of 32 bytes")
	}
	return secret.Bytes(raw), nil
}

func normalizeUnlock(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if len(trimmed) > maxUnlock {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "unlock descriptor is too large")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidRequest, "unlock must be a JSON object", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidRequest, "compact unlock", err)
	}
	return compact.Bytes(), nil
}
