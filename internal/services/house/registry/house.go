package registry

import (
	"context"
	"encoding/json"
	"time"
)

// KeyMode says how a house's root key is recoverable.
type KeyMode string

const (
	// KeyModeCeremony houses keep no server-side wrapped key.
	KeyModeCeremony KeyMode = "ceremony"
	// KeyModeWalletWrapped houses store a wallet-wrapped K_root for human recovery.
	KeyModeWalletWrapped KeyMode = "wallet-wrapped"
)

// House is the registration record kept for one house.
type House struct {
	ID            string
	PubKey        string
	KeyMode       KeyMode
	Unlock        json.RawMessage
	WrappedKey    string
	InitNonce     string
	SealedAuthKey string
	SealKeyID     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Nonce is a single-use freshness token bound into one init call.
type Nonce struct {
	Value     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store persists houses and init nonces.
type Store interface {
	PutHouseNonce(ctx context.Context, nonce Nonce) error
	// PurgeHouseNonces drops nonces that expired before cutoff.
	PurgeHouseNonces(ctx context.Context, cutoff time.Time) (int64, error)
	// RegisterHouse consumes nonce and inserts house in one transaction. It
	// returns storage.ErrAlreadyExists when the house is known and
	// storage.ErrNotFound when the nonce is unknown, used or expired at now.
	RegisterHouse(ctx context.Context, house House, nonce string, now time.Time) error
	GetHouse(ctx context.Context, houseID string) (House, error)
	UpdateHouseUnlock(ctx context.Context, houseID string, unlock json.RawMessage, updatedAt time.Time) error
}

// Meta is the public view of a house.
type Meta struct {
	HouseID    string          `json:"houseId"`
	PubKey     string          `json:"housePubKey"`
	Nonce      string          `json:"nonce"`
	KeyMode    KeyMode         `json:"keyMode"`
	Unlock     json.RawMessage `json:"unlock"`
	WrappedKey *string         `json:"wrappedKey"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func (h House) meta() Meta {
	m := Meta{
		HouseID:   h.ID,
		PubKey:    h.PubKey,
		Nonce:     h.InitNonce,
		KeyMode:   h.KeyMode,
		Unlock:    h.Unlock,
		CreatedAt: h.CreatedAt,
		UpdatedAt: h.UpdatedAt,
	}
	if len(m.Unlock) == 0 {
		m.Unlock = json.RawMessage("null")
	}
	if h.WrappedKey != "" {
		wrapped := h.WrappedKey
		m.WrappedKey = &wrapped
	}
	return m
}
