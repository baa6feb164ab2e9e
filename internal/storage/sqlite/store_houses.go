package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elizatown/town/internal/services/house/registry"
	"github.com/elizatown/town/internal/storage"
)

// PutHouseNonce stores a fresh init nonce.
func (s *Store) PutHouseNonce(ctx context.Context, nonce registry.Nonce) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO house_nonces (nonce, created_at, expires_at) VALUES (?, ?, ?)`,
		nonce.Value, toMillis(nonce.CreatedAt), toMillis(nonce.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("put house nonce: %w", err)
	}
	return nil
}

// PurgeHouseNonces deletes nonces that expired before cutoff.
func (s *Store) PurgeHouseNonces(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM house_nonces WHERE expires_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge house nonces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge house nonces: %w", err)
	}
	return n, nil
}

// RegisterHouse consumes nonce and inserts house atomically.
func (s *Store) RegisterHouse(ctx context.Context, house registry.House, nonce string, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM houses WHERE house_id = ?`, house.ID).Scan(&exists)
		if err == nil {
			return storage.ErrAlreadyExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check house: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM house_nonces WHERE nonce = ? AND expires_at > ?`,
			nonce, toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("consume nonce: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("consume nonce: %w", err)
		} else if n == 0 {
			return storage.ErrNotFound
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO houses (
			   house_id, pub_key, key_mode, unlock_json, wrapped_key, init_nonce,
			   sealed_auth_key, seal_key_id, created_at, updated_at
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			house.ID,
			house.PubKey,
			string(house.KeyMode),
			nullableJSON(house.Unlock),
			house.WrappedKey,
			nonce,
			house.SealedAuthKey,
			house.SealKeyID,
			toMillis(house.CreatedAt),
			toMillis(house.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrAlreadyExists
			}
			return fmt.Errorf("insert house: %w", err)
		}
		return nil
	})
}

// GetHouse returns one house by id.
func (s *Store) GetHouse(ctx context.Context, houseID string) (registry.House, error) {
	if err := s.ready(ctx); err != nil {
		return registry.House{}, err
	}
	var (
		h       registry.House
		keyMode string
		unlock  sql.NullString
		created int64
		updated int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT house_id, pub_key, key_mode, unlock_json, wrapped_key, init_nonce,
		        sealed_auth_key, seal_key_id, created_at, updated_at
		   FROM houses WHERE house_id = ?`,
		houseID,
	).Scan(&h.ID, &h.PubKey, &keyMode, &unlock, &h.WrappedKey, &h.InitNonce,
		&h.SealedAuthKey, &h.SealKeyID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.House{}, storage.ErrNotFound
	}
	if err != nil {
		return registry.House{}, fmt.Errorf("get house: %w", err)
	}
	h.KeyMode = registry.KeyMode(keyMode)
	if unlock.Valid {
		h.Unlock = json.RawMessage(unlock.String)
	}
	h.CreatedAt = fromMillis(created)
	h.UpdatedAt = fromMillis(updated)
	return h, nil
}

// UpdateHouseUnlock replaces a house's unlock descriptor.
func (s *Store) UpdateHouseUnlock(ctx context.Context, houseID string, unlock json.RawMessage, updatedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE houses SET unlock_json = ?, updated_at = ? WHERE house_id = ?`,
		nullableJSON(unlock), toMillis(updatedAt), houseID,
	)
	if err != nil {
		return fmt.Errorf("update house unlock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update house unlock: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

var _ registry.Store = (*Store)(nil)
