package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elizatown/town/internal/services/pony/vault"
	"github.com/elizatown/town/internal/storage"
)

// GetVaultHead returns the tip of a house's chain.
func (s *Store) GetVaultHead(ctx context.Context, houseID string) (vault.Head, error) {
	if err := s.ready(ctx); err != nil {
		return vault.Head{}, err
	}
	var head vault.Head
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT seq, hash FROM vault_heads WHERE house_id = ?`, houseID,
	).Scan(&head.Seq, &head.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.Head{}, storage.ErrNotFound
	}
	if err != nil {
		return vault.Head{}, fmt.Errorf("get vault head: %w", err)
	}
	return head, nil
}

// AppendVaultEntry advances the head from (Seq-1, PrevHash) to the entry and
// stores it in one transaction.
func (s *Store) AppendVaultEntry(ctx context.Context, e vault.Entry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if e.Seq == 0 {
		return fmt.Errorf("vault entry seq must be positive")
	}
	ciphertext, err := json.Marshal(e.Ciphertext)
	if err != nil {
		return fmt.Errorf("marshal ciphertext: %w", err)
	}
	refs, err := json.Marshal(nonNil(e.Refs))
	if err != nil {
		return fmt.Errorf("marshal refs: %w", err)
	}
	meta := e.RefsMeta
	if meta == nil {
		meta = []json.RawMessage{}
	}
	refsMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal refs meta: %w", err)
	}
	postageJSON, err := marshalPostage(e.Postage)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if e.Seq == 1 {
			if e.PrevHash != vault.GenesisHash {
				return storage.ErrConflict
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO vault_heads (house_id, seq, hash) VALUES (?, 1, ?)`,
				e.HouseID, e.Hash,
			)
			if isUniqueViolation(err) {
				return storage.ErrConflict
			}
			if err != nil {
				return fmt.Errorf("create vault head: %w", err)
			}
		} else {
			res, err := tx.ExecContext(ctx,
				`UPDATE vault_heads SET seq = ?, hash = ?
				  WHERE house_id = ? AND seq = ? AND hash = ?`,
				e.Seq, e.Hash, e.HouseID, e.Seq-1, e.PrevHash,
			)
			if err != nil {
				return fmt.Errorf("advance vault head: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("advance vault head: %w", err)
			}
			if n == 0 {
				return storage.ErrConflict
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO vault_entries (
			   house_id, seq, entry_id, created_at, ciphertext_json, refs_json,
			   refs_meta_json, postage_json, prev_hash, hash
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.HouseID,
			e.Seq,
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
			string(ciphertext),
			string(refs),
			string(refsMeta),
			postageJSON,
			e.PrevHash,
			e.Hash,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrConflict
			}
			return fmt.Errorf("insert vault entry: %w", err)
		}
		return nil
	})
}

// ListVaultEntries returns entries after afterSeq, oldest first.
func (s *Store) ListVaultEntries(ctx context.Context, houseID string, afterSeq uint64, limit int) ([]vault.Entry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT house_id, seq, entry_id, created_at, ciphertext_json, refs_json,
		        refs_meta_json, postage_json, prev_hash, hash
		   FROM vault_entries
		  WHERE house_id = ? AND seq > ?
		  ORDER BY seq
		  LIMIT ?`,
		houseID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list vault entries: %w", err)
	}
	defer rows.Close()

	var out []vault.Entry
	for rows.Next() {
		var (
			e                             vault.Entry
			created, ciphertext, refs, rm string
			postageJSON                   sql.NullString
		)
		if err := rows.Scan(&e.HouseID, &e.Seq, &e.ID, &created, &ciphertext, &refs, &rm,
			&postageJSON, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan vault entry: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("decode vault created_at: %w", err)
		}
		if err := json.Unmarshal([]byte(ciphertext), &e.Ciphertext); err != nil {
			return nil, fmt.Errorf("decode vault ciphertext: %w", err)
		}
		if err := json.Unmarshal([]byte(refs), &e.Refs); err != nil {
			return nil, fmt.Errorf("decode vault refs: %w", err)
		}
		if err := json.Unmarshal([]byte(rm), &e.RefsMeta); err != nil {
			return nil, fmt.Errorf("decode vault refs meta: %w", err)
		}
		if e.Postage, err = unmarshalPostage(postageJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list vault entries: %w", err)
	}
	return out, nil
}

var _ vault.Store = (*Store)(nil)
