package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elizatown/town/internal/services/pony/dispatch"
	"github.com/elizatown/town/internal/storage"
)

// PutDispatchReceipt stores an immutable dispatch receipt.
func (s *Store) PutDispatchReceipt(ctx context.Context, r dispatch.Receipt) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO dispatch_receipts (receipt_id, to_house_id, message_id, adapter, transport_kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ToHouseID, r.MessageID, r.Adapter, r.TransportKind, toMillis(r.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("put dispatch receipt: %w", err)
	}
	return nil
}

// GetDispatchReceipt returns one receipt by id.
func (s *Store) GetDispatchReceipt(ctx context.Context, receiptID string) (dispatch.Receipt, error) {
	if err := s.ready(ctx); err != nil {
		return dispatch.Receipt{}, err
	}
	var (
		r       dispatch.Receipt
		created int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT receipt_id, to_house_id, message_id, adapter, transport_kind, created_at
		   FROM dispatch_receipts WHERE receipt_id = ?`,
		receiptID,
	).Scan(&r.ID, &r.ToHouseID, &r.MessageID, &r.Adapter, &r.TransportKind, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return dispatch.Receipt{}, storage.ErrNotFound
	}
	if err != nil {
		return dispatch.Receipt{}, fmt.Errorf("get dispatch receipt: %w", err)
	}
	r.CreatedAt = fromMillis(created)
	return r, nil
}

var _ dispatch.Store = (*Store)(nil)
