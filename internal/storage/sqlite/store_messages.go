package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elizatown/town/internal/services/pony/envelope"
	"github.com/elizatown/town/internal/services/pony/postage"
	"github.com/elizatown/town/internal/services/pony/relay"
	"github.com/elizatown/town/internal/storage"
)

const messageColumns = `message_id, from_house_id, to_house_id, ciphertext_alg, ciphertext_iv,
	ciphertext_ct, transport_json, postage_json, receipt_id, adapter, transport_kind,
	status, created_at, decided_at`

// PutMessage inserts a new message.
func (s *Store) PutMessage(ctx context.Context, msg envelope.Message) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	transport, err := json.Marshal(msg.Transport)
	if err != nil {
		return fmt.Errorf("marshal transport: %w", err)
	}
	postageJSON, err := marshalPostage(msg.Postage)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO pony_messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.FromHouseID,
		msg.ToHouseID,
		msg.Ciphertext.Alg,
		msg.Ciphertext.IV,
		msg.Ciphertext.CT,
		string(transport),
		postageJSON,
		msg.Dispatch.ReceiptID,
		msg.Dispatch.Adapter,
		msg.Dispatch.TransportKind,
		string(msg.Status),
		toMillis(msg.CreatedAt),
		toNullMillis(msg.DecidedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("put message: %w", err)
	}
	return nil
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (envelope.Message, error) {
	if err := s.ready(ctx); err != nil {
		return envelope.Message{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM pony_messages WHERE message_id = ?`, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return envelope.Message{}, storage.ErrNotFound
	}
	if err != nil {
		return envelope.Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// UpdateMessageStatus moves a message from one status to another.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID string, from, to envelope.Status, decidedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE pony_messages SET status = ?, decided_at = ? WHERE message_id = ? AND status = ?`,
		string(to), toNullMillis(decidedAt), messageID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM pony_messages WHERE message_id = ?`, messageID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	return storage.ErrConflict
}

// ListInbox returns messages addressed to a house, newest first.
func (s *Store) ListInbox(ctx context.Context, q relay.InboxQuery) ([]envelope.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := `SELECT ` + messageColumns + ` FROM pony_messages WHERE to_house_id = ?`
	args := []any{q.ToHouseID}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	query += ` ORDER BY created_at DESC, message_id DESC LIMIT ?`
	args = append(args, q.Limit)
	return s.queryMessages(ctx, query, args...)
}

// ListAcceptedMessages returns accepted messages a house sent or received.
func (s *Store) ListAcceptedMessages(ctx context.Context, houseID string) ([]envelope.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM pony_messages
		  WHERE status = ? AND (to_house_id = ? OR from_house_id = ?)
		  ORDER BY created_at`,
		string(envelope.StatusAccepted), houseID, houseID,
	)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]envelope.Message, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []envelope.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (envelope.Message, error) {
	var (
		msg         envelope.Message
		transport   string
		postageJSON sql.NullString
		status      string
		created     int64
		decided     sql.NullInt64
	)
	if err := row.Scan(
		&msg.ID,
		&msg.FromHouseID,
		&msg.ToHouseID,
		&msg.Ciphertext.Alg,
		&msg.Ciphertext.IV,
		&msg.Ciphertext.CT,
		&transport,
		&postageJSON,
		&msg.Dispatch.ReceiptID,
		&msg.Dispatch.Adapter,
		&msg.Dispatch.TransportKind,
		&status,
		&created,
		&decided,
	); err != nil {
		return envelope.Message{}, err
	}
	if err := json.Unmarshal([]byte(transport), &msg.Transport); err != nil {
		return envelope.Message{}, fmt.Errorf("decode transport: %w", err)
	}
	p, err := unmarshalPostage(postageJSON)
	if err != nil {
		return envelope.Message{}, err
	}
	msg.Postage = p
	msg.Status = envelope.Status(status)
	msg.CreatedAt = fromMillis(created)
	msg.DecidedAt = fromNullMillis(decided)
	return msg, nil
}

func marshalPostage(p *postage.Postage) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal postage: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalPostage(value sql.NullString) (*postage.Postage, error) {
	if !value.Valid {
		return nil, nil
	}
	var p postage.Postage
	if err := json.Unmarshal([]byte(value.String), &p); err != nil {
		return nil, fmt.Errorf("decode postage: %w", err)
	}
	return &p, nil
}

// PutAlias binds a new alias.
func (s *Store) PutAlias(ctx context.Context, alias relay.Alias) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO pony_aliases (alias, house_id, created_at) VALUES (?, ?, ?)`,
		alias.Alias, alias.HouseID, toMillis(alias.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("put alias: %w", err)
	}
	return nil
}

// GetAlias returns one alias binding.
func (s *Store) GetAlias(ctx context.Context, alias string) (relay.Alias, error) {
	if err := s.ready(ctx); err != nil {
		return relay.Alias{}, err
	}
	var (
		out     relay.Alias
		created int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT alias, house_id, created_at FROM pony_aliases WHERE alias = ?`, alias,
	).Scan(&out.Alias, &out.HouseID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Alias{}, storage.ErrNotFound
	}
	if err != nil {
		return relay.Alias{}, fmt.Errorf("get alias: %w", err)
	}
	out.CreatedAt = fromMillis(created)
	return out, nil
}

// ListAliases returns the aliases bound to a house.
func (s *Store) ListAliases(ctx context.Context, houseID string) ([]relay.Alias, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT alias, house_id, created_at FROM pony_aliases WHERE house_id = ? ORDER BY alias`, houseID)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	defer rows.Close()
	var out []relay.Alias
	for rows.Next() {
		var (
			a       relay.Alias
			created int64
		)
		if err := rows.Scan(&a.Alias, &a.HouseID, &created); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	return out, nil
}

var _ relay.Store = (*Store)(nil)
