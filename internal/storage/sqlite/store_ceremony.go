package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elizatown/town/internal/services/house/ceremony"
	"github.com/elizatown/town/internal/storage"
)

// GetCeremonySession returns one session with its participants.
func (s *Store) GetCeremonySession(ctx context.Context, id string) (ceremony.Session, error) {
	if err := s.ready(ctx); err != nil {
		return ceremony.Session{}, err
	}
	var (
		session                     ceremony.Session
		mode                        string
		aborted                     int
		created, updated, expiresAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT session_id, mode, aborted, created_at, updated_at, expires_at
		   FROM ceremony_sessions WHERE session_id = ?`,
		id,
	).Scan(&session.ID, &mode, &aborted, &created, &updated, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ceremony.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return ceremony.Session{}, fmt.Errorf("get ceremony session: %w", err)
	}
	session.Mode = ceremony.Mode(mode)
	session.Aborted = aborted != 0
	session.CreatedAt = fromMillis(created)
	session.UpdatedAt = fromMillis(updated)
	session.ExpiresAt = fromMillis(expiresAt)

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT participant, commit_hash, reveal, committed_at, revealed_at
		   FROM ceremony_participants WHERE session_id = ?
		  ORDER BY committed_at, participant`,
		id,
	)
	if err != nil {
		return ceremony.Session{}, fmt.Errorf("list ceremony participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			entry       ceremony.Entry
			participant string
			committed   int64
			revealed    sql.NullInt64
		)
		if err := rows.Scan(&participant, &entry.Commit, &entry.Reveal, &committed, &revealed); err != nil {
			return ceremony.Session{}, fmt.Errorf("scan ceremony participant: %w", err)
		}
		entry.Participant = ceremony.Participant(participant)
		entry.CommittedAt = fromMillis(committed)
		entry.RevealedAt = fromNullMillis(revealed)
		session.Entries = append(session.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return ceremony.Session{}, fmt.Errorf("list ceremony participants: %w", err)
	}
	return session, nil
}

// PutCeremonySession upserts a session and replaces its participants.
func (s *Store) PutCeremonySession(ctx context.Context, session ceremony.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ceremony_sessions (session_id, mode, aborted, created_at, updated_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (session_id) DO UPDATE SET
			   mode = excluded.mode,
			   aborted = excluded.aborted,
			   created_at = excluded.created_at,
			   updated_at = excluded.updated_at,
			   expires_at = excluded.expires_at`,
			session.ID,
			string(session.Mode),
			boolToInt(session.Aborted),
			toMillis(session.CreatedAt),
			toMillis(session.UpdatedAt),
			toMillis(session.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("put ceremony session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ceremony_participants WHERE session_id = ?`, session.ID); err != nil {
			return fmt.Errorf("clear ceremony participants: %w", err)
		}
		for _, entry := range session.Entries {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO ceremony_participants
				   (session_id, participant, commit_hash, reveal, committed_at, revealed_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				session.ID,
				string(entry.Participant),
				entry.Commit,
				entry.Reveal,
				toMillis(entry.CommittedAt),
				toNullMillis(entry.RevealedAt),
			)
			if err != nil {
				return fmt.Errorf("put ceremony participant: %w", err)
			}
		}
		return nil
	})
}

var _ ceremony.Store = (*Store)(nil)
