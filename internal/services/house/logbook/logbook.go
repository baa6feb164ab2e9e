// Package logbook keeps a small, capacity-limited log of encrypted notes per
// house. A full log rejects appends; nothing is evicted.
package logbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/platform/id"
)

// DefaultMaxEntries is the per-house capacity.
const DefaultMaxEntries = 200

const (
	maxAuthorLen     = 128
	maxCiphertextLen = 64 << 10
)

// ErrFull is returned by stores when an append would exceed capacity.
var ErrFull = errors.New("log is full")

// Entry is one note in a house log.
type Entry struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	Author     string    `json:"author"`
	Ciphertext string    `json:"ciphertext"`
}

// Store persists house logs. AppendLogEntry must check capacity and write in
// one transaction, returning ErrFull when the log already holds max entries.
type Store interface {
	AppendLogEntry(ctx context.Context, houseID string, entry Entry, max int) error
	ListLogEntries(ctx context.Context, houseID string) ([]Entry, error)
}

// Service validates and records log entries.
type Service struct {
	store Store
	max   int
	now   func() time.Time
	newID id.Generator
}

// Option configures a Service.
type Option func(*Service)

// WithMaxEntries overrides the capacity.
func WithMaxEntries(max int) Option {
	return func(s *Service) {
		if max > 0 {
			s.max = max
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a log service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, max: DefaultMaxEntries, now: time.Now, newID: id.Prefixed("log")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capacity reports the per-house entry limit.
func (s *Service) Capacity() int {
	return s.max
}

// Append adds one entry to houseID's log.
func (s *Service) Append(ctx context.Context, houseID, author, ciphertext string) (Entry, error) {
	if s == nil || s.store == nil {
		return Entry{}, fmt.Errorf("log store is not configured")
	}
	author = strings.TrimSpace(author)
	if author == "" || utf8.RuneCountInString(author) > maxAuthorLen {
		return Entry{}, apperrors.New(apperrors.CodeLogEntryInvalid, "author must be 1-128 characters")
	}
	if strings.TrimSpace(ciphertext) == "" || len(ciphertext) > maxCiphertextLen {
		return Entry{}, apperrors.New(apperrors.CodeLogEntryInvalid, "ciphertext is required and bounded")
	}
	entryID, err := s.newID()
	if err != nil {
		return Entry{}, fmt.Errorf("generate log entry id: %w", err)
	}
	entry := Entry{
		ID:         entryID,
		CreatedAt:  s.now().UTC(),
		Author:     author,
		Ciphertext: ciphertext,
	}
	if err := s.store.AppendLogEntry(ctx, houseID, entry, s.max); err != nil {
		if errors.Is(err, ErrFull) {
			return Entry{}, apperrors.WithMetadata(apperrors.CodeLogFull, "log is full", map[string]any{
				"maxEntries": s.max,
			})
		}
		return Entry{}, fmt.Errorf("append log entry: %w", err)
	}
	return entry, nil
}

// List returns houseID's entries in append order.
func (s *Service) List(ctx context.Context, houseID string) ([]Entry, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("log store is not configured")
	}
	entries, err := s.store.ListLogEntries(ctx, houseID)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	return entries, nil
}
