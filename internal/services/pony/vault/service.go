package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/platform/id"
	"github.com/elizatown/town/internal/platform/keylock"
	townotel "github.com/elizatown/town/internal/platform/otel"
	"github.com/elizatown/town/internal/services/pony/envelope"
	"github.com/elizatown/town/internal/services/pony/postage"
	"github.com/elizatown/town/internal/storage"
	"github.com/elizatown/town/internal/storage/cursor"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultListLimit applies when a listing sets no limit.
	DefaultListLimit = 50
	// MaxListLimit caps one listing page.
	MaxListLimit = 500
)

// PostageVerifier checks optional postage on appends.
type PostageVerifier interface {
	Verify(ctx context.Context, p *postage.Postage, c postage.Context) error
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides entry id generation.
func WithIDGenerator(gen id.Generator) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// Service appends to and reads vault chains.
type Service struct {
	store   Store
	postage PostageVerifier
	locks   *keylock.Registry
	now     func() time.Time
	newID   id.Generator
}

// NewService builds a vault over store. verifier checks postage when an
// append carries any.
func NewService(store Store, verifier PostageVerifier, opts ...Option) *Service {
	s := &Service{
		store:   store,
		postage: verifier,
		locks:   keylock.New(),
		now:     time.Now,
		newID:   id.Prefixed("vlt"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendInput is one append request for an authenticated house.
type AppendInput struct {
	HouseID    string
	Ciphertext envelope.Ciphertext
	Refs       []string
	RefsMeta   []json.RawMessage
	Postage    *postage.Postage
}

// Append validates in, chains it onto the house's head and stores it.
func (s *Service) Append(ctx context.Context, in AppendInput) (Entry, error) {
	ctx, span := townotel.Tracer("town/vault").Start(ctx, "vault.append")
	defer span.End()
	span.SetAttributes(
		attribute.Int("vault.refs", len(in.Refs)),
		attribute.String("vault.postage_kind", postage.KindOf(in.Postage)),
	)

	entry, err := s.append(ctx, in)
	if err != nil {
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
		return Entry{}, err
	}
	span.SetAttributes(attribute.Int64("vault.seq", int64(entry.Seq)))
	return entry, nil
}

func (s *Service) append(ctx context.Context, in AppendInput) (Entry, error) {
	if s.store == nil {
		return Entry{}, fmt.Errorf("vault store is not configured")
	}
	if in.HouseID == "" {
		return Entry{}, apperrors.New(apperrors.CodeInvalidRequest, "houseId is required")
	}
	if err := in.Ciphertext.Validate(); err != nil {
		return Entry{}, apperrors.Wrap(apperrors.CodeVaultCiphertextRequired, "ciphertext {alg, iv, ct} is required", err)
	}
	refs, err := validateRefs(in.Refs)
	if err != nil {
		return Entry{}, err
	}
	meta, err := normalizeRefsMeta(in.RefsMeta, refs)
	if err != nil {
		return Entry{}, err
	}
	if in.Postage != nil {
		if s.postage == nil {
			return Entry{}, fmt.Errorf("postage verifier is not configured")
		}
		if err := s.postage.Verify(ctx, in.Postage, postage.Context{
			FromHouseID: in.HouseID,
			ToHouseID:   in.HouseID,
		}); err != nil {
			return Entry{}, err
		}
	}

	entryID, err := s.newID()
	if err != nil {
		return Entry{}, fmt.Errorf("generate entry id: %w", err)
	}

	unlock := s.locks.Lock(in.HouseID)
	defer unlock()

	head, err := s.Head(ctx, in.HouseID)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		ID:         entryID,
		HouseID:    in.HouseID,
		Seq:        head.Seq + 1,
		CreatedAt:  s.now().UTC(),
		Ciphertext: in.Ciphertext,
		Refs:       refs,
		RefsMeta:   meta,
		Postage:    in.Postage,
		PrevHash:   head.Hash,
	}
	entry.Hash, err = ComputeHash(entry.PrevHash, entry)
	if err != nil {
		return Entry{}, err
	}

	if err := s.store.AppendVaultEntry(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Entry{}, apperrors.WithMetadata(apperrors.CodeVaultChainConflict, "vault head moved during append", map[string]any{
				"expectedHead": head.Hash,
			})
		}
		return Entry{}, fmt.Errorf("append vault entry: %w", err)
	}
	log.Printf("vault: house=%s seq=%d hash=%s", entry.HouseID, entry.Seq, entry.Hash)
	return entry, nil
}

// Head returns the tip of houseID's chain, or GenesisHead when empty.
func (s *Service) Head(ctx context.Context, houseID string) (Head, error) {
	if s.store == nil {
		return Head{}, fmt.Errorf("vault store is not configured")
	}
	head, err := s.store.GetVaultHead(ctx, houseID)
	if errors.Is(err, storage.ErrNotFound) {
		return GenesisHead(), nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("get vault head: %w", err)
	}
	return head, nil
}

// Page is one listing page, oldest entry first.
type Page struct {
	Entries    []Entry `json:"entries"`
	Head       string  `json:"head"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// List returns up to limit entries after the position encoded in token.
func (s *Service) List(ctx context.Context, houseID string, limit int, token string) (Page, error) {
	if s.store == nil {
		return Page{}, fmt.Errorf("vault store is not configured")
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	pos, err := cursor.ForScope(token, houseID)
	if err != nil {
		return Page{}, apperrors.Wrap(apperrors.CodeInvalidRequest, "invalid cursor", err)
	}

	head, err := s.Head(ctx, houseID)
	if err != nil {
		return Page{}, err
	}
	entries, err := s.store.ListVaultEntries(ctx, houseID, pos.AfterSeq, limit)
	if err != nil {
		return Page{}, fmt.Errorf("list vault entries: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}

	page := Page{Entries: entries, Head: head.Hash}
	if n := len(entries); n == limit && entries[n-1].Seq < head.Seq {
		page.NextCursor, err = cursor.Encode(cursor.Cursor{
			AfterSeq:  entries[n-1].Seq,
			ScopeHash: cursor.HashScope(houseID),
		})
		if err != nil {
			return Page{}, err
		}
	}
	return page, nil
}

// VerifyChain recomputes every hash in houseID's chain and checks the links
// and the stored head.
func (s *Service) VerifyChain(ctx context.Context, houseID string) (Head, error) {
	head, err := s.Head(ctx, houseID)
	if err != nil {
		return Head{}, err
	}

	prev := GenesisHead()
	for {
		entries, err := s.store.ListVaultEntries(ctx, houseID, prev.Seq, MaxListLimit)
		if err != nil {
			return Head{}, fmt.Errorf("list vault entries: %w", err)
		}
		for _, e := range entries {
			if e.Seq != prev.Seq+1 || e.PrevHash != prev.Hash {
				return Head{}, chainBroken(houseID, e.Seq, "entry does not link to its predecessor")
			}
			want, err := ComputeHash(e.PrevHash, e)
			if err != nil {
				return Head{}, err
			}
			if want != e.Hash {
				return Head{}, chainBroken(houseID, e.Seq, "entry hash does not match its contents")
			}
			prev = Head{Seq: e.Seq, Hash: e.Hash}
		}
		if len(entries) < MaxListLimit {
			break
		}
	}
	if prev != head {
		return Head{}, chainBroken(houseID, head.Seq, "head does not match the last entry")
	}
	return head, nil
}

func chainBroken(houseID string, seq uint64, msg string) error {
	log.Printf("vault: chain broken house=%s seq=%d: %s", houseID, seq, msg)
	return apperrors.WithMetadata(apperrors.CodeVaultChainBroken, msg, map[string]any{
		"seq": seq,
	})
}
