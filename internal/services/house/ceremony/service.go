// Package ceremony runs the commit–reveal protocol that seeds a house's keys.
//
// Each participant first publishes commit = SHA-256(reveal), then the reveal
// itself. The relay only checks reveals against commits and relays them; key
// derivation happens on the participants' side (see DeriveFromReveals).
package ceremony

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/platform/keylock"
	townotel "github.com/elizatown/town/internal/platform/otel"
	"github.com/elizatown/town/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTTL bounds how long a session may stay open.
const DefaultTTL = time.Hour

// Service coordinates ceremony sessions.
type Service struct {
	store Store
	locks *keylock.Registry
	now   func() time.Time
	ttl   time.Duration
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

// WithTTL overrides the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService builds a ceremony service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		locks: keylock.New(),
		now:   time.Now,
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Commit records participant's commit hash. Repeating the same commit is a
// no-op; a different one fails with CEREMONY_ALREADY_COMMITTED.
func (s *Service) Commit(ctx context.Context, sessionID string, participant Participant, commit string) (View, error) {
	ctx, span := townotel.Tracer("town/ceremony").Start(ctx, "ceremony.commit")
	defer span.End()
	span.SetAttributes(attribute.String("ceremony.participant", string(participant)))

	sessionID = strings.TrimSpace(sessionID)
	if err := validateSessionID(sessionID); err != nil {
		return View{}, err
	}
	mode, ok := ModeOf(participant)
	if !ok {
		return View{}, apperrors.New(apperrors.CodeCeremonyParticipantInvalid, "unknown participant")
	}
	commit = strings.ToLower(strings.TrimSpace(commit))
	if !hex64Pattern.MatchString(commit) {
		return View{}, apperrors.New(apperrors.CodeCeremonyCommitInvalid, "commit must be 64 hex characters")
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	now := s.now().UTC()
	session, found, err := s.load(ctx, sessionID, now)
	if err != nil {
		return View{}, err
	}
	if !found {
		session = Session{
			ID:        sessionID,
			Mode:      mode,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
	}
	if session.Aborted {
		return View{}, apperrors.New(apperrors.CodeCeremonyAborted, "ceremony was aborted")
	}
	if session.Mode != mode {
		return View{}, apperrors.WithMetadata(apperrors.CodeCeremonyParticipantInvalid, "participant does not match ceremony mode", map[string]any{
			"mode": session.Mode,
		})
	}

	if e, ok := session.entry(participant); ok && e.Commit != "" {
		if e.Commit == commit {
			return session.View(), nil
		}
		return View{}, apperrors.New(apperrors.CodeCeremonyAlreadyCommitted, "participant already committed")
	}
	session.Entries = append(session.Entries, Entry{
		Participant: participant,
		Commit:      commit,
		CommittedAt: now,
	})
	session.UpdatedAt = now
	if err := s.store.PutCeremonySession(ctx, session); err != nil {
		return View{}, fmt.Errorf("put ceremony session: %w", err)
	}
	return session.View(), nil
}

// Reveal checks reveal against participant's commit. A mismatch aborts the
// session for good and fails with COMMIT_MISMATCH.
func (s *Service) Reveal(ctx context.Context, sessionID string, participant Participant, reveal string) (View, error) {
	ctx, span := townotel.Tracer("town/ceremony").Start(ctx, "ceremony.reveal")
	defer span.End()
	span.SetAttributes(attribute.String("ceremony.participant", string(participant)))

	sessionID = strings.TrimSpace(sessionID)
	if err := validateSessionID(sessionID); err != nil {
		return View{}, err
	}
	if _, ok := ModeOf(participant); !ok {
		return View{}, apperrors.New(apperrors.CodeCeremonyParticipantInvalid, "unknown participant")
	}
	reveal = strings.ToLower(strings.TrimSpace(reveal))
	if !hex64Pattern.MatchString(reveal) {
		return View{}, apperrors.New(apperrors.CodeCeremonyRevealInvalid, "reveal must be 64 hex characters")
	}
	revealBytes, err := hex.DecodeString(reveal)
	if err != nil {
		return View{}, apperrors.Wrap(apperrors.CodeCeremonyRevealInvalid, "decode reveal", err)
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	now := s.now().UTC()
	session, found, err := s.load(ctx, sessionID, now)
	if err != nil {
		return View{}, err
	}
	if !found {
		return View{}, apperrors.New(apperrors.CodeCeremonyNotFound, "ceremony not found")
	}
	if session.Aborted {
		return View{}, apperrors.New(apperrors.CodeCeremonyAborted, "ceremony was aborted")
	}
	if mode, _ := ModeOf(participant); mode != session.Mode {
		return View{}, apperrors.WithMetadata(apperrors.CodeCeremonyParticipantInvalid, "participant does not match ceremony mode", map[string]any{
			"mode": session.Mode,
		})
	}

	e, ok := session.entry(participant)
	if !ok || e.Commit == "" {
		return View{}, apperrors.New(apperrors.CodeCeremonyCommitMissing, "participant has not committed")
	}
	if !session.allCommitted() {
		return View{}, apperrors.New(apperrors.CodeCeremonyCommitsIncomplete, "waiting for every participant to commit")
	}
	sum := sha256.Sum256(revealBytes)
	matches := subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(e.Commit)) == 1
	if e.Reveal != "" {
		// A recorded reveal is final; a differing one never aborts the session.
		switch {
		case e.Reveal == reveal:
			return session.View(), nil
		case !matches:
			return View{}, apperrors.New(apperrors.CodeCommitMismatch, "reveal does not match commit")
		default:
			return View{}, apperrors.New(apperrors.CodeCeremonyAlreadyRevealed, "participant already revealed")
		}
	}

	if !matches {
		session.Aborted = true
		session.UpdatedAt = now
		if err := s.store.PutCeremonySession(ctx, session); err != nil {
			return View{}, fmt.Errorf("abort ceremony session: %w", err)
		}
		span.SetAttributes(attribute.Bool("ceremony.aborted", true))
		return View{}, apperrors.New(apperrors.CodeCommitMismatch, "reveal does not match commit")
	}

	e.Reveal = reveal
	e.RevealedAt = now
	session.UpdatedAt = now
	if err := s.store.PutCeremonySession(ctx, session); err != nil {
		return View{}, fmt.Errorf("put ceremony session: %w", err)
	}
	return session.View(), nil
}

// Get returns the current view of a session.
func (s *Service) Get(ctx context.Context, sessionID string) (View, error) {
	sessionID = strings.TrimSpace(sessionID)
	if err := validateSessionID(sessionID); err != nil {
		return View{}, err
	}
	session, found, err := s.load(ctx, sessionID, s.now().UTC())
	if err != nil {
		return View{}, err
	}
	if !found {
		return View{}, apperrors.New(apperrors.CodeCeremonyNotFound, "ceremony not found")
	}
	return session.View(), nil
}

// load returns the session, treating expired sessions as absent.
func (s *Service) load(ctx context.Context, sessionID string, now time.Time) (Session, bool, error) {
	if s == nil || s.store == nil {
		return Session{}, false, fmt.Errorf("ceremony store is not configured")
	}
	session, err := s.store.GetCeremonySession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get ceremony session: %w", err)
	}
	if !session.ExpiresAt.IsZero() && !now.Before(session.ExpiresAt) {
		return Session{}, false, nil
	}
	return session, true, nil
}

func validateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return apperrors.New(apperrors.CodeCeremonySessionInvalid, "session id must be 8-128 characters of [A-Za-z0-9_-]")
	}
	return nil
}
