package ceremony

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]Session)}
}

func (f *fakeStore) GetCeremonySession(_ context.Context, id string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return Session{}, storage.ErrNotFound
	}
	s.Entries = append([]Entry(nil), s.Entries...)
	return s, nil
}

func (f *fakeStore) PutCeremonySession(_ context.Context, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.Entries = append([]Entry(nil), s.Entries...)
	f.sessions[s.ID] = s
	return nil
}

func randomReveal(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, RevealSize)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("read random: %v", err)
	}
	return b
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestSoloCommitRevealCompletes(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeStore())
	r := randomReveal(t)

	view, err := svc.Commit(ctx, "session-solo-1", ParticipantSolo, CommitFor(r))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if view.Status != StatusRevealing {
		t.Fatalf("status = %s, want %s", view.Status, StatusRevealing)
	}

	view, err = svc.Reveal(ctx, "session-solo-1", ParticipantSolo, hex.EncodeToString(r))
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if view.Status != StatusComplete {
		t.Fatalf("status = %s, want %s", view.Status, StatusComplete)
	}
	if view.Participants[0].Reveal != hex.EncodeToString(r) {
		t.Fatalf("reveal not disclosed after completion")
	}
}

func TestRevealMismatchAbortsSession(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeStore())
	r := randomReveal(t)
	other := randomReveal(t)

	if _, err := svc.Commit(ctx, "session-solo-2", ParticipantSolo, CommitFor(r)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_, err := svc.Reveal(ctx, "session-solo-2", ParticipantSolo, hex.EncodeToString(other))
	if !apperrors.HasCode(err, apperrors.CodeCommitMismatch) {
		t.Fatalf("err = %v, want COMMIT_MISMATCH", err)
	}

	_, err = svc.Reveal(ctx, "session-solo-2", ParticipantSolo, hex.EncodeToString(r))
	if !apperrors.HasCode(err, apperrors.CodeCeremonyAborted) {
		t.Fatalf("err after abort = %v, want CEREMONY_ABORTED", err)
	}
	view, err := svc.Get(ctx, "session-solo-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", view.Status)
	}
}

func TestCoopRevealWaitsForBothCommits(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeStore())
	human := randomReveal(t)
	agent := randomReveal(t)

	if _, err := svc.Commit(ctx, "session-coop-1", ParticipantHuman, CommitFor(human)); err != nil {
		t.Fatalf("commit human: %v", err)
	}
	_, err := svc.Reveal(ctx, "session-coop-1", ParticipantHuman, hex.EncodeToString(human))
	if !apperrors.HasCode(err, apperrors.CodeCeremonyCommitsIncomplete) {
		t.Fatalf("err = %v, want CEREMONY_COMMITS_INCOMPLETE", err)
	}
	_, err = svc.Reveal(ctx, "session-coop-1", ParticipantAgent, hex.EncodeToString(agent))
	if !apperrors.HasCode(err, apperrors.CodeCeremonyCommitMissing) {
		t.Fatalf("err = %v, want CEREMONY_COMMIT_MISSING", err)
	}

	if _, err := svc.Commit(ctx, "session-coop-1", ParticipantAgent, CommitFor(agent)); err != nil {
		t.Fatalf("commit agent: %v", err)
	}
	view, err := svc.Reveal(ctx, "session-coop-1", ParticipantHuman, hex.EncodeToString(human))
	if err != nil {
		t.Fatalf("reveal human: %v", err)
	}
	if view.Status != StatusRevealing {
		t.Fatalf("status = %s, want revealing", view.Status)
	}
	for _, p := range view.Participants {
		if p.Reveal != "" {
			t.Fatalf("reveal for %s disclosed before completion", p.Participant)
		}
	}

	view, err = svc.Reveal(ctx, "session-coop-1", ParticipantAgent, hex.EncodeToString(agent))
	if err != nil {
		t.Fatalf("reveal agent: %v", err)
	}
	if view.Status != StatusComplete {
		t.Fatalf("status = %s, want complete", view.Status)
	}

	local, err := DeriveFromReveals(human, agent)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	defer local.Zero()
	h, _ := hex.DecodeString(view.Participants[0].Reveal)
	a, _ := hex.DecodeString(view.Participants[1].Reveal)
	remote, err := DeriveFromReveals(h, a)
	if err != nil {
		t.Fatalf("derive from view: %v", err)
	}
	defer remote.Zero()
	if local.HouseID != remote.HouseID || !local.Auth.Equal(remote.Auth) {
		t.Fatal("both parties should derive identical keys")
	}
}

func TestCommitIsIdempotentAndRejectsChanges(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeStore())
	r := randomReveal(t)

	if _, err := svc.Commit(ctx, "session-idem-1", ParticipantHuman, CommitFor(r)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := svc.Commit(ctx, "session-idem-1", ParticipantHuman, CommitFor(r)); err != nil {
		t.Fatalf("repeat commit: %v", err)
	}
	_, err := svc.Commit(ctx, "session-idem-1", ParticipantHuman, CommitFor(randomReveal(t)))
	if !apperrors.HasCode(err, apperrors.CodeCeremonyAlreadyCommitted) {
		t.Fatalf("err = %v, want CEREMONY_ALREADY_COMMITTED", err)
	}
	_, err = svc.Commit(ctx, "session-idem-1", ParticipantSolo, CommitFor(r))
	if !apperrors.HasCode(err, apperrors.CodeCeremonyParticipantInvalid) {
		t.Fatalf("err = %v, want CEREMONY_PARTICIPANT_INVALID", err)
	}
}

func TestRevealRepeatIsNoOp(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeStore())
	r := randomReveal(t)

	if _, err := svc.Commit(ctx, "session-idem-2", ParticipantSolo, CommitFor(r)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := svc.Reveal(ctx, "session-idem-2", ParticipantSolo, hex.EncodeToString(r)); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if _, err := svc.Reveal(ctx, "session-idem-2", ParticipantSolo, hex.EncodeToString(r)); err != nil {
		t.Fatalf("repeat reveal: %v", err)
	}
}

func TestDifferentRevealAfterCompletionIsMismatch(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeStore())
	r := randomReveal(t)
	other := randomReveal(t)

	if _, err := svc.Commit(ctx, "session-done-1", ParticipantSolo, CommitFor(r)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := svc.Reveal(ctx, "session-done-1", ParticipantSolo, hex.EncodeToString(r)); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	_, err := svc.Reveal(ctx, "session-done-1", ParticipantSolo, hex.EncodeToString(other))
	if !apperrors.HasCode(err, apperrors.CodeCommitMismatch) {
		t.Fatalf("err = %v, want COMMIT_MISMATCH", err)
	}

	view, err := svc.Get(ctx, "session-done-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != StatusComplete {
		t.Fatalf("status = %s, want %s", view.Status, StatusComplete)
	}
}

func TestInputValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newFakeStore())
	commit := CommitFor(randomReveal(t))

	tests := []struct {
		name        string
		session     string
		participant Participant
		commit      string
		want        apperrors.Code
	}{
		{name: "short session", session: "abc", participant: ParticipantSolo, commit: commit, want: apperrors.CodeCeremonySessionInvalid},
		{name: "bad session chars", session: "session/../x", participant: ParticipantSolo, commit: commit, want: apperrors.CodeCeremonySessionInvalid},
		{name: "unknown participant", session: "session-valid", participant: "witness", commit: commit, want: apperrors.CodeCeremonyParticipantInvalid},
		{name: "short commit", session: "session-valid", participant: ParticipantSolo, commit: "abcd", want: apperrors.CodeCeremonyCommitInvalid},
		{name: "non hex commit", session: "session-valid", participant: ParticipantSolo, commit: "zz" + commit[2:], want: apperrors.CodeCeremonyCommitInvalid},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Commit(ctx, tc.session, tc.participant, tc.commit)
			if !apperrors.HasCode(err, tc.want) {
				t.Fatalf("err = %v, want %s", err, tc.want)
			}
		})
	}

	_, err := svc.Reveal(ctx, "session-missing", ParticipantSolo, hex.EncodeToString(randomReveal(t)))
	if !apperrors.HasCode(err, apperrors.CodeCeremonyNotFound) {
		t.Fatalf("err = %v, want CEREMONY_NOT_FOUND", err)
	}
	_, err = svc.Reveal(ctx, "session-missing", ParticipantSolo, "nothex")
	if !apperrors.HasCode(err, apperrors.CodeCeremonyRevealInvalid) {
		t.Fatalf("err = %v, want CEREMONY_REVEAL_INVALID", err)
	}
}

func TestExpiredSessionIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := randomReveal(t)

	svc := NewService(store, WithClock(fixedClock(start)), WithTTL(time.Minute))
	if _, err := svc.Commit(ctx, "session-expiry", ParticipantSolo, CommitFor(r)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	later := NewService(store, WithClock(fixedClock(start.Add(2*time.Minute))), WithTTL(time.Minute))
	_, err := later.Reveal(ctx, "session-expiry", ParticipantSolo, hex.EncodeToString(r))
	if !apperrors.HasCode(err, apperrors.CodeCeremonyNotFound) {
		t.Fatalf("err = %v, want CEREMONY_NOT_FOUND", err)
	}
	view, err := later.Commit(ctx, "session-expiry", ParticipantHuman, CommitFor(r))
	if err != nil {
		t.Fatalf("commit on expired session: %v", err)
	}
	if view.Mode != ModeCoop {
		t.Fatalf("mode = %s, want a fresh coop session", view.Mode)
	}
}
