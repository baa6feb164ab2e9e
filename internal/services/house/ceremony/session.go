package ceremony

import (
	"context"
	"regexp"
	"time"
)

// Participant names one side of a ceremony.
type Participant string

const (
	ParticipantSolo  Participant = "solo"
	ParticipantHuman Participant = "human"
	ParticipantAgent Participant = "agent"
)

// Mode is fixed by the first commit of a session.
type Mode string

const (
	ModeSolo Mode = "solo"
	ModeCoop Mode = "coop"
)

// Status summarizes where a session is in the protocol.
type Status string

const (
	StatusCommitting Status = "committing"
	StatusRevealing  Status = "revealing"
	StatusComplete   Status = "complete"
	StatusAborted    Status = "aborted"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

var hex64Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Entry is one participant's progress. Reveal is empty until revealed.
type Entry struct {
	Participant Participant
	Commit      string
	Reveal      string
	CommittedAt time.Time
	RevealedAt  time.Time
}

// Session is the persisted state of one ceremony.
type Session struct {
	ID        string
	Mode      Mode
	Aborted   bool
	Entries   []Entry
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Store persists ceremony sessions. GetCeremonySession returns
// storage.ErrNotFound for unknown ids.
type Store interface {
	GetCeremonySession(ctx context.Context, id string) (Session, error)
	PutCeremonySession(ctx context.Context, session Session) error
}

// ModeOf returns the mode a participant implies.
func ModeOf(p Participant) (Mode, bool) {
	switch p {
	case ParticipantSolo:
		return ModeSolo, true
	case ParticipantHuman, ParticipantAgent:
		return ModeCoop, true
	default:
		return "", false
	}
}

func (m Mode) participants() []Participant {
	if m == ModeSolo {
		return []Participant{ParticipantSolo}
	}
	return []Participant{ParticipantHuman, ParticipantAgent}
}

func (s *Session) entry(p Participant) (*Entry, bool) {
	for i := range s.Entries {
		if s.Entries[i].Participant == p {
			return &s.Entries[i], true
		}
	}
	return nil, false
}

func (s Session) allCommitted() bool {
	for _, p := range s.Mode.participants() {
		e, ok := s.entry(p)
		if !ok || e.Commit == "" {
			return false
		}
	}
	return true
}

func (s Session) allRevealed() bool {
	for _, p := range s.Mode.participants() {
		e, ok := s.entry(p)
		if !ok || e.Reveal == "" {
			return false
		}
	}
	return true
}

// Status derives the session status from its entries.
func (s Session) Status() Status {
	switch {
	case s.Aborted:
		return StatusAborted
	case s.allRevealed():
		return StatusComplete
	case s.allCommitted():
		return StatusRevealing
	default:
		return StatusCommitting
	}
}

// View is the public projection of a session. Reveals are present only once
// every participant has revealed.
type View struct {
	SessionID    string            `json:"sessionId"`
	Mode         Mode              `json:"mode"`
	Status       Status            `json:"status"`
	Participants []ParticipantView `json:"participants"`
	ExpiresAt    time.Time         `json:"expiresAt"`
}

// ParticipantView is one participant inside a View.
type ParticipantView struct {
	Participant Participant `json:"participant"`
	Commit      string      `json:"commit,omitempty"`
	Revealed    bool        `json:"revealed"`
	Reveal      string      `json:"reveal,omitempty"`
}

// View projects the session for callers.
func (s Session) View() View {
	status := s.Status()
	view := View{
		SessionID: s.ID,
		Mode:      s.Mode,
		Status:    status,
		ExpiresAt: s.ExpiresAt,
	}
	for _, p := range s.Mode.participants() {
		pv := ParticipantView{Participant: p}
		if e, ok := s.entry(p); ok {
			pv.Commit = e.Commit
			pv.Revealed = e.Reveal != ""
			if status == StatusComplete {
				pv.Reveal = e.Reveal
			}
		}
		view.Participants = append(view.Participants, pv)
	}
	return view
}
