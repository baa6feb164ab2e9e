// Package envelope defines the Pony message envelope and its validation.
package envelope

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/services/pony/postage"
)

// Status is a message's position in the inbox state machine. request moves to
// accepted or rejected; both are terminal.
type Status string

const (
	StatusRequest  Status = "request"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRequest, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// DefaultTransportKind is handled by the relay's own HTTP inbox.
const DefaultTransportKind = "relay.http.v1"

const (
	maxAlgLen        = 64
	maxIVLen         = 512
	maxCTLen         = 256 << 10
	maxRelayHints    = 8
	maxRelayHintLen  = 256
	maxTransportKind = 64
)

var transportKindPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Ciphertext is an end-to-end encrypted payload. The relay never opens it.
type Ciphertext struct {
	Alg string `json:"alg"`
	IV  string `json:"iv"`
	CT  string `json:"ct"`
}

// Validate checks that every field is present and bounded.
func (c Ciphertext) Validate() error {
	switch {
	case strings.TrimSpace(c.Alg) == "" || len(c.Alg) > maxAlgLen:
		return invalid("ciphertext.alg")
	case strings.TrimSpace(c.IV) == "" || len(c.IV) > maxIVLen:
		return invalid("ciphertext.iv")
	case strings.TrimSpace(c.CT) == "" || len(c.CT) > maxCTLen:
		return invalid("ciphertext.ct")
	}
	return nil
}

// Transport says how the sender would like the message carried.
type Transport struct {
	Kind       string   `json:"kind,omitempty"`
	RelayHints []string `json:"relayHints,omitempty"`
}

// Validate checks kind and hint shapes. An empty kind is allowed.
func (t Transport) Validate() error {
	if t.Kind != "" && (len(t.Kind) > maxTransportKind || !transportKindPattern.MatchString(t.Kind)) {
		return invalid("transport.kind")
	}
	if len(t.RelayHints) > maxRelayHints {
		return invalid("transport.relayHints")
	}
	for _, hint := range t.RelayHints {
		if strings.TrimSpace(hint) == "" || len(hint) > maxRelayHintLen {
			return invalid("transport.relayHints")
		}
	}
	return nil
}

// Dispatch records which adapter carried a message and the receipt it issued.
type Dispatch struct {
	ReceiptID     string `json:"receiptId"`
	Adapter       string `json:"adapter"`
	TransportKind string `json:"transportKind"`
}

// Message is a stored Pony envelope. An empty FromHouseID is anonymous.
type Message struct {
	ID          string
	FromHouseID string
	ToHouseID   string
	Ciphertext  Ciphertext
	Transport   Transport
	Postage     *postage.Postage
	Dispatch    Dispatch
	Status      Status
	CreatedAt   time.Time
	DecidedAt   time.Time
}

// Anonymous reports whether the sender is unidentified.
func (m Message) Anonymous() bool {
	return m.FromHouseID == ""
}

type messageJSON struct {
	ID          string           `json:"id"`
	FromHouseID *string          `json:"fromHouseId"`
	ToHouseID   string           `json:"toHouseId"`
	Ciphertext  Ciphertext       `json:"ciphertext"`
	Transport   Transport        `json:"transport"`
	Postage     *postage.Postage `json:"postage,omitempty"`
	Dispatch    Dispatch         `json:"dispatch"`
	Status      Status           `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	DecidedAt   *time.Time       `json:"decidedAt,omitempty"`
}

// MarshalJSON renders anonymous senders as null.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:         m.ID,
		ToHouseID:  m.ToHouseID,
		Ciphertext: m.Ciphertext,
		Transport:  m.Transport,
		Postage:    m.Postage,
		Dispatch:   m.Dispatch,
		Status:     m.Status,
		CreatedAt:  m.CreatedAt,
	}
	if m.FromHouseID != "" {
		from := m.FromHouseID
		out.FromHouseID = &from
	}
	if !m.DecidedAt.IsZero() {
		decided := m.DecidedAt
		out.DecidedAt = &decided
	}
	return json.Marshal(out)
}

func invalid(field string) error {
	return apperrors.WithMetadata(apperrors.CodeMessageInvalid, "invalid message field", map[string]any{
		"field": field,
	})
}
