package relay

import (
	"context"
	"time"

	"github.com/elizatown/town/internal/services/pony/envelope"
)

// Alias binds a legacy share identifier to a canonical house.
type Alias struct {
	Alias     string    `json:"alias"`
	HouseID   string    `json:"houseId"`
	CreatedAt time.Time `json:"createdAt"`
}

// InboxQuery filters an inbox listing. An empty Status lists every status.
type InboxQuery struct {
	ToHouseID string
	Status    envelope.Status
	Limit     int
}

// Store persists messages and aliases.
type Store interface {
	PutMessage(ctx context.Context, msg envelope.Message) error
	// GetMessage returns storage.ErrNotFound for unknown ids.
	GetMessage(ctx context.Context, messageID string) (envelope.Message, error)
	// UpdateMessageStatus moves a message from one status to another and
	// returns storage.ErrConflict when the stored status is not from.
	UpdateMessageStatus(ctx context.Context, messageID string, from, to envelope.Status, decidedAt time.Time) error
	// ListInbox returns messages addressed to a house, newest first.
	ListInbox(ctx context.Context, q InboxQuery) ([]envelope.Message, error)
	// ListAcceptedMessages returns accepted messages sent or received by a house.
	ListAcceptedMessages(ctx context.Context, houseID string) ([]envelope.Message, error)

	// PutAlias returns storage.ErrAlreadyExists when the alias is bound.
	PutAlias(ctx context.Context, alias Alias) error
	// GetAlias returns storage.ErrNotFound for unknown aliases.
	GetAlias(ctx context.Context, alias string) (Alias, error)
	ListAliases(ctx context.Context, houseID string) ([]Alias, error)
}
