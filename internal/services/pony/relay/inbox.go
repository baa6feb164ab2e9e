package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/services/pony/envelope"
	"github.com/elizatown/town/internal/storage"
)

// Inbox lists messages addressed to houseID, newest first.
func (s *Service) Inbox(ctx context.Context, houseID string, status envelope.Status, limit int) ([]envelope.Message, error) {
	if s.store == nil {
		return nil, fmt.Errorf("relay is not configured")
	}
	if status != "" && !status.Valid() {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidRequest, "unknown status", map[string]any{
			"status": string(status),
		})
	}
	switch {
	case limit <= 0:
		limit = DefaultInboxLimit
	case limit > MaxInboxLimit:
		limit = MaxInboxLimit
	}
	msgs, err := s.store.ListInbox(ctx, InboxQuery{ToHouseID: houseID, Status: status, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	return msgs, nil
}

// Accept moves a pending message to accepted.
func (s *Service) Accept(ctx context.Context, houseID, messageID string) (envelope.Message, error) {
	return s.decide(ctx, houseID, messageID, envelope.StatusAccepted)
}

// Reject moves a pending message to rejected.
func (s *Service) Reject(ctx context.Context, houseID, messageID string) (envelope.Message, error) {
	return s.decide(ctx, houseID, messageID, envelope.StatusRejected)
}

// decide applies a terminal decision. Repeating the current decision is a
// no-op; reversing one fails.
func (s *Service) decide(ctx context.Context, houseID, messageID string, target envelope.Status) (envelope.Message, error) {
	if s.store == nil {
		return envelope.Message{}, fmt.Errorf("relay is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return envelope.Message{}, apperrors.New(apperrors.CodeInvalidRequest, "messageId is required")
	}

	// One retry covers a decision that raced with ours.
	for attempt := 0; attempt < 2; attempt++ {
		msg, err := s.store.GetMessage(ctx, messageID)
		if errors.Is(err, storage.ErrNotFound) {
			return envelope.Message{}, messageNotFound(messageID)
		}
		if err != nil {
			return envelope.Message{}, fmt.Errorf("get message: %w", err)
		}
		if msg.ToHouseID != houseID {
			return envelope.Message{}, messageNotFound(messageID)
		}
		if msg.Status == target {
			return msg, nil
		}
		if msg.Status.Terminal() {
			return envelope.Message{}, apperrors.WithMetadata(apperrors.CodeMessageAlreadyDecided, "message already decided", map[string]any{
				"messageId": messageID,
				"status":    string(msg.Status),
			})
		}

		decidedAt := s.now().UTC()
		err = s.store.UpdateMessageStatus(ctx, messageID, msg.Status, target, decidedAt)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return envelope.Message{}, fmt.Errorf("update message status: %w", err)
		}
		msg.Status = target
		msg.DecidedAt = decidedAt
		log.Printf("pony: message=%s house=%s status=%s", messageID, houseID, target)
		return msg, nil
	}
	return envelope.Message{}, fmt.Errorf("update message status: %w", storage.ErrConflict)
}

func messageNotFound(messageID string) error {
	return apperrors.WithMetadata(apperrors.CodeMessageNotFound, "message not found", map[string]any{
		"messageId": messageID,
	})
}

// RegisterAlias binds alias to houseID. Rebinding to the same house is a
// no-op.
func (s *Service) RegisterAlias(ctx context.Context, houseID, alias string) (Alias, error) {
	if s.store == nil {
		return Alias{}, fmt.Errorf("relay is not configured")
	}
	alias = strings.TrimSpace(alias)
	if !aliasPattern.MatchString(alias) {
		return Alias{}, apperrors.New(apperrors.CodeAliasInvalid, "alias must be 3-64 characters of [A-Za-z0-9_-]")
	}
	if alias == houseID {
		return Alias{}, apperrors.New(apperrors.CodeAliasInvalid, "alias must differ from the house id")
	}
	taken, err := s.exists(ctx, alias)
	if err != nil {
		return Alias{}, err
	}
	if taken {
		return Alias{}, apperrors.New(apperrors.CodeAliasTaken, "alias is a registered house id")
	}

	existing, err := s.store.GetAlias(ctx, alias)
	switch {
	case err == nil && existing.HouseID == houseID:
		return existing, nil
	case err == nil:
		return Alias{}, aliasTaken(alias)
	case !errors.Is(err, storage.ErrNotFound):
		return Alias{}, fmt.Errorf("get alias: %w", err)
	}

	record := Alias{Alias: alias, HouseID: houseID, CreatedAt: s.now().UTC()}
	if err := s.store.PutAlias(ctx, record); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return Alias{}, aliasTaken(alias)
		}
		return Alias{}, fmt.Errorf("put alias: %w", err)
	}
	return record, nil
}

func aliasTaken(alias string) error {
	return apperrors.WithMetadata(apperrors.CodeAliasTaken, "alias already taken", map[string]any{
		"alias": alias,
	})
}

// Aliases lists the aliases bound to houseID.
func (s *Service) Aliases(ctx context.Context, houseID string) ([]Alias, error) {
	if s.store == nil {
		return nil, fmt.Errorf("relay is not configured")
	}
	aliases, err := s.store.ListAliases(ctx, houseID)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	return aliases, nil
}

// Friend is a house that has exchanged an accepted message with the caller.
type Friend struct {
	HouseID       string    `json:"houseId"`
	Aliases       []string  `json:"aliases"`
	Messages      int       `json:"messages"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// Friends projects accepted traffic in either direction into a friend list,
// most recent first.
func (s *Service) Friends(ctx context.Context, houseID string) ([]Friend, error) {
	if s.store == nil {
		return nil, fmt.Errorf("relay is not configured")
	}
	msgs, err := s.store.ListAcceptedMessages(ctx, houseID)
	if err != nil {
		return nil, fmt.Errorf("list accepted messages: %w", err)
	}

	byHouse := make(map[string]*Friend)
	for _, msg := range msgs {
		if msg.Anonymous() {
			continue
		}
		peer := msg.FromHouseID
		if peer == houseID {
			peer = msg.ToHouseID
		}
		if peer == houseID {
			continue
		}
		f, ok := byHouse[peer]
		if !ok {
			f = &Friend{HouseID: peer, Aliases: []string{}}
			byHouse[peer] = f
		}
		f.Messages++
		if msg.CreatedAt.After(f.LastMessageAt) {
			f.LastMessageAt = msg.CreatedAt
		}
	}

	friends := make([]Friend, 0, len(byHouse))
	for _, f := range byHouse {
		aliases, err := s.store.ListAliases(ctx, f.HouseID)
		if err != nil {
			return nil, fmt.Errorf("list aliases: %w", err)
		}
		for _, a := range aliases {
			f.Aliases = append(f.Aliases, a.Alias)
		}
		friends = append(friends, *f)
	}
	sort.Slice(friends, func(i, j int) bool {
		if !friends[i].LastMessageAt.Equal(friends[j].LastMessageAt) {
			return friends[i].LastMessageAt.After(friends[j].LastMessageAt)
		}
		return friends[i].HouseID < friends[j].HouseID
	})
	return friends, nil
}
