// Package relay implements Pony message intake, destination resolution and
// the inbox state machine.
//
// A send is validated, its destination resolved (canonical id, then alias,
// then anchor registry), evaluated against the receiver's policy, handed to
// transport dispatch and stored. Messages start in request unless the policy
// auto-accepts the sender; the addressed house moves them to accepted or
// rejected.
package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/platform/id"
	townotel "github.com/elizatown/town/internal/platform/otel"
	"github.com/elizatown/town/internal/services/pony/anchor"
	"github.com/elizatown/town/internal/services/pony/dispatch"
	"github.com/elizatown/town/internal/services/pony/envelope"
	"github.com/elizatown/town/internal/services/pony/policy"
	"github.com/elizatown/town/internal/services/pony/postage"
	"github.com/elizatown/town/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultInboxLimit applies when a listing sets no limit.
	DefaultInboxLimit = 50
	// MaxInboxLimit caps one listing.
	MaxInboxLimit = 200
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

// HouseDirectory answers whether an id is a registered house.
type HouseDirectory interface {
	HouseExists(ctx context.Context, houseID string) (bool, error)
}

// PolicySource reads receiver policies.
type PolicySource interface {
	Get(ctx context.Context, houseID string) (policy.Policy, error)
}

// Evaluator applies a policy to a send.
type Evaluator interface {
	Evaluate(ctx context.Context, p policy.Policy, s policy.Send) (policy.Outcome, error)
}

// Dispatcher hands a message to a transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, d dispatch.Delivery) (dispatch.Receipt, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store      Store
	Houses     HouseDirectory
	Policies   PolicySource
	Engine     Evaluator
	Dispatcher Dispatcher
	Anchors    anchor.Registry
	Now        func() time.Time
	NewID      id.Generator
}

// Service runs relay operations.
type Service struct {
	store      Store
	houses     HouseDirectory
	policies   PolicySource
	engine     Evaluator
	dispatcher Dispatcher
	anchors    anchor.Registry
	now        func() time.Time
	newID      id.Generator
}

// NewService builds a relay from deps.
func NewService(deps Deps) *Service {
	s := &Service{
		store:      deps.Store,
		houses:     deps.Houses,
		policies:   deps.Policies,
		engine:     deps.Engine,
		dispatcher: deps.Dispatcher,
		anchors:    deps.Anchors,
		now:        deps.Now,
		newID:      deps.NewID,
	}
	if s.anchors == nil {
		s.anchors = anchor.Unconfigured{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = id.Prefixed("msg")
	}
	return s
}

// SendInput is one send request. FromHouseID must already be authenticated;
// empty means anonymous.
type SendInput struct {
	FromHouseID string
	ToHouseID   string
	ToErc8004ID string
	Ciphertext  envelope.Ciphertext
	Transport   envelope.Transport
	Postage     *postage.Postage
}

// Send runs the full intake pipeline and returns the stored message.
func (s *Service) Send(ctx context.Context, in SendInput) (envelope.Message, error) {
	ctx, span := townotel.Tracer("town/pony").Start(ctx, "pony.send")
	defer span.End()
	span.SetAttributes(
		attribute.Bool("pony.anonymous", in.FromHouseID == ""),
		attribute.String("pony.transport_kind", in.Transport.Kind),
		attribute.String("pony.postage_kind", postage.KindOf(in.Postage)),
	)

	msg, err := s.send(ctx, in)
	if err != nil {
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
		return envelope.Message{}, err
	}
	span.SetAttributes(
		attribute.String("pony.message_id", msg.ID),
		attribute.String("pony.status", string(msg.Status)),
		attribute.String("pony.adapter", msg.Dispatch.Adapter),
	)
	return msg, nil
}

func (s *Service) send(ctx context.Context, in SendInput) (envelope.Message, error) {
	if s.store == nil || s.policies == nil || s.engine == nil || s.dispatcher == nil {
		return envelope.Message{}, fmt.Errorf("relay is not configured")
	}
	if err := in.Ciphertext.Validate(); err != nil {
		return envelope.Message{}, err
	}
	if err := in.Transport.Validate(); err != nil {
		return envelope.Message{}, err
	}

	toHouseID, err := s.resolveDestination(ctx, in.ToHouseID, in.ToErc8004ID)
	if err != nil {
		return envelope.Message{}, err
	}
	from := strings.TrimSpace(in.FromHouseID)

	p, err := s.policies.Get(ctx, toHouseID)
	if err != nil {
		return envelope.Message{}, err
	}
	outcome, err := s.engine.Evaluate(ctx, p, policy.Send{
		FromHouseID: from,
		ToHouseID:   toHouseID,
		Postage:     in.Postage,
	})
	if err != nil {
		return envelope.Message{}, err
	}

	messageID, err := s.newID()
	if err != nil {
		return envelope.Message{}, fmt.Errorf("generate message id: %w", err)
	}
	receipt, err := s.dispatcher.Dispatch(ctx, dispatch.Delivery{
		MessageID:  messageID,
		ToHouseID:  toHouseID,
		Transport:  in.Transport,
		Ciphertext: in.Ciphertext,
	})
	if err != nil {
		return envelope.Message{}, fmt.Errorf("dispatch message: %w", err)
	}

	status := envelope.StatusRequest
	now := s.now().UTC()
	msg := envelope.Message{
		ID:          messageID,
		FromHouseID: from,
		ToHouseID:   toHouseID,
		Ciphertext:  in.Ciphertext,
		Transport:   in.Transport,
		Postage:     in.Postage,
		Dispatch: envelope.Dispatch{
			ReceiptID:     receipt.ID,
			Adapter:       receipt.Adapter,
			TransportKind: receipt.TransportKind,
		},
		Status:    status,
		CreatedAt: now,
	}
	if outcome.Accept {
		msg.Status = envelope.StatusAccepted
		msg.DecidedAt = now
	}
	if err := s.store.PutMessage(ctx, msg); err != nil {
		return envelope.Message{}, fmt.Errorf("put message: %w", err)
	}
	return msg, nil
}

// resolveDestination applies the precedence canonical id, alias, anchor.
func (s *Service) resolveDestination(ctx context.Context, toHouseID, toErc8004ID string) (string, error) {
	toHouseID = strings.TrimSpace(toHouseID)
	toErc8004ID = strings.TrimSpace(toErc8004ID)

	if toHouseID != "" {
		ok, err := s.exists(ctx, toHouseID)
		if err != nil {
			return "", err
		}
		if ok {
			return toHouseID, nil
		}
		alias, err := s.store.GetAlias(ctx, toHouseID)
		if err == nil {
			return alias.HouseID, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("get alias: %w", err)
		}
		if toErc8004ID == "" {
			return "", apperrors.WithMetadata(apperrors.CodeHouseNotFound, "destination house not found", map[string]any{
				"toHouseId": toHouseID,
			})
		}
	}
	if toErc8004ID == "" {
		return "", apperrors.New(apperrors.CodeDestinationRequired, "toHouseId or toErc8004Id is required")
	}

	resolved, err := s.anchors.Resolve(ctx, toErc8004ID)
	if err != nil {
		return "", err
	}
	ok, err := s.exists(ctx, resolved)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperrors.WithMetadata(apperrors.CodeHouseNotFound, "anchored house is not registered", map[string]any{
			"toHouseId": resolved,
		})
	}
	return resolved, nil
}

func (s *Service) exists(ctx context.Context, houseID string) (bool, error) {
	if s.houses == nil {
		return false, fmt.Errorf("house directory is not configured")
	}
	ok, err := s.houses.HouseExists(ctx, houseID)
	if err != nil {
		return false, fmt.Errorf("check house: %w", err)
	}
	return ok, nil
}

// ResolveAnchor resolves an external identifier through the anchor registry.
func (s *Service) ResolveAnchor(ctx context.Context, externalID string) (string, error) {
	return s.anchors.Resolve(ctx, externalID)
}
