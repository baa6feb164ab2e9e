// Package dispatch hands accepted sends to a transport adapter and issues a
// receipt for every successful hand-off.
//
// Adapters are tried in order; the first whose CanHandle returns true
// delivers. A mandatory fallback takes anything no adapter claims, so an
// unknown transport kind alone never fails a send.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/elizatown/town/internal/platform/id"
	"github.com/elizatown/town/internal/services/pony/envelope"
	"github.com/elizatown/town/internal/services/pony/postage"
	"github.com/elizatown/town/internal/storage"
)

// ReceiptPrefix prefixes every dispatch receipt id.
const ReceiptPrefix = "dsp"

// Receipt is immutable proof that a message was handed to an adapter.
type Receipt struct {
	ID            string    `json:"receiptId"`
	ToHouseID     string    `json:"toHouseId"`
	MessageID     string    `json:"messageId"`
	Adapter       string    `json:"adapter"`
	TransportKind string    `json:"transportKind"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Delivery is what an adapter carries.
type Delivery struct {
	MessageID  string
	ToHouseID  string
	Transport  envelope.Transport
	Ciphertext envelope.Ciphertext
}

// Adapter delivers messages over one transport.
type Adapter interface {
	Name() string
	CanHandle(t envelope.Transport) bool
	Deliver(ctx context.Context, d Delivery) error
}

// Store persists receipts. GetDispatchReceipt returns storage.ErrNotFound for
// unknown ids.
type Store interface {
	PutDispatchReceipt(ctx context.Context, receipt Receipt) error
	GetDispatchReceipt(ctx context.Context, receiptID string) (Receipt, error)
}

// Dispatcher runs the adapter chain.
type Dispatcher struct {
	store    Store
	adapters []Adapter
	fallback Adapter
	now      func() time.Time
	newID    id.Generator
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithIDGenerator overrides receipt id generation.
func WithIDGenerator(gen id.Generator) Option {
	return func(d *Dispatcher) {
		if gen != nil {
			d.newID = gen
		}
	}
}

// New builds a dispatcher. A nil fallback installs Fallback{}.
func New(store Store, adapters []Adapter, fallback Adapter, opts ...Option) *Dispatcher {
	if fallback == nil {
		fallback = Fallback{}
	}
	d := &Dispatcher{
		store:    store,
		adapters: adapters,
		fallback: fallback,
		now:      time.Now,
		newID:    id.Prefixed(ReceiptPrefix),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Select returns the adapter that will carry t.
func (d *Dispatcher) Select(t envelope.Transport) Adapter {
	for _, a := range d.adapters {
		if a != nil && a.CanHandle(t) {
			return a
		}
	}
	return d.fallback
}

// Dispatch delivers one message and persists its receipt.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) (Receipt, error) {
	if d == nil || d.store == nil {
		return Receipt{}, fmt.Errorf("dispatch store is not configured")
	}
	adapter := d.Select(delivery.Transport)
	if err := adapter.Deliver(ctx, delivery); err != nil {
		return Receipt{}, fmt.Errorf("deliver via %s: %w", adapter.Name(), err)
	}
	receiptID, err := d.newID()
	if err != nil {
		return Receipt{}, fmt.Errorf("generate receipt id: %w", err)
	}
	kind := delivery.Transport.Kind
	if kind == "" {
		kind = envelope.DefaultTransportKind
	}
	receipt := Receipt{
		ID:            receiptID,
		ToHouseID:     delivery.ToHouseID,
		MessageID:     delivery.MessageID,
		Adapter:       adapter.Name(),
		TransportKind: kind,
		CreatedAt:     d.now().UTC(),
	}
	if err := d.store.PutDispatchReceipt(ctx, receipt); err != nil {
		return Receipt{}, fmt.Errorf("put dispatch receipt: %w", err)
	}
	return receipt, nil
}

// ResolveReceipt implements postage.ReceiptResolver.
func (d *Dispatcher) ResolveReceipt(ctx context.Context, receiptID string) (postage.ResolvedReceipt, error) {
	if d == nil || d.store == nil {
		return postage.ResolvedReceipt{}, fmt.Errorf("dispatch store is not configured")
	}
	receipt, err := d.store.GetDispatchReceipt(ctx, receiptID)
	if errors.Is(err, storage.ErrNotFound) {
		return postage.ResolvedReceipt{}, postage.ErrReceiptNotFound
	}
	if err != nil {
		return postage.ResolvedReceipt{}, err
	}
	return postage.ResolvedReceipt{ID: receipt.ID, ToHouseID: receipt.ToHouseID}, nil
}

// RelayHTTP is the default adapter: the message stays in the relay's inbox
// and is fetched by the receiving house over HTTP.
type RelayHTTP struct{}

// Name implements Adapter.
func (RelayHTTP) Name() string { return envelope.DefaultTransportKind }

// CanHandle implements Adapter.
func (RelayHTTP) CanHandle(t envelope.Transport) bool {
	return t.Kind == "" || t.Kind == envelope.DefaultTransportKind
}

// Deliver implements Adapter. Storage of the message is the delivery.
func (RelayHTTP) Deliver(ctx context.Context, _ Delivery) error {
	return ctx.Err()
}

// Fallback accepts any transport kind. Messages are held in the relay inbox
// like RelayHTTP; relay hints are kept on the message for the receiver.
type Fallback struct{}

// Name implements Adapter.
func (Fallback) Name() string { return "fallback" }

// CanHandle implements Adapter.
func (Fallback) CanHandle(envelope.Transport) bool { return true }

// Deliver implements Adapter.
func (Fallback) Deliver(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log.Printf("dispatch fallback message_id=%s transport_kind=%s relay_hints=%d", d.MessageID, d.Transport.Kind, len(d.Transport.RelayHints))
	return nil
}
