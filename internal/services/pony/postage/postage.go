// Package postage verifies anti-spam proofs attached to sends and vault
// appends.
//
// Two proofs exist: proof-of-work (pow.v1) and citations of dispatch receipts
// previously issued to the recipient (receipt.v1). Thresholds are asymmetric:
// anonymous senders under requirePostageAnonymous face a higher PoW bar than
// identified senders.
package postage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/platform/timeouts"
)

// Postage kinds.
const (
	KindNone    = "none"
	KindPoW     = "pow.v1"
	KindReceipt = "receipt.v1"
)

// Default PoW thresholds.
const (
	DefaultBaseDifficulty      = 4
	DefaultAnonymousDifficulty = 8

	// MaxDifficulty is the largest meaningful difficulty for a SHA-256 digest.
	MaxDifficulty = 256
	// MaxReceipts bounds one receipt.v1 submission.
	MaxReceipts = 16
	// DispatchReceiptPrefix marks receipts issued by transport dispatch.
	DispatchReceiptPrefix = "dsp_"
)

var (
	digestPattern    = regexp.MustCompile(`^[0-9a-f]{6,128}$`)
	receiptIDPattern = regexp.MustCompile(`^[a-z]{2,16}_[a-z0-9]{8,64}$`)
)

// ErrReceiptNotFound is returned by resolvers for unknown receipt ids.
var ErrReceiptNotFound = errors.New("receipt not found")

// Postage is the proof attached to a send or append.
type Postage struct {
	Kind       string   `json:"kind"`
	Nonce      string   `json:"nonce,omitempty"`
	Digest     string   `json:"digest,omitempty"`
	Difficulty int      `json:"difficulty,omitempty"`
	Receipts   []string `json:"receipts,omitempty"`
}

// KindOf returns p's kind, treating a nil or kindless postage as none.
func KindOf(p *Postage) string {
	if p == nil || strings.TrimSpace(p.Kind) == "" {
		return KindNone
	}
	return strings.TrimSpace(p.Kind)
}

// Context describes the send being paid for.
type Context struct {
	FromHouseID             string
	ToHouseID               string
	RequirePostageAnonymous bool
	RequireReceiptAnonymous bool
}

// Anonymous reports whether the sender is unidentified.
func (c Context) Anonymous() bool {
	return strings.TrimSpace(c.FromHouseID) == ""
}

// ResolvedReceipt is the part of a dispatch receipt postage checks need.
type ResolvedReceipt struct {
	ID        string
	ToHouseID string
}

// ReceiptResolver looks up dispatch receipts by id.
type ReceiptResolver interface {
	ResolveReceipt(ctx context.Context, receiptID string) (ResolvedReceipt, error)
}

// Thresholds holds the PoW difficulty floors.
type Thresholds struct {
	Base      int
	Anonymous int
}

// Verifier checks postage against a context.
type Verifier struct {
	receipts   ReceiptResolver
	thresholds Thresholds
	verifyWork bool
	timeout    time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithThresholds overrides the PoW floors. Non-positive values keep defaults.
func WithThresholds(t Thresholds) Option {
	return func(v *Verifier) {
		if t.Base > 0 {
			v.thresholds.Base = t.Base
		}
		if t.Anonymous > 0 {
			v.thresholds.Anonymous = t.Anonymous
		}
	}
}

// WithWorkVerification makes the verifier recompute PoW digests and count
// their leading zero bits.
func WithWorkVerification(enabled bool) Option {
	return func(v *Verifier) {
		v.verifyWork = enabled
	}
}

// WithResolveTimeout overrides the per-receipt resolver timeout.
func WithResolveTimeout(timeout time.Duration) Option {
	return func(v *Verifier) {
		if timeout > 0 {
			v.timeout = timeout
		}
	}
}

// NewVerifier builds a verifier. receipts may be nil when no receipt store
// exists; dispatch receipts then fail as unavailable.
func NewVerifier(receipts ReceiptResolver, opts ...Option) *Verifier {
	v := &Verifier{
		receipts: receipts,
		thresholds: Thresholds{
			Base:      DefaultBaseDifficulty,
			Anonymous: DefaultAnonymousDifficulty,
		},
		timeout: timeouts.ReceiptResolve,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Thresholds returns the configured floors.
func (v *Verifier) Thresholds() Thresholds {
	return v.thresholds
}

// RequiredDifficulty returns the PoW floor that applies to c.
func (v *Verifier) RequiredDifficulty(c Context) int {
	if c.Anonymous() && c.RequirePostageAnonymous {
		return v.thresholds.Anonymous
	}
	return v.thresholds.Base
}

// Verify checks p for c. A nil p is the same as kind none.
func (v *Verifier) Verify(ctx context.Context, p *Postage, c Context) error {
	kind := KindOf(p)
	switch kind {
	case KindNone, KindPoW, KindReceipt:
	default:
		return apperrors.WithMetadata(apperrors.CodePostageKindUnknown, "unknown postage kind", map[string]any{
			"kind": kind,
		})
	}

	if c.Anonymous() && c.RequireReceiptAnonymous && kind != KindReceipt {
		return apperrors.New(apperrors.CodePostageReceiptRequired, "anonymous senders must cite a dispatch receipt")
	}
	if c.Anonymous() && c.RequirePostageAnonymous && kind == KindNone {
		return apperrors.New(apperrors.CodePostageRequired, "anonymous senders must attach postage")
	}

	switch kind {
	case KindPoW:
		return v.verifyPoW(p, c)
	case KindReceipt:
		return v.verifyReceipts(ctx, p.Receipts, c)
	default:
		return nil
	}
}

func (v *Verifier) verifyPoW(p *Postage, c Context) error {
	digest := strings.TrimSpace(p.Digest)
	if !digestPattern.MatchString(digest) {
		return apperrors.New(apperrors.CodePostagePowDigestInvalid, "digest must be lowercase hex of at least 6 characters")
	}
	if p.Difficulty > MaxDifficulty {
		return apperrors.WithMetadata(apperrors.CodeInvalidRequest, "pow difficulty exceeds the digest size", map[string]any{
			"maxDifficulty":    MaxDifficulty,
			"actualDifficulty": p.Difficulty,
		})
	}
	required := v.RequiredDifficulty(c)
	if p.Difficulty < required {
		return apperrors.WithMetadata(apperrors.CodePostagePowDifficultyTooLow, "pow difficulty below threshold", map[string]any{
			"requiredDifficulty": required,
			"actualDifficulty":   p.Difficulty,
		})
	}
	if !v.verifyWork {
		return nil
	}
	if digest != Challenge(c.ToHouseID, p.Nonce) {
		return apperrors.New(apperrors.CodePostagePowDigestInvalid, "digest does not match nonce")
	}
	bits, err := LeadingZeroBits(digest)
	if err != nil {
		return apperrors.Wrap(apperrors.CodePostagePowDigestInvalid, "decode digest", err)
	}
	if bits < p.Difficulty {
		return apperrors.WithMetadata(apperrors.CodePostagePowWorkInsufficient, "digest does not carry the claimed work", map[string]any{
			"requiredDifficulty": p.Difficulty,
			"actualDifficulty":   bits,
		})
	}
	return nil
}

func (v *Verifier) verifyReceipts(ctx context.Context, receipts []string, c Context) error {
	if len(receipts) == 0 {
		return apperrors.New(apperrors.CodePostageReceiptsEmpty, "receipts are required")
	}
	if len(receipts) > MaxReceipts {
		return apperrors.WithMetadata(apperrors.CodePostageReceiptIDInvalid, "too many receipts", map[string]any{
			"maxReceipts": MaxReceipts,
		})
	}
	seen := make(map[string]struct{}, len(receipts))
	for _, receiptID := range receipts {
		if !receiptIDPattern.MatchString(receiptID) {
			return apperrors.WithMetadata(apperrors.CodePostageReceiptIDInvalid, "malformed receipt id", map[string]any{
				"receiptId": receiptID,
			})
		}
		if _, dup := seen[receiptID]; dup {
			return apperrors.WithMetadata(apperrors.CodePostageReceiptDuplicate, "receipt cited twice", map[string]any{
				"receiptId": receiptID,
			})
		}
		seen[receiptID] = struct{}{}
	}

	for _, receiptID := range receipts {
		if !strings.HasPrefix(receiptID, DispatchReceiptPrefix) {
			continue
		}
		resolved, err := v.resolve(ctx, receiptID)
		if errors.Is(err, ErrReceiptNotFound) {
			return apperrors.WithMetadata(apperrors.CodePostageReceiptNotFound, "receipt not found", map[string]any{
				"receiptId": receiptID,
			})
		}
		if err != nil {
			return apperrors.Wrap(apperrors.CodeReceiptResolverUnavailable, "resolve receipt", err)
		}
		if resolved.ToHouseID != c.ToHouseID {
			return apperrors.WithMetadata(apperrors.CodePostageReceiptHouseMismatch, "receipt was issued for another house", map[string]any{
				"receiptId":         receiptID,
				"expectedToHouseId": c.ToHouseID,
				"receiptToHouseId":  resolved.ToHouseID,
			})
		}
	}
	return nil
}

func (v *Verifier) resolve(ctx context.Context, receiptID string) (ResolvedReceipt, error) {
	if v.receipts == nil {
		return ResolvedReceipt{}, fmt.Errorf("receipt resolver is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return v.receipts.ResolveReceipt(ctx, receiptID)
}
