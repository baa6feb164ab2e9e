package policy

import (
	"context"
	"fmt"
	"math"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/services/pony/postage"
	"github.com/elizatown/town/internal/services/pony/ratelimit"
)

// PostageVerifier checks postage for one send.
type PostageVerifier interface {
	Verify(ctx context.Context, p *postage.Postage, c postage.Context) error
}

// Send is the part of a send the engine evaluates.
type Send struct {
	FromHouseID string
	ToHouseID   string
	Postage     *postage.Postage
}

// Outcome is the engine's verdict for an admitted send.
type Outcome struct {
	// Accept is true when the message skips the request state.
	Accept bool
}

// Engine evaluates sends in a fixed order: blocklist, anonymity, postage,
// rate limit, then the acceptance decision. The first failing step wins.
type Engine struct {
	postage PostageVerifier
	limiter ratelimit.Limiter
}

// NewEngine builds an engine.
func NewEngine(verifier PostageVerifier, limiter ratelimit.Limiter) *Engine {
	return &Engine{postage: verifier, limiter: limiter}
}

// Evaluate runs the policy for s.
func (e *Engine) Evaluate(ctx context.Context, p Policy, s Send) (Outcome, error) {
	if e == nil || e.postage == nil || e.limiter == nil {
		return Outcome{}, fmt.Errorf("policy engine is not configured")
	}
	anonymous := s.FromHouseID == ""

	if p.Blocks(s.FromHouseID) {
		return Outcome{}, apperrors.New(apperrors.CodeSenderBlocked, "sender is blocked")
	}
	if anonymous && !p.AllowAnonymous {
		return Outcome{}, apperrors.New(apperrors.CodeAnonymousNotAllowed, "house does not accept anonymous messages")
	}
	if err := e.postage.Verify(ctx, s.Postage, postage.Context{
		FromHouseID:             s.FromHouseID,
		ToHouseID:               s.ToHouseID,
		RequirePostageAnonymous: p.RequirePostageAnonymous,
		RequireReceiptAnonymous: p.RequireReceiptAnonymous,
	}); err != nil {
		return Outcome{}, err
	}

	decision, err := e.limiter.Allow(ctx, ratelimit.PairKey(s.FromHouseID, s.ToHouseID))
	if err != nil {
		return Outcome{}, fmt.Errorf("rate limit: %w", err)
	}
	if !decision.Allowed {
		return Outcome{}, apperrors.WithMetadata(apperrors.CodeRateLimitedPony, "rate limit exceeded", map[string]any{
			"limit":             decision.Limit,
			"retryAfterSeconds": int(math.Ceil(decision.RetryAfter.Seconds())),
		})
	}

	return Outcome{Accept: !anonymous && p.AutoAcceptAllowlist && p.Allows(s.FromHouseID)}, nil
}
