package policy

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/services/pony/postage"
	"github.com/elizatown/town/internal/services/pony/ratelimit"
)

type countingVerifier struct {
	inner *postage.Verifier
	calls int
}

func (c *countingVerifier) Verify(ctx context.Context, p *postage.Postage, pc postage.Context) error {
	c.calls++
	return c.inner.Verify(ctx, p, pc)
}

func newTestEngine(quota int) (*Engine, *countingVerifier) {
	verifier := &countingVerifier{inner: postage.NewVerifier(nil)}
	limiter := ratelimit.NewMemory(ratelimit.Config{Quota: quota, Window: time.Hour}, nil)
	return NewEngine(verifier, limiter), verifier
}

func TestBlocklistWinsOverAllowlist(t *testing.T) {
	engine, verifier := newTestEngine(20)
	p := Default("to")
	p.Allowlist = []string{"from"}
	p.Blocklist = []string{"from"}
	p.AutoAcceptAllowlist = true

	_, err := engine.Evaluate(context.Background(), p, Send{FromHouseID: "from", ToHouseID: "to"})
	if !apperrors.HasCode(err, apperrors.CodeSenderBlocked) {
		t.Fatalf("err = %v, want SENDER_BLOCKED", err)
	}
	if verifier.calls != 0 {
		t.Fatalf("postage verified %d times after block, want 0", verifier.calls)
	}
}

func TestAnonymousNotAllowed(t *testing.T) {
	engine, _ := newTestEngine(20)
	p := Default("to")
	p.AllowAnonymous = false
	_, err := engine.Evaluate(context.Background(), p, Send{ToHouseID: "to"})
	if !apperrors.HasCode(err, apperrors.CodeAnonymousNotAllowed) {
		t.Fatalf("err = %v, want ANONYMOUS_NOT_ALLOWED", err)
	}
}

func TestPostageRequiredForAnonymous(t *testing.T) {
	engine, _ := newTestEngine(20)
	p := Default("to")
	p.RequirePostageAnonymous = true

	_, err := engine.Evaluate(context.Background(), p, Send{ToHouseID: "to"})
	if !apperrors.HasCode(err, apperrors.CodePostageRequired) {
		t.Fatalf("err = %v, want POSTAGE_REQUIRED", err)
	}
	out, err := engine.Evaluate(context.Background(), p, Send{
		ToHouseID: "to",
		Postage:   &postage.Postage{Kind: postage.KindPoW, Nonce: "n", Digest: "00ff00ff", Difficulty: 10},
	})
	if err != nil {
		t.Fatalf("evaluate with postage: %v", err)
	}
	if out.Accept {
		t.Fatal("anonymous sends stay in request")
	}
}

func TestRateLimitAfterQuota(t *testing.T) {
	engine, _ := newTestEngine(20)
	p := Default("to")
	for i := 0; i < 20; i++ {
		if _, err := engine.Evaluate(context.Background(), p, Send{FromHouseID: "from", ToHouseID: "to"}); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	_, err := engine.Evaluate(context.Background(), p, Send{FromHouseID: "from", ToHouseID: "to"})
	if !apperrors.HasCode(err, apperrors.CodeRateLimitedPony) {
		t.Fatalf("err = %v, want RATE_LIMITED_PONY", err)
	}
}

func TestRejectedPostageDoesNotConsumeQuota(t *testing.T) {
	engine, _ := newTestEngine(1)
	p := Default("to")
	p.RequirePostageAnonymous = true
	if _, err := engine.Evaluate(context.Background(), p, Send{ToHouseID: "to"}); err == nil {
		t.Fatal("expected postage failure")
	}
	ok := &postage.Postage{Kind: postage.KindPoW, Digest: "00ff00ff", Difficulty: 10}
	if _, err := engine.Evaluate(context.Background(), p, Send{ToHouseID: "to", Postage: ok}); err != nil {
		t.Fatalf("first paid send should still fit the quota: %v", err)
	}
}

func TestAcceptanceDecision(t *testing.T) {
	engine, _ := newTestEngine(20)
	tests := []struct {
		name       string
		autoAccept bool
		allowlist  []string
		from       string
		want       bool
	}{
		{name: "allowlisted with auto accept", autoAccept: true, allowlist: []string{"friend"}, from: "friend", want: true},
		{name: "allowlisted without auto accept", autoAccept: false, allowlist: []string{"friend"}, from: "friend", want: false},
		{name: "not allowlisted", autoAccept: true, allowlist: []string{"friend"}, from: "stranger", want: false},
		{name: "anonymous", autoAccept: true, allowlist: []string{"friend"}, from: "", want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := Default("to")
			p.AutoAcceptAllowlist = tc.autoAccept
			p.Allowlist = tc.allowlist
			out, err := engine.Evaluate(context.Background(), p, Send{FromHouseID: tc.from, ToHouseID: "to"})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if out.Accept != tc.want {
				t.Fatalf("accept = %v, want %v", out.Accept, tc.want)
			}
		})
	}
}
