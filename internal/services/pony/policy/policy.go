// Package policy holds each house's receiver policy and evaluates sends
// against it.
package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/storage"
)

const (
	maxListEntries = 512
	maxEntryLen    = 128
)

// Policy is one house's receiver rules.
type Policy struct {
	HouseID                 string    `json:"houseId"`
	AllowAnonymous          bool      `json:"allowAnonymous"`
	AutoAcceptAllowlist     bool      `json:"autoAcceptAllowlist"`
	Allowlist               []string  `json:"allowlist"`
	Blocklist               []string  `json:"blocklist"`
	RequirePostageAnonymous bool      `json:"requirePostageAnonymous"`
	RequireReceiptAnonymous bool      `json:"requireReceiptAnonymous"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// Default is the policy of a house that never wrote one: anonymous sends are
// allowed and every message waits in request.
func Default(houseID string) Policy {
	return Policy{
		HouseID:        houseID,
		AllowAnonymous: true,
		Allowlist:      []string{},
		Blocklist:      []string{},
	}
}

// Blocks reports whether sender is on the blocklist.
func (p Policy) Blocks(sender string) bool {
	return sender != "" && slices.Contains(p.Blocklist, sender)
}

// Allows reports whether sender is on the allowlist.
func (p Policy) Allows(sender string) bool {
	return sender != "" && slices.Contains(p.Allowlist, sender)
}

// Patch is a partial policy update; nil fields keep their current value.
type Patch struct {
	AllowAnonymous          *bool     `json:"allowAnonymous"`
	AutoAcceptAllowlist     *bool     `json:"autoAcceptAllowlist"`
	Allowlist               *[]string `json:"allowlist"`
	Blocklist               *[]string `json:"blocklist"`
	RequirePostageAnonymous *bool     `json:"requirePostageAnonymous"`
	RequireReceiptAnonymous *bool     `json:"requireReceiptAnonymous"`
}

// Apply returns p with the patch applied and lists normalized.
func (patch Patch) Apply(p Policy) (Policy, error) {
	if patch.AllowAnonymous != nil {
		p.AllowAnonymous = *patch.AllowAnonymous
	}
	if patch.AutoAcceptAllowlist != nil {
		p.AutoAcceptAllowlist = *patch.AutoAcceptAllowlist
	}
	if patch.RequirePostageAnonymous != nil {
		p.RequirePostageAnonymous = *patch.RequirePostageAnonymous
	}
	if patch.RequireReceiptAnonymous != nil {
		p.RequireReceiptAnonymous = *patch.RequireReceiptAnonymous
	}
	var err error
	if patch.Allowlist != nil {
		if p.Allowlist, err = normalizeList("allowlist", *patch.Allowlist); err != nil {
			return Policy{}, err
		}
	}
	if patch.Blocklist != nil {
		if p.Blocklist, err = normalizeList("blocklist", *patch.Blocklist); err != nil {
			return Policy{}, err
		}
	}
	return p, nil
}

func normalizeList(field string, values []string) ([]string, error) {
	if len(values) > maxListEntries {
		return nil, apperrors.WithMetadata(apperrors.CodePolicyInvalid, "policy list too long", map[string]any{
			"field":      field,
			"maxEntries": maxListEntries,
		})
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || len(v) > maxEntryLen {
			return nil, apperrors.WithMetadata(apperrors.CodePolicyInvalid, "invalid policy list entry", map[string]any{
				"field": field,
			})
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// Store persists policies. GetPolicy returns storage.ErrNotFound when the
// house never wrote one.
type Store interface {
	GetPolicy(ctx context.Context, houseID string) (Policy, error)
	PutPolicy(ctx context.Context, policy Policy) error
}

// Service reads and writes policies.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService builds a policy service over store.
func NewService(store Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now}
}

// Get returns houseID's policy, or the default when none was written.
func (s *Service) Get(ctx context.Context, houseID string) (Policy, error) {
	if s == nil || s.store == nil {
		return Policy{}, fmt.Errorf("policy store is not configured")
	}
	p, err := s.store.GetPolicy(ctx, houseID)
	if errors.Is(err, storage.ErrNotFound) {
		return Default(houseID), nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

// Update applies patch to houseID's policy.
func (s *Service) Update(ctx context.Context, houseID string, patch Patch) (Policy, error) {
	current, err := s.Get(ctx, houseID)
	if err != nil {
		return Policy{}, err
	}
	next, err := patch.Apply(current)
	if err != nil {
		return Policy{}, err
	}
	next.HouseID = houseID
	next.UpdatedAt = s.now().UTC()
	if err := s.store.PutPolicy(ctx, next); err != nil {
		return Policy{}, fmt.Errorf("put policy: %w", err)
	}
	return next, nil
}
