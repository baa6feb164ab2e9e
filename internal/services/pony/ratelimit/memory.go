package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/elizatown/town/internal/platform/keylock"
)

// Memory is an in-process sliding-log limiter. Counters for one key are
// mutated under that key's lock.
type Memory struct {
	cfg   Config
	now   func() time.Time
	locks *keylock.Registry

	mu   sync.Mutex
	logs map[string][]time.Time
}

// NewMemory builds an in-process limiter.
func NewMemory(cfg Config, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		cfg:   cfg.withDefaults(),
		now:   now,
		locks: keylock.New(),
		logs:  make(map[string][]time.Time),
	}
}

// Allow implements Limiter.
func (m *Memory) Allow(ctx context.Context, key string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	unlock := m.locks.Lock(key)
	defer unlock()

	now := m.now()
	cutoff := now.Add(-m.cfg.Window)

	m.mu.Lock()
	events := m.logs[key]
	m.mu.Unlock()

	kept := events[:0]
	for _, at := range events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	decision := Decision{Limit: m.cfg.Quota}
	if len(kept) >= m.cfg.Quota {
		decision.RetryAfter = kept[0].Add(m.cfg.Window).Sub(now)
	} else {
		kept = append(kept, now)
		decision.Allowed = true
	}
	decision.Remaining = m.cfg.Quota - len(kept)

	m.mu.Lock()
	if len(kept) == 0 {
		delete(m.logs, key)
	} else {
		m.logs[key] = kept
	}
	m.mu.Unlock()
	return decision, nil
}
