// Package ratelimit bounds sends per unordered (sender, receiver) pair over a
// rolling window.
//
// Anonymous senders have no stable identity, so all of them share one bucket
// per receiver.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

// Defaults for the pony send limiter.
const (
	DefaultQuota  = 20
	DefaultWindow = time.Hour

	// AnonymousBucket stands in for the sender when it is anonymous.
	AnonymousBucket = "anon"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects one event for key. Allowed events are counted;
// rejected ones are not.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// PairKey returns the unordered key for a send between from and to. An empty
// from maps to the anonymous bucket.
func PairKey(from, to string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		from = AnonymousBucket
	}
	to = strings.TrimSpace(to)
	if to < from {
		from, to = to, from
	}
	return from + "|" + to
}

// Config is shared by every backend.
type Config struct {
	Quota  int
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Quota <= 0 {
		c.Quota = DefaultQuota
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}
