package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/elizatown/town/internal/platform/id"
	"github.com/elizatown/town/internal/platform/timeouts"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims the sorted set to the window, then adds the event when
// the remaining count is under quota. Returns {allowed, count, oldestMillis}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local quota = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < quota then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  return {1, count + 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, count, tonumber(oldest[2])}
`)

// Redis is a sliding-window limiter shared across relay processes.
type Redis struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedis builds a Redis-backed limiter. Keys are stored under prefix.
func NewRedis(client redis.UniversalClient, cfg Config, prefix string) *Redis {
	if prefix == "" {
		prefix = "town:ratelimit:"
	}
	return &Redis{client: client, cfg: cfg.withDefaults(), prefix: prefix, now: time.Now}
}

// Allow implements Limiter.
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	if r == nil || r.client == nil {
		return Decision{}, fmt.Errorf("redis limiter is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.RateLimit)
	defer cancel()

	member, err := id.NewID()
	if err != nil {
		return Decision{}, err
	}
	now := r.now().UnixMilli()
	window := r.cfg.Window.Milliseconds()
	res, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + key},
		now, window, r.cfg.Quota, strconv.FormatInt(now, 10)+"-"+member).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit reply length %d", len(res))
	}
	decision := Decision{
		Allowed:   res[0] == 1,
		Limit:     r.cfg.Quota,
		Remaining: r.cfg.Quota - int(res[1]),
	}
	if !decision.Allowed && res[2] > 0 {
		decision.RetryAfter = time.Duration(res[2]+window-now) * time.Millisecond
	}
	return decision, nil
}
