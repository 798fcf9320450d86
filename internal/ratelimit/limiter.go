// Package ratelimit throttles per-user relay actions (chat messages, call
// offers) with fixed Redis counter windows. Every check is a single Lua call
// so the counter and its expiry are always created together.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one limit: at most Limit hits per Window, counted under Key+user.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage allows 20 chat messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleCallOffer allows 10 call offers per minute per user.
	RuleCallOffer = Rule{Key: "rl:call:", Limit: 10, Window: 1 * time.Minute}
)

// hitScript increments the window counter, starts the window on the first
// hit (or repairs a counter that lost its TTL) and returns {count, pttl}.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Count      int           // hits in the current window, including this one
	RetryAfter time.Duration // until the window resets
}

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Check records one hit for userID under rule. On Redis errors it fails open:
// the returned Decision allows the action and the error is reported.
func (l *Limiter) Check(ctx context.Context, userID string, rule Rule) (Decision, error) {
	key := rule.Key + userID
	res, err := hitScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err == nil && len(res) != 2 {
		err = errors.New("ratelimit: unexpected script reply")
	}
	if err != nil {
		log.Printf("[ratelimit] check failed key=%s: %v (failing open)", key, err)
		return Decision{Allowed: true}, err
	}
	count := int(res[0])
	return Decision{
		Allowed:    count <= rule.Limit,
		Count:      count,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}

// Allow reports whether userID may perform the action limited by rule.
func (l *Limiter) Allow(ctx context.Context, userID string, rule Rule) (bool, error) {
	d, err := l.Check(ctx, userID, rule)
	return d.Allowed, err
}

// RetryAfter returns whole seconds (at least 1) until userID's window for rule
// resets, or the full window when that cannot be determined.
func (l *Limiter) RetryAfter(ctx context.Context, userID string, rule Rule) int {
	ttl, err := l.client.PTTL(ctx, rule.Key+userID).Result()
	if err != nil || ttl <= 0 {
		return int(rule.Window / time.Second)
	}
	return seconds(ttl)
}

// Remaining returns how many hits userID has left in the current window.
func (l *Limiter) Remaining(ctx context.Context, userID string, rule Rule) (int, error) {
	count, err := l.client.Get(ctx, rule.Key+userID).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return rule.Limit, nil
	case err != nil:
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}

// seconds rounds d up to whole seconds, never below 1.
func seconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	return max(s, 1)
}
