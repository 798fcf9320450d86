package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter connects to a local Redis and clears test keys. Tests that
// call this helper require a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) (*Limiter, Rule) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	rule := Rule{Key: "rl:test:" + t.Name() + ":", Limit: 3, Window: 30 * time.Second}
	client.Del(ctx, rule.Key+"u1")
	t.Cleanup(func() {
		client.Del(ctx, rule.Key+"u1")
		client.Close()
	})
	return NewLimiter(client), rule
}

func TestAllowWithinLimit(t *testing.T) {
	l, rule := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < rule.Limit; i++ {
		ok, err := l.Allow(ctx, "u1", rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, _ := l.Allow(ctx, "u1", rule)
	if ok {
		t.Fatal("request over the limit should be rejected")
	}

	if n, _ := l.Remaining(ctx, "u1", rule); n != 0 {
		t.Errorf("expected 0 remaining, got %d", n)
	}
	if secs := l.RetryAfter(ctx, "u1", rule); secs <= 0 || secs > 30 {
		t.Errorf("expected retry-after in (0,30], got %d", secs)
	}
}

func TestRemainingFreshIdentifier(t *testing.T) {
	l, rule := newTestLimiter(t)

	n, err := l.Remaining(context.Background(), "u1", rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if n != rule.Limit {
		t.Fatalf("expected %d remaining, got %d", rule.Limit, n)
	}
}

func TestCheckReportsCountAndWindow(t *testing.T) {
	l, rule := newTestLimiter(t)
	ctx := context.Background()

	d, err := l.Check(ctx, "u1", rule)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("unexpected first decision: %+v", d)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > rule.Window {
		t.Errorf("expected retry-after within the window, got %s", d.RetryAfter)
	}
}

func TestFailOpenWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client)

	d, err := l.Check(context.Background(), "u1", RuleMessage)
	if err == nil {
		t.Fatal("expected an error from an unreachable redis")
	}
	if !d.Allowed {
		t.Fatal("limiter should fail open")
	}
	if secs := l.RetryAfter(context.Background(), "u1", RuleMessage); secs != 10 {
		t.Errorf("expected full window fallback 10, got %d", secs)
	}
}

func TestSecondsRoundsUp(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       1,
		200 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		10 * time.Second:        10,
	}
	for in, want := range cases {
		if got := seconds(in); got != want {
			t.Errorf("seconds(%s) = %d, want %d", in, got, want)
		}
	}
}
