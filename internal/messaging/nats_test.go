package messaging

import (
	"context"
	"testing"
	"time"
)

// newTestNATS connects to a local NATS server, skipping when none is running.
func newTestNATS(t *testing.T) *NATSClient {
	t.Helper()
	config := DefaultNATSConfig()
	config.MaxReconnects = 0
	c, err := NewNATSClient(config)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNATSPublishSubscribe(t *testing.T) {
	c := newTestNATS(t)

	type delivery struct {
		subject string
		data    string
	}
	got := make(chan delivery, 4)
	if err := c.Subscribe(SubjectAll, func(subject string, data []byte) {
		got <- delivery{subject, string(data)}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.conn.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	p := NewEventPublisher(c, "relay-test")
	p.UserOnline(context.Background(), "u1", "c1")

	select {
	case d := <-got:
		if d.subject != SubjectPresenceOnline {
			t.Fatalf("expected %s, got %s", SubjectPresenceOnline, d.subject)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence event")
	}
}

func TestNATSPublishCancelledContext(t *testing.T) {
	c := newTestNATS(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Publish(ctx, SubjectMessage, "u1", []byte("{}")); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
