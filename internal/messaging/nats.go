// Package messaging taps relay events (presence transitions, relayed
// messages) onto a broker for downstream consumers such as persistence or
// push-notification workers. It wraps NATS and Kafka behind one Publisher
// interface.
package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects relay events are published on. Kafka carries the subject in a
// message header.
const (
	SubjectPresenceOnline  = "relay.presence.online"
	SubjectPresenceOffline = "relay.presence.offline"
	SubjectMessage         = "relay.message"
	SubjectAll             = "relay.>" // NATS wildcard for every relay event
)

// KeyHeader carries the ordering key on NATS messages.
const KeyHeader = "Relay-Key"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string        // client name shown in server monitoring
	ReconnectWait time.Duration // delay between reconnect attempts
	MaxReconnects int           // -1 retries forever
	FlushTimeout  time.Duration // bound on the final flush in Close
}

// DefaultNATSConfig returns the relay's NATS defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		FlushTimeout:  5 * time.Second,
	}
}

// NATSClient publishes relay events to NATS and lets tools subscribe to them.
type NATSClient struct {
	conn         *nats.Conn
	flushTimeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSClient connects to config.URL. The initial connection must succeed;
// later outages are retried in the background.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[nats] async error on %s: %v", sub.Subject, err)
				return
			}
			log.Printf("[nats] async error: %v", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", config.URL, err)
	}
	log.Printf("[nats] connected to %s as %q", nc.ConnectedUrl(), config.Name)

	flush := config.FlushTimeout
	if flush <= 0 {
		flush = 5 * time.Second
	}
	return &NATSClient{conn: nc, flushTimeout: flush}, nil
}

// Publish sends data on subject. NATS has no partitions, so key travels in
// KeyHeader for consumers that shard by user.
func (c *NATSClient) Publish(ctx context.Context, subject, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	if key != "" {
		msg.Header.Set(KeyHeader, key)
	}
	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe calls handler for every message on subject (wildcards allowed)
// until Close.
func (c *NATSClient) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close flushes pending publishes, drains subscriptions and closes the
// connection.
func (c *NATSClient) Close() error {
	if err := c.conn.FlushTimeout(c.flushTimeout); err != nil {
		log.Printf("[nats] flush before close: %v", err)
	}

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe %s: %v", sub.Subject, err)
		}
	}

	if err := c.conn.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	log.Printf("[nats] client closed")
	return nil
}
