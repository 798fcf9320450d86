package messaging

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/whisper/relay/internal/protocol"
)

// Publisher sends one encoded event. key groups events that must stay in
// order (the user id); brokers without partitions may ignore it.
type Publisher interface {
	Publish(ctx context.Context, subject, key string, data []byte) error
}

// PresenceEvent is published on every online/offline transition.
type PresenceEvent struct {
	UserID string    `json:"userId"`
	ConnID string    `json:"connectionId"`
	Online bool      `json:"online"`
	Server string    `json:"server"`
	At     time.Time `json:"at"`
}

// MessageEvent is published for every relayed chat message, delivered or
// not, so a downstream worker can persist it or push a notification to an
// offline receiver.
type MessageEvent struct {
	Message   protocol.ChatPayload `json:"message"`
	Delivered bool                 `json:"delivered"`
	Server    string               `json:"server"`
	At        time.Time            `json:"at"`
}

// EventPublisher turns router notifications into broker events. It
// satisfies relay.Observer.
type EventPublisher struct {
	pub    Publisher
	server string
	now    func() time.Time
}

// NewEventPublisher creates an EventPublisher tagging events with server.
func NewEventPublisher(pub Publisher, server string) *EventPublisher {
	return &EventPublisher{pub: pub, server: server, now: time.Now}
}

// UserOnline publishes a PresenceEvent on SubjectPresenceOnline.
func (p *EventPublisher) UserOnline(ctx context.Context, userID, connID string) {
	p.publish(ctx, SubjectPresenceOnline, userID, PresenceEvent{
		UserID: userID, ConnID: connID, Online: true, Server: p.server, At: p.now(),
	})
}

// UserOffline publishes a PresenceEvent on SubjectPresenceOffline.
func (p *EventPublisher) UserOffline(ctx context.Context, userID, connID string) {
	p.publish(ctx, SubjectPresenceOffline, userID, PresenceEvent{
		UserID: userID, ConnID: connID, Online: false, Server: p.server, At: p.now(),
	})
}

// MessageRelayed publishes a MessageEvent on SubjectMessage keyed by the
// receiver.
func (p *EventPublisher) MessageRelayed(ctx context.Context, msg protocol.ChatPayload, delivered bool) {
	p.publish(ctx, SubjectMessage, msg.ReceiverID, MessageEvent{
		Message: msg, Delivered: delivered, Server: p.server, At: p.now(),
	})
}

func (p *EventPublisher) publish(ctx context.Context, subject, key string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[tap] failed to encode %s: %v", subject, err)
		return
	}
	if err := p.pub.Publish(ctx, subject, key, data); err != nil {
		log.Printf("[tap] failed to publish %s key=%s: %v", subject, key, err)
	}
}
