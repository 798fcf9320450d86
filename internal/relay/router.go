// Package relay is the event router: it applies decoded client events to the
// connection registry, forwards targeted events to their receivers and turns
// registry transitions into presence broadcasts.
package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/typing"
)

var (
	// ErrUnregisteredSender marks an event that needs a registered sender but
	// arrived on an unbound (or superseded) connection. Such events are ignored.
	ErrUnregisteredSender = errors.New("relay: sender not registered")

	// ErrTargetOffline marks a forward whose receiver has no live binding.
	ErrTargetOffline = errors.New("relay: target offline")
)

// Verifier resolves a registration token to a user identifier.
type Verifier interface {
	VerifyIdentity(ctx context.Context, token string) (string, error)
}

// Limiter throttles per-user actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// Closer is implemented by handles the router may close itself.
type Closer interface {
	Close() error
}

// Config holds router behavior switches.
type Config struct {
	// CloseSuperseded closes a user's previous connection when a newer one
	// registers. Otherwise the old connection stays open but unaddressable.
	CloseSuperseded bool
	// Debug logs ignored events (unknown kinds, unregistered senders,
	// offline targets).
	Debug bool
	// MessageRule and OfferRule apply when a Limiter is set.
	MessageRule ratelimit.Rule
	OfferRule   ratelimit.Rule
}

// DefaultConfig returns the standard router configuration.
func DefaultConfig() Config {
	return Config{
		MessageRule: ratelimit.RuleMessage,
		OfferRule:   ratelimit.RuleCallOffer,
	}
}

// Router dispatches typed events for every connection. Per-connection calls
// are sequential (the transport guarantees it); calls for different
// connections run concurrently.
type Router struct {
	config   Config
	registry *presence.Registry
	presence *presence.Broadcaster
	typing   *typing.Store
	verifier Verifier
	limiter  Limiter
	notify   *notifier

	// mu serializes registry mutations with their presence announcements so
	// one user's transitions reach every peer in order.
	mu sync.Mutex
}

// NewRouter creates a Router over the given registry and typing store.
func NewRouter(config Config, registry *presence.Registry, typingStore *typing.Store) *Router {
	return &Router{
		config:   config,
		registry: registry,
		presence: presence.NewBroadcaster(registry),
		typing:   typingStore,
		notify:   newNotifier(1024),
	}
}

// SetVerifier enables token verification on register.
func (r *Router) SetVerifier(v Verifier) {
	r.verifier = v
}

// SetLimiter enables rate limiting of messages and call offers.
func (r *Router) SetLimiter(l Limiter) {
	r.limiter = l
}

// AddObserver registers an observer for presence and message events. Must be
// called before Run.
func (r *Router) AddObserver(o Observer) {
	r.notify.add(o)
}

// Run delivers observer notifications until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	r.notify.run(ctx)
	return nil
}

// Registry returns the connection registry.
func (r *Router) Registry() *presence.Registry {
	return r.registry
}

// Typing returns the typing indicator store.
func (r *Router) Typing() *typing.Store {
	return r.typing
}

// HandleEvent applies one decoded client event from h. msg is one of the
// protocol client structs. The ws dispatcher answers ping itself; the ping
// case serves callers that drive the router directly.
func (r *Router) HandleEvent(h presence.Handle, msg interface{}) {
	start := time.Now()
	defer func() { metrics.EventLatency.Observe(time.Since(start).Seconds()) }()

	switch m := msg.(type) {
	case protocol.RegisterMsg:
		r.handleRegister(h, m)
	case protocol.ChatMsg:
		r.handleMessage(h, m)
	case protocol.TypingMsg:
		r.handleTyping(h, m)
	case protocol.CallOfferMsg:
		r.handleCallOffer(h, m)
	case protocol.CallAnswerMsg:
		r.forwardCall(h, protocol.TypeCallAnswer, protocol.ServerCallMsg{To: m.To, Signal: m.Signal})
	case protocol.CallRejectMsg:
		r.forwardCall(h, protocol.TypeCallReject, protocol.ServerCallMsg{To: m.To})
	case protocol.CallEndMsg:
		r.forwardCall(h, protocol.TypeCallEnd, protocol.ServerCallMsg{To: m.To})
	case protocol.IceCandidateMsg:
		r.forwardCall(h, protocol.TypeIceCandidate, protocol.ServerCallMsg{To: m.To, Candidate: m.Candidate})
	case protocol.PingMsg:
		// Unreached through the ws dispatcher.
		r.reply(h, protocol.TypePong, protocol.PongMsg{})
	default:
		r.debugf("relay: ignoring event %T from conn=%s", msg, h.ID())
	}
}

// HandleDisconnect releases h's binding, if it still holds one, and announces
// the user offline. It is idempotent.
func (r *Router) HandleDisconnect(h presence.Handle) {
	r.mu.Lock()
	userID, ok := r.registry.Unbind(h)
	if ok {
		r.goOfflineLocked(userID, h.ID())
	}
	r.mu.Unlock()

	if ok {
		log.Printf("relay: user=%s offline conn=%s (online=%d)", userID, h.ID(), r.registry.Count())
	}
}

// ---------------------------------------------------------------------------
// register
// ---------------------------------------------------------------------------

func (r *Router) handleRegister(h presence.Handle, m protocol.RegisterMsg) {
	userID := m.UserID
	if r.verifier != nil {
		if m.Token == "" {
			r.sendError(h, "invalid_token", "a token is required to register")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		verified, err := r.verifier.VerifyIdentity(ctx, m.Token)
		cancel()
		if err != nil {
			log.Printf("relay: register rejected conn=%s: %v", h.ID(), err)
			r.sendError(h, "invalid_token", "identity token rejected")
			return
		}
		if userID != "" && userID != verified {
			r.sendError(h, "invalid_token", "token does not match userId")
			return
		}
		userID = verified
	}
	if userID == "" {
		r.sendError(h, "malformed_frame", "userId is required")
		return
	}

	r.mu.Lock()
	res := r.registry.Bind(userID, h)
	if res.Released != "" {
		r.goOfflineLocked(res.Released, h.ID())
	}
	if res.Online {
		metrics.OnlineUsers.Inc()
		metrics.PresenceBroadcasts.WithLabelValues(string(presence.Online)).Inc()
		r.presence.Announce(userID, presence.Online)
		r.notify.online(userID, h.ID())
	} else if res.Superseded != nil {
		// No presence change, but observers must learn the new conn id so
		// the later offline matches what they stored.
		r.notify.online(userID, h.ID())
	}
	// The ack is enqueued under the lock so no presence event for a later
	// transition can overtake this snapshot on h.
	r.reply(h, protocol.TypeRegistrationAck, protocol.RegistrationAckMsg{
		UserID:         userID,
		ConnectedUsers: r.registry.ListOnline(),
	})
	r.mu.Unlock()

	if res.Superseded != nil {
		log.Printf("relay: user=%s re-registered conn=%s supersedes conn=%s", userID, h.ID(), res.Superseded.ID())
		if c, ok := res.Superseded.(Closer); ok && r.config.CloseSuperseded {
			_ = c.Close()
		}
	}
	if res.Online {
		log.Printf("relay: user=%s online conn=%s (online=%d)", userID, h.ID(), r.registry.Count())
	}
}

// goOfflineLocked announces userID offline and clears its ephemeral state.
// Caller holds r.mu.
func (r *Router) goOfflineLocked(userID, connID string) {
	metrics.OnlineUsers.Dec()
	metrics.PresenceBroadcasts.WithLabelValues(string(presence.Offline)).Inc()
	r.presence.Announce(userID, presence.Offline)
	r.typing.ClearSender(userID)
	r.notify.offline(userID, connID)
}

// ---------------------------------------------------------------------------
// message / typing
// ---------------------------------------------------------------------------

func (r *Router) handleMessage(h presence.Handle, m protocol.ChatMsg) {
	senderID, err := r.sender(h, protocol.TypeMessage)
	if err != nil {
		return
	}
	if !r.allow(h, senderID, r.config.MessageRule) {
		return
	}

	payload := protocol.ChatPayload{
		ID:         m.ID,
		SenderID:   senderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt,
	}
	if payload.ID == "" {
		payload.ID = uuid.New().String()
	}
	if len(payload.CreatedAt) == 0 {
		stamp, _ := time.Now().UTC().MarshalJSON()
		payload.CreatedAt = stamp
	}

	err = r.forward(protocol.TypeMessage, m.ReceiverID, protocol.ServerChatMsg{Data: payload})
	delivered := err == nil
	if err != nil && !errors.Is(err, ErrTargetOffline) {
		log.Printf("relay: message id=%s from=%s to=%s not delivered: %v", payload.ID, senderID, m.ReceiverID, err)
	}

	// Receipt is acknowledged regardless of delivery.
	r.reply(h, protocol.TypeMessageSent, protocol.MessageSentMsg{
		MessageID:  payload.ID,
		ReceiverID: m.ReceiverID,
	})
	r.notify.message(payload, delivered)
}

func (r *Router) handleTyping(h presence.Handle, m protocol.TypingMsg) {
	senderID, err := r.sender(h, protocol.TypeTyping)
	if err != nil {
		return
	}
	isTyping := m.IsTyping != nil && *m.IsTyping

	r.typing.SetTyping(senderID, m.ReceiverID, isTyping)
	_ = r.forward(protocol.TypeTyping, m.ReceiverID, protocol.ServerTypingMsg{
		SenderID: senderID,
		IsTyping: isTyping,
	})
}

// ---------------------------------------------------------------------------
// call signaling
// ---------------------------------------------------------------------------

func (r *Router) handleCallOffer(h presence.Handle, m protocol.CallOfferMsg) {
	senderID, err := r.sender(h, protocol.TypeCallOffer)
	if err != nil {
		return
	}
	if !r.allow(h, senderID, r.config.OfferRule) {
		return
	}
	_ = r.forward(protocol.TypeCallOffer, m.To, protocol.ServerCallMsg{
		From:     senderID,
		To:       m.To,
		Signal:   m.Signal,
		CallType: m.CallType,
	})
}

// forwardCall relays answer/reject/end/ice-candidate. Misses are silent: the
// caller has no delivery guarantee.
func (r *Router) forwardCall(h presence.Handle, kind string, out protocol.ServerCallMsg) {
	senderID, err := r.sender(h, kind)
	if err != nil {
		return
	}
	out.From = senderID
	_ = r.forward(kind, out.To, out)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// sender returns the user bound to h, or ErrUnregisteredSender.
func (r *Router) sender(h presence.Handle, kind string) (string, error) {
	userID, ok := r.registry.UserOf(h)
	if !ok {
		metrics.DeliveriesTotal.WithLabelValues(kind, "unregistered").Inc()
		r.debugf("relay: ignoring %s from unregistered conn=%s", kind, h.ID())
		return "", ErrUnregisteredSender
	}
	return userID, nil
}

// forward encodes payload as kind and enqueues it on receiverID's handle.
// A closed target is treated as an implicit disconnect.
func (r *Router) forward(kind, receiverID string, payload interface{}) error {
	target, ok := r.registry.Lookup(receiverID)
	if !ok {
		metrics.DeliveriesTotal.WithLabelValues(kind, "offline").Inc()
		r.debugf("relay: %s to offline user=%s dropped", kind, receiverID)
		return ErrTargetOffline
	}

	data, err := protocol.NewServerMessage(kind, payload)
	if err != nil {
		log.Printf("relay: failed to build %s: %v", kind, err)
		return err
	}

	if err := target.Send(data); err != nil {
		metrics.DeliveriesTotal.WithLabelValues(kind, "dropped").Inc()
		if errors.Is(err, presence.ErrHandleClosed) {
			r.HandleDisconnect(target)
		}
		return err
	}
	metrics.DeliveriesTotal.WithLabelValues(kind, "delivered").Inc()
	return nil
}

// allow applies rule to userID and tells h when it is over the limit.
func (r *Router) allow(h presence.Handle, userID string, rule ratelimit.Rule) bool {
	if r.limiter == nil || rule.Limit <= 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ok, _ := r.limiter.Allow(ctx, userID, rule)
	if ok {
		return true
	}
	r.reply(h, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: r.limiter.RetryAfter(ctx, userID, rule),
	})
	return false
}

// reply sends a server event back to h. Failures are logged only.
func (r *Router) reply(h presence.Handle, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("relay: failed to build %s for conn=%s: %v", msgType, h.ID(), err)
		return
	}
	if err := h.Send(data); err != nil && !errors.Is(err, presence.ErrHandleClosed) {
		log.Printf("relay: failed to send %s to conn=%s: %v", msgType, h.ID(), err)
	}
}

func (r *Router) sendError(h presence.Handle, code, message string) {
	r.reply(h, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (r *Router) debugf(format string, args ...interface{}) {
	if r.config.Debug {
		log.Printf(format, args...)
	}
}
