package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/typing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// fakeConn is an in-memory presence.Handle that records outbound frames.
type fakeConn struct {
	id      string
	mu      sync.Mutex
	frames  []map[string]json.RawMessage
	sendErr error
	closed  bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		panic("router sent invalid JSON: " + string(data))
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// take returns and clears the recorded frames.
func (c *fakeConn) take() []map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.frames
	c.frames = nil
	return out
}

func frameType(f map[string]json.RawMessage) string {
	var s string
	_ = json.Unmarshal(f["type"], &s)
	return s
}

func str(f map[string]json.RawMessage, key string) string {
	var s string
	_ = json.Unmarshal(f[key], &s)
	return s
}

func newTestRouter() *Router {
	return NewRouter(DefaultConfig(), presence.NewRegistry(), typing.NewStore(clock.NewMock(), 0))
}

func register(t *testing.T, r *Router, userID string) *fakeConn {
	t.Helper()
	c := newFakeConn("conn-" + userID)
	r.HandleEvent(c, protocol.RegisterMsg{Type: protocol.TypeRegister, UserID: userID})
	frames := c.take()
	if len(frames) == 0 || frameType(frames[len(frames)-1]) != protocol.TypeRegistrationAck {
		t.Fatalf("register %s: expected registration-ack, got %v", userID, frames)
	}
	return c
}

func boolPtr(b bool) *bool { return &b }

// ---------------------------------------------------------------------------
// Registration and presence
// ---------------------------------------------------------------------------

func TestRegisterAckCarriesOnlineSnapshot(t *testing.T) {
	r := newTestRouter()
	register(t, r, "u1")

	c2 := newFakeConn("c2")
	r.HandleEvent(c2, protocol.RegisterMsg{UserID: "u2"})

	frames := c2.take()
	if len(frames) != 1 {
		t.Fatalf("expected only the ack, got %d frames", len(frames))
	}
	var users []string
	_ = json.Unmarshal(frames[0]["connectedUsers"], &users)
	if strings.Join(users, ",") != "u1,u2" {
		t.Fatalf("expected connectedUsers [u1 u2], got %v", users)
	}
	if str(frames[0], "userId") != "u2" {
		t.Errorf("expected userId u2 in ack, got %q", str(frames[0], "userId"))
	}
}

func TestNewRegistrationBroadcastsOnlineOnce(t *testing.T) {
	r := newTestRouter()
	c1 := register(t, r, "u1")
	c2 := register(t, r, "u2")

	got := c1.take()
	if len(got) != 1 || frameType(got[0]) != protocol.TypeUserOnline || str(got[0], "userId") != "u2" {
		t.Fatalf("u1 expected one user-online for u2, got %v", got)
	}
	if extra := c2.take(); len(extra) != 0 {
		t.Fatalf("u2 must not hear about itself, got %v", extra)
	}
}

func TestReplacementRegistrationDoesNotBroadcast(t *testing.T) {
	r := newTestRouter()
	c1 := register(t, r, "u1")
	old := register(t, r, "u2")
	c1.take()

	fresh := newFakeConn("conn-u2-b")
	r.HandleEvent(fresh, protocol.RegisterMsg{UserID: "u2"})

	if got := c1.take(); len(got) != 0 {
		t.Fatalf("replacement must not broadcast, u1 got %v", got)
	}
	if old.closed {
		t.Fatal("superseded connection must stay open by default")
	}

	// The superseded connection is no longer addressable.
	r.HandleEvent(c1, protocol.ChatMsg{ReceiverID: "u2", Text: "hi"})
	if got := old.take(); len(got) != 0 {
		t.Fatalf("superseded connection received %v", got)
	}
	if got := fresh.take(); len(got) != 2 || frameType(got[1]) != protocol.TypeMessage {
		t.Fatalf("expected ack + message on new connection, got %v", got)
	}
}

func TestCloseSupersededOption(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CloseSuperseded = true
	r := NewRouter(cfg, presence.NewRegistry(), typing.NewStore(clock.NewMock(), 0))

	old := register(t, r, "u1")
	register(t, r, "u1")

	if !old.closed {
		t.Fatal("expected superseded connection to be closed")
	}
}

func TestStaleDisconnectKeepsNewerBinding(t *testing.T) {
	r := newTestRouter()
	peer := register(t, r, "p")
	old := register(t, r, "u1")
	fresh := newFakeConn("conn-u1-b")
	r.HandleEvent(fresh, protocol.RegisterMsg{UserID: "u1"})
	peer.take()

	r.HandleDisconnect(old)

	if got := peer.take(); len(got) != 0 {
		t.Fatalf("stale disconnect must not announce offline, got %v", got)
	}
	if h, ok := r.Registry().Lookup("u1"); !ok || h.ID() != fresh.ID() {
		t.Fatal("stale disconnect evicted the newer registration")
	}
}

func TestDisconnectAnnouncesOfflineExactlyOnce(t *testing.T) {
	r := newTestRouter()
	c1 := register(t, r, "u1")
	c2 := register(t, r, "u2")
	c3 := register(t, r, "u3")
	c2.take()
	c3.take()

	r.HandleDisconnect(c1)
	r.HandleDisconnect(c1)

	for _, c := range []*fakeConn{c2, c3} {
		got := c.take()
		if len(got) != 1 || frameType(got[0]) != protocol.TypeUserOffline || str(got[0], "userId") != "u1" {
			t.Errorf("%s: expected one user-offline for u1, got %v", c.id, got)
		}
	}
	if _, ok := r.Registry().Lookup("u1"); ok {
		t.Fatal("u1 still online after disconnect")
	}
}

func TestReregisterUnderNewIdentityReleasesOld(t *testing.T) {
	r := newTestRouter()
	peer := register(t, r, "p")
	c := register(t, r, "u1")
	peer.take()

	r.HandleEvent(c, protocol.RegisterMsg{UserID: "u2"})

	got := peer.take()
	if len(got) != 2 {
		t.Fatalf("expected offline then online, got %v", got)
	}
	if frameType(got[0]) != protocol.TypeUserOffline || str(got[0], "userId") != "u1" {
		t.Errorf("expected user-offline u1 first, got %v", got[0])
	}
	if frameType(got[1]) != protocol.TypeUserOnline || str(got[1], "userId") != "u2" {
		t.Errorf("expected user-online u2 second, got %v", got[1])
	}
}

// ---------------------------------------------------------------------------
// Forwarding
// ---------------------------------------------------------------------------

func TestMessageForwardedAndAcknowledged(t *testing.T) {
	r := newTestRouter()
	c1 := register(t, r, "u1")
	c2 := register(t, r, "u2")
	c3 := register(t, r, "u3")
	c1.take()
	c2.take()
	c3.take()

	r.HandleEvent(c1, protocol.ChatMsg{
		Type: protocol.TypeMessage, SenderID: "u1", ReceiverID: "u2", Text: "hi", ID: "m1",
		CreatedAt: json.RawMessage(`"2024-05-01T10:00:00Z"`),
	})

	got := c2.take()
	if len(got) != 1 || frameType(got[0]) != protocol.TypeMessage {
		t.Fatalf("u2 expected one message, got %v", got)
	}
	var data protocol.ChatPayload
	if err := json.Unmarshal(got[0]["data"], &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Text != "hi" || data.ID != "m1" || data.SenderID != "u1" || data.ReceiverID != "u2" {
		t.Errorf("unexpected payload: %+v", data)
	}
	if string(data.CreatedAt) != `"2024-05-01T10:00:00Z"` {
		t.Errorf("createdAt changed: %s", data.CreatedAt)
	}

	acks := c1.take()
	if len(acks) != 1 || frameType(acks[0]) != protocol.TypeMessageSent || str(acks[0], "messageId") != "m1" {
		t.Fatalf("u1 expected exactly one message-sent m1, got %v", acks)
	}
	if got := c3.take(); len(got) != 0 {
		t.Fatalf("u3 must receive nothing, got %v", got)
	}
}

func TestMessageSenderIsBoundIdentity(t *testing.T) {
	r := newTestRouter()
	c1 := register(t, r, "u1")
	c2 := register(t, r, "u2")
	c2.take()

	r.HandleEvent(c1, protocol.ChatMsg{SenderID: "mallory", ReceiverID: "u2", Text: "hi"})

	got := c2.take()
	var data protocol.ChatPayload
	_ = json.Unmarshal(got[0]["data"], &data)
	if data.SenderID != "u1" {
		t.Fatalf("expected senderId u1, got %q", data.SenderID)
	}
	if data.ID == "" || len(data.CreatedAt) == 0 {
		t.Fatalf("expected generated id and createdAt, got %+v", data)
	}
}

func TestMessageToOfflineUserStillAcknowledged(t *testing.T) {
	r := newTestRouter()
	c1 := register(t, r, "u1")

	r.HandleEvent(c1, protocol.ChatMsg{ReceiverID: "ghost", Text: "hello?", ID: "m9"})

	got := c1.take()
	if len(got) != 1 || frameType(got[0]) != protocol.TypeMessageSent || str(got[0], "messageId") != "m9" {
		t.Fatalf("expected only message-sent, got %v", got)
	}
}

func TestCallEventsToOfflineUserAreSilent(t *testing.T) {
	r := newTestRouter()
	c1 := register(t, r, "u1")

	r.HandleEvent(c1, protocol.CallOfferMsg{To: "ghost", Signal: json.RawMessage(`{}`), CallType: protocol.CallTypeVoice})
	r.HandleEvent(c1, protocol.IceCandidateMsg{To: "ghost", Candidate: json.RawMessage(`{}`)})
	r.HandleEvent(c1, protocol.CallEndMsg{To: "ghost"})

	if got := c1.take(); len(got) != 0 {
		t.Fatalf("sender must get nothing for call events, got %v", got)
	}
}

func TestCallSignalingForwardedUnchanged(t *testing.T) {
	r := newTestRouter()
	c1 := register(t, r, "u1")
	c2 := register(t, r, "u2")
	c1.take()

	signal := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1"}`)
	r.HandleEvent(c1, protocol.CallOfferMsg{To: "u2", From: "spoof", Signal: signal, CallType: protocol.CallTypeVideo})
	r.HandleEvent(c2, protocol.CallAnswerMsg{To: "u1", Signal: json.RawMessage(`{"type":"answer"}`)})
	r.HandleEvent(c2, protocol.IceCandidateMsg{To: "u1", Candidate: json.RawMessage(`{"candidate":"c1"}`)})
	r.HandleEvent(c2, protocol.CallRejectMsg{To: "u1"})

	offer := c2.take()
	if len(offer) != 1 || frameType(offer[0]) != protocol.TypeCallOffer {
		t.Fatalf("u2 expected call-offer, got %v", offer)
	}
	if str(offer[0], "from") != "u1" || str(offer[0], "callType") != "video" {
		t.Errorf("unexpected offer fields: %v", offer[0])
	}
	if string(offer[0]["signal"]) != string(signal) {
		t.Errorf("signal changed: %s", offer[0]["signal"])
	}

	back := c1.take()
	want := []string{protocol.TypeCallAnswer, protocol.TypeIceCandidate, protocol.TypeCallReject}
	if len(back) != len(want) {
		t.Fatalf("u1 expected %v, got %v", want, back)
	}
	for i, typ := range want {
		if frameType(back[i]) != typ || str(back[i], "from") != "u2" {
			t.Errorf("frame %d: expected %s from u2, got %v", i, typ, back[i])
		}
	}
}

func TestEventsBeforeRegistrationIgnored(t *testing.T) {
	r := newTestRouter()
	c2 := register(t, r, "u2")
	anon := newFakeConn("anon")

	r.HandleEvent(anon, protocol.ChatMsg{ReceiverID: "u2", Text: "hi"})
	r.HandleEvent(anon, protocol.TypingMsg{ReceiverID: "u2", IsTyping: boolPtr(true)})
	r.HandleEvent(anon, protocol.CallOfferMsg{To: "u2", Signal: json.RawMessage(`{}`), CallType: "voice"})

	if got := anon.take(); len(got) != 0 {
		t.Fatalf("unregistered sender must get nothing, got %v", got)
	}
	if got := c2.take(); len(got) != 0 {
		t.Fatalf("receiver must get nothing, got %v", got)
	}
}

func TestPingAnsweredWithoutRegistration(t *testing.T) {
	r := newTestRouter()
	anon := newFakeConn("anon")

	r.HandleEvent(anon, protocol.PingMsg{Type: protocol.TypePing})

	got := anon.take()
	if len(got) != 1 || frameType(got[0]) != protocol.TypePong {
		t.Fatalf("expected pong, got %v", got)
	}
}

func TestTypingUpdatesStoreAndForwards(t *testing.T) {
	r := newTestRouter()
	c1 := register(t, r, "u1")
	c2 := register(t, r, "u2")
	c1.take()

	r.HandleEvent(c1, protocol.TypingMsg{ReceiverID: "u2", IsTyping: boolPtr(true)})

	got := c2.take()
	if len(got) != 1 || frameType(got[0]) != protocol.TypeTyping || str(got[0], "senderId") != "u1" {
		t.Fatalf("u2 expected typing from u1, got %v", got)
	}
	if users := r.Typing().GetTypingUsers("u2"); len(users) != 1 || users[0] != "u1" {
		t.Fatalf("expected store to hold u1, got %v", users)
	}

	r.HandleDisconnect(c1)
	if users := r.Typing().GetTypingUsers("u2"); len(users) != 0 {
		t.Fatalf("expected typing cleared on disconnect, got %v", users)
	}
}

// ---------------------------------------------------------------------------
// Isolation
// ---------------------------------------------------------------------------

func TestSlowConsumerDoesNotBlockOthers(t *testing.T) {
	r := newTestRouter()
	c1 := register(t, r, "u1")
	slow := register(t, r, "slow")
	fast := register(t, r, "fast")
	slow.sendErr = presence.ErrBackpressure
	fast.take()

	done := make(chan struct{})
	go func() {
		r.HandleEvent(c1, protocol.ChatMsg{ReceiverID: "slow", Text: "1"})
		r.HandleEvent(c1, protocol.ChatMsg{ReceiverID: "fast", Text: "2"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarding stalled behind a slow consumer")
	}
	if got := fast.take(); len(got) != 1 || frameType(got[0]) != protocol.TypeMessage {
		t.Fatalf("fast consumer expected its message, got %v", got)
	}
	if _, ok := r.Registry().Lookup("slow"); !ok {
		t.Fatal("backpressure alone must not unbind the slow consumer")
	}
}

func TestClosedTargetIsImplicitDisconnect(t *testing.T) {
	r := newTestRouter()
	c1 := register(t, r, "u1")
	dead := register(t, r, "u2")
	c1.take()
	dead.sendErr = presence.ErrHandleClosed

	r.HandleEvent(c1, protocol.ChatMsg{ReceiverID: "u2", Text: "hi", ID: "m1"})

	got := c1.take()
	if len(got) != 2 {
		t.Fatalf("expected user-offline and message-sent, got %v", got)
	}
	if frameType(got[0]) != protocol.TypeUserOffline || frameType(got[1]) != protocol.TypeMessageSent {
		t.Fatalf("unexpected frames: %v", got)
	}
	if _, ok := r.Registry().Lookup("u2"); ok {
		t.Fatal("dead target still bound")
	}
}

// ---------------------------------------------------------------------------
// Verifier and limiter
// ---------------------------------------------------------------------------

type fakeVerifier map[string]string

func (f fakeVerifier) VerifyIdentity(_ context.Context, token string) (string, error) {
	if userID, ok := f[token]; ok {
		return userID, nil
	}
	return "", errors.New("bad token")
}

func TestRegisterWithVerifier(t *testing.T) {
	r := newTestRouter()
	r.SetVerifier(fakeVerifier{"tok-1": "u1"})

	c := newFakeConn("c")
	r.HandleEvent(c, protocol.RegisterMsg{UserID: "u1"})
	if got := c.take(); len(got) != 1 || frameType(got[0]) != protocol.TypeError || str(got[0], "code") != "invalid_token" {
		t.Fatalf("expected invalid_token without a token, got %v", got)
	}

	r.HandleEvent(c, protocol.RegisterMsg{UserID: "u2", Token: "tok-1"})
	if got := c.take(); len(got) != 1 || frameType(got[0]) != protocol.TypeError {
		t.Fatalf("expected error on identity mismatch, got %v", got)
	}

	r.HandleEvent(c, protocol.RegisterMsg{Token: "tok-1"})
	got := c.take()
	if len(got) != 1 || frameType(got[0]) != protocol.TypeRegistrationAck || str(got[0], "userId") != "u1" {
		t.Fatalf("expected ack for u1, got %v", got)
	}
}

type fakeLimiter struct{ allowed int }

func (f *fakeLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	if f.allowed <= 0 {
		return false, nil
	}
	f.allowed--
	return true, nil
}

func (f *fakeLimiter) RetryAfter(context.Context, string, ratelimit.Rule) int { return 7 }

func TestMessageRateLimited(t *testing.T) {
	r := newTestRouter()
	r.SetLimiter(&fakeLimiter{allowed: 1})
	c1 := register(t, r, "u1")
	c2 := register(t, r, "u2")
	c1.take()

	r.HandleEvent(c1, protocol.ChatMsg{ReceiverID: "u2", Text: "1"})
	r.HandleEvent(c1, protocol.ChatMsg{ReceiverID: "u2", Text: "2"})

	if got := c2.take(); len(got) != 1 {
		t.Fatalf("expected one delivered message, got %d", len(got))
	}
	got := c1.take()
	if len(got) != 2 || frameType(got[1]) != protocol.TypeRateLimited {
		t.Fatalf("expected message-sent then rate_limited, got %v", got)
	}
	if string(got[1]["retryAfter"]) != "7" {
		t.Errorf("expected retryAfter 7, got %s", got[1]["retryAfter"])
	}
}

// ---------------------------------------------------------------------------
// Observers
// ---------------------------------------------------------------------------

type recordingObserver struct {
	mu     sync.Mutex
	events []string
	conns  bool // append ":<connID>" to presence events
}

func (o *recordingObserver) add(e string) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordingObserver) UserOnline(_ context.Context, userID, connID string) {
	o.add(o.presenceEvent("online:"+userID, connID))
}

func (o *recordingObserver) UserOffline(_ context.Context, userID, connID string) {
	o.add(o.presenceEvent("offline:"+userID, connID))
}

func (o *recordingObserver) presenceEvent(e, connID string) string {
	if o.conns {
		return e + ":" + connID
	}
	return e
}
func (o *recordingObserver) MessageRelayed(_ context.Context, msg protocol.ChatPayload, delivered bool) {
	if delivered {
		o.add("message:" + msg.ID + ":delivered")
		return
	}
	o.add("message:" + msg.ID + ":dropped")
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func TestObserversNotifiedInOrder(t *testing.T) {
	r := newTestRouter()
	obs := &recordingObserver{}
	r.AddObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	c1 := register(t, r, "u1")
	register(t, r, "u2")
	r.HandleEvent(c1, protocol.ChatMsg{ReceiverID: "u2", Text: "hi", ID: "m1"})
	r.HandleEvent(c1, protocol.ChatMsg{ReceiverID: "ghost", Text: "hi", ID: "m2"})
	r.HandleDisconnect(c1)

	want := []string{"online:u1", "online:u2", "message:m1:delivered", "message:m2:dropped", "offline:u1"}
	deadline := time.Now().Add(2 * time.Second)
	for len(obs.snapshot()) < len(want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := obs.snapshot()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestObserversFollowSupersedingConnection(t *testing.T) {
	r := newTestRouter()
	obs := &recordingObserver{conns: true}
	r.AddObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	h1 := newFakeConn("h1")
	h2 := newFakeConn("h2")
	r.HandleEvent(h1, protocol.RegisterMsg{Type: protocol.TypeRegister, UserID: "u1"})
	r.HandleEvent(h2, protocol.RegisterMsg{Type: protocol.TypeRegister, UserID: "u1"})
	r.HandleDisconnect(h1)
	r.HandleDisconnect(h2)

	want := []string{"online:u1:h1", "online:u1:h2", "offline:u1:h2"}
	deadline := time.Now().Add(2 * time.Second)
	for len(obs.snapshot()) < len(want) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := obs.snapshot()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

// ---------------------------------------------------------------------------
// HTTP views
// ---------------------------------------------------------------------------

func TestPresenceHandler(t *testing.T) {
	r := newTestRouter()
	register(t, r, "u2")
	register(t, r, "u1")

	rec := httptest.NewRecorder()
	r.PresenceHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/presence", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Count int      `json:"count"`
		Users []string `json:"users"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || strings.Join(body.Users, ",") != "u1,u2" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestTypingHandler(t *testing.T) {
	r := newTestRouter()
	c1 := register(t, r, "u1")
	register(t, r, "u2")
	r.HandleEvent(c1, protocol.TypingMsg{ReceiverID: "u2", IsTyping: boolPtr(true)})

	rec := httptest.NewRecorder()
	r.TypingHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/typing?userId=u2", nil))
	if !strings.Contains(rec.Body.String(), `"typing":["u1"]`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.TypingHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/typing", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without userId, got %d", rec.Code)
	}
}
