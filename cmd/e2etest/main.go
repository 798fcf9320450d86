// Package main implements a standalone end-to-end test for the relay. It
// validates the full user journey against a running server: health checks,
// WebSocket handshake, registration and presence, direct messages, call
// signaling, disconnect handling and offline drops.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-secret s3cret] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/client"
	"github.com/whisper/relay/internal/protocol"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// env is shared by every scenario.
type env struct {
	wsURL   string
	apiBase string
	secret  []byte
	run     string // per-run suffix keeping user ids unique
}

func (e *env) user(name string) string {
	return name + "-" + e.run
}

// connect dials and registers userID, minting a token when a secret is set.
func (e *env) connect(ctx context.Context, userID string) (*client.Client, protocol.RegistrationAckMsg, error) {
	var ack protocol.RegistrationAckMsg
	var token string
	if len(e.secret) > 0 {
		var err error
		if token, err = auth.GenerateToken(e.secret, userID, time.Hour); err != nil {
			return nil, ack, err
		}
	}
	c, err := client.Dial(ctx, e.wsURL)
	if err != nil {
		return nil, ack, err
	}
	if ack, err = c.Register(ctx, userID, token); err != nil {
		c.Abort()
		return nil, ack, err
	}
	return c, ack, nil
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket URL")
	apiBase := flag.String("api", "http://localhost:8080", "relay HTTP base URL")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret when the relay verifies identities")
	timeout := flag.Duration("timeout", 60*time.Second, "global test timeout")
	flag.Parse()

	fmt.Println("=== Relay E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	e := &env{
		wsURL:   *wsURL,
		apiBase: *apiBase,
		secret:  []byte(*secret),
		run:     uuid.NewString()[:8],
	}

	results := []scenarioResult{
		scenario1HealthCheck(ctx, e),
		scenario2ConnectHandshake(ctx, e),
		scenario3RegisterPresence(ctx, e),
		scenario4DirectMessage(ctx, e),
		scenario5CallSignaling(ctx, e),
		scenario6Disconnect(ctx, e),
		scenario7OfflineDrop(ctx, e),
		scenario8BrowserClient(ctx, e),
	}

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 1: Health Check"

	if _, err := httpGetBody(ctx, e.apiBase+"/health"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}

	body, err := httpGetBody(ctx, e.apiBase+"/presence")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/presence: %v", err)}
	}
	var online struct {
		Count int      `json:"count"`
		Users []string `json:"users"`
	}
	if err := json.Unmarshal(body, &online); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/presence JSON parse: %v", err)}
	}

	metricsBody, err := httpGetBody(ctx, e.apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "relay_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing relay_connections_total"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("online=%d", online.Count)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect and Handshake
// ---------------------------------------------------------------------------

func scenario2ConnectHandshake(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 2: Connect and Handshake"

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var ids []string
	for i := 0; i < 2; i++ {
		c, err := client.Dial(connCtx, e.wsURL)
		if err != nil {
			return scenarioResult{name, resultFail, fmt.Sprintf("client %d connect: %v", i, err)}
		}
		defer c.Close()
		id, err := c.WaitConnected(connCtx)
		if err != nil {
			return scenarioResult{name, resultFail, fmt.Sprintf("client %d connection-established: %v", i, err)}
		}
		if id == "" {
			return scenarioResult{name, resultFail, "empty connection id"}
		}
		ids = append(ids, id)
	}
	if ids[0] == ids[1] {
		return scenarioResult{name, resultFail, "connection ids are not unique"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("conn_a=%s, conn_b=%s", truncateID(ids[0]), truncateID(ids[1]))}
}

// ---------------------------------------------------------------------------
// Scenario 3: Registration and Presence
// ---------------------------------------------------------------------------

func scenario3RegisterPresence(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 3: Registration and Presence"

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	alice, bob := e.user("alice"), e.user("bob")

	a, _, err := e.connect(sctx, alice)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("register %s: %v", alice, err)}
	}
	defer a.Close()

	b, ack, err := e.connect(sctx, bob)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("register %s: %v", bob, err)}
	}
	defer b.Close()

	if !contains(ack.ConnectedUsers, alice) || !contains(ack.ConnectedUsers, bob) {
		return scenarioResult{name, resultFail, fmt.Sprintf("ack connectedUsers missing alice or bob: %v", ack.ConnectedUsers)}
	}

	if err := expectPresence(sctx, a, protocol.TypeUserOnline, bob); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("online=%d", len(ack.ConnectedUsers))}
}

// ---------------------------------------------------------------------------
// Scenario 4: Direct Messages
// ---------------------------------------------------------------------------

func scenario4DirectMessage(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 4: Direct Messages"

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	users := []string{e.user("u1"), e.user("u2"), e.user("u3")}
	clients := make([]*client.Client, len(users))
	for i, u := range users {
		c, _, err := e.connect(sctx, u)
		if err != nil {
			return scenarioResult{name, resultFail, fmt.Sprintf("register %s: %v", u, err)}
		}
		defer c.Close()
		clients[i] = c
	}

	start := time.Now()
	msgID := uuid.NewString()
	text := "Hello from u1"
	if err := clients[0].SendMessage(users[1], msgID, text); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send: %v", err)}
	}

	ev, err := clients[1].Expect(sctx, protocol.TypeMessage)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("receiver: %v", err)}
	}
	latency := time.Since(start)
	var got struct {
		Data protocol.ChatPayload `json:"data"`
	}
	if err := ev.Decode(&got); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("decode message: %v", err)}
	}
	if got.Data.Text != text || got.Data.SenderID != users[0] || got.Data.ID != msgID {
		return scenarioResult{name, resultFail, fmt.Sprintf("unexpected message: %+v", got.Data)}
	}

	sent, err := clients[0].Expect(sctx, protocol.TypeMessageSent)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("sender ack: %v", err)}
	}
	var ack protocol.MessageSentMsg
	if err := sent.Decode(&ack); err != nil || ack.MessageID != msgID {
		return scenarioResult{name, resultFail, fmt.Sprintf("unexpected ack: %s", sent.Raw)}
	}

	if err := expectNoMessage(ctx, clients[2]); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("latency=%s", latency.Round(time.Microsecond))}
}

// ---------------------------------------------------------------------------
// Scenario 5: Call Signaling
// ---------------------------------------------------------------------------

func scenario5CallSignaling(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 5: Call Signaling"

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	caller, callee := e.user("caller"), e.user("callee")
	a, _, err := e.connect(sctx, caller)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("register %s: %v", caller, err)}
	}
	defer a.Close()
	b, _, err := e.connect(sctx, callee)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("register %s: %v", callee, err)}
	}
	defer b.Close()

	signal := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"}`)
	steps := []struct {
		from, to *client.Client
		toID     string
		msg      interface{}
		kind     string
	}{
		{a, b, callee, protocol.CallOfferMsg{Type: protocol.TypeCallOffer, To: callee, Signal: signal, CallType: protocol.CallTypeVideo}, protocol.TypeCallOffer},
		{b, a, caller, protocol.CallAnswerMsg{Type: protocol.TypeCallAnswer, To: caller, Signal: signal}, protocol.TypeCallAnswer},
		{a, b, callee, protocol.IceCandidateMsg{Type: protocol.TypeIceCandidate, To: callee, Candidate: json.RawMessage(`{"candidate":"candidate:1 1 UDP 1 10.0.0.1 5000 typ host"}`)}, protocol.TypeIceCandidate},
		{b, a, caller, protocol.CallEndMsg{Type: protocol.TypeCallEnd, To: caller}, protocol.TypeCallEnd},
	}
	for _, s := range steps {
		if err := s.from.Send(s.msg); err != nil {
			return scenarioResult{name, resultFail, fmt.Sprintf("%s send: %v", s.kind, err)}
		}
		ev, err := s.to.Expect(sctx, s.kind)
		if err != nil {
			return scenarioResult{name, resultFail, fmt.Sprintf("%s: %v", s.kind, err)}
		}
		var got protocol.ServerCallMsg
		if err := ev.Decode(&got); err != nil {
			return scenarioResult{name, resultFail, fmt.Sprintf("%s decode: %v", s.kind, err)}
		}
		if got.To != s.toID {
			return scenarioResult{name, resultFail, fmt.Sprintf("%s: wrong target %q", s.kind, got.To)}
		}
		if got.Signal != nil && !bytes.Equal(got.Signal, signal) {
			return scenarioResult{name, resultFail, fmt.Sprintf("%s: signal altered: %s", s.kind, got.Signal)}
		}
	}

	return scenarioResult{name, resultPass, "offer/answer/ice/end forwarded"}
}

// ---------------------------------------------------------------------------
// Scenario 6: Disconnect
// ---------------------------------------------------------------------------

func scenario6Disconnect(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 6: Disconnect"

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	watcher, leaver := e.user("watcher"), e.user("leaver")
	a, _, err := e.connect(sctx, watcher)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("register %s: %v", watcher, err)}
	}
	defer a.Close()
	b, _, err := e.connect(sctx, leaver)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("register %s: %v", leaver, err)}
	}

	// Drop the TCP connection without a close frame.
	b.Abort()
	start := time.Now()

	if err := expectPresence(sctx, a, protocol.TypeUserOffline, leaver); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("offline_after=%s", time.Since(start).Round(time.Millisecond))}
}

// ---------------------------------------------------------------------------
// Scenario 7: Offline Drop
// ---------------------------------------------------------------------------

func scenario7OfflineDrop(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 7: Offline Drop"

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sender := e.user("sender")
	a, _, err := e.connect(sctx, sender)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("register %s: %v", sender, err)}
	}
	defer a.Close()

	msgID := uuid.NewString()
	if err := a.SendMessage(e.user("ghost"), msgID, "anyone there?"); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send: %v", err)}
	}
	ev, err := a.Expect(sctx, protocol.TypeMessageSent, protocol.TypeError)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("ack: %v", err)}
	}
	if ev.Type != protocol.TypeMessageSent {
		return scenarioResult{name, resultFail, fmt.Sprintf("unexpected reply: %s", ev.Raw)}
	}

	return scenarioResult{name, resultPass, "acked without delivery"}
}

// ---------------------------------------------------------------------------
// Scenario 8: Browser-style client (optional)
// ---------------------------------------------------------------------------

func scenario8BrowserClient(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 8: Browser Client (optional)"

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, e.wsURL, http.Header{"Origin": []string{e.apiBase}})
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("dial: %v", err)}
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var established struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connectionId"`
	}
	if err := conn.ReadJSON(&established); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("read: %v", err)}
	}
	if established.Type != protocol.TypeConnectionEstablished {
		return scenarioResult{name, resultInfo, fmt.Sprintf("unexpected first event %q", established.Type)}
	}

	if err := conn.WriteJSON(map[string]string{"type": protocol.TypePing}); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("ping: %v", err)}
	}
	var pong struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != protocol.TypePong {
		return scenarioResult{name, resultInfo, fmt.Sprintf("pong: %q %v", pong.Type, err)}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("conn=%s", truncateID(established.ConnectionID))}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// expectPresence waits for a presence event of kind about userID, skipping
// presence events about other users.
func expectPresence(ctx context.Context, c *client.Client, kind, userID string) error {
	for {
		ev, err := c.Expect(ctx, kind)
		if err != nil {
			return fmt.Errorf("waiting for %s %s: %w", kind, userID, err)
		}
		var p protocol.PresenceMsg
		if err := ev.Decode(&p); err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}
		if p.UserID == userID {
			return nil
		}
	}
}

// expectNoMessage fails if c receives a chat message within a short window.
func expectNoMessage(ctx context.Context, c *client.Client) error {
	wctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	ev, err := c.Expect(wctx, protocol.TypeMessage)
	if err == nil {
		return fmt.Errorf("bystander received a message: %s", ev.Raw)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("bystander: %w", err)
	}
	return nil
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
