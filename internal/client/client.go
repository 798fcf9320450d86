// Package client is a WebSocket client for the relay. It connects using
// gobwas/ws (the same library the server uses), records the connection id
// from connection-established, answers protocol pings and queues every
// inbound event for the caller.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/relay/internal/protocol"
)

// ErrClosed is returned once the connection to the relay has gone away.
var ErrClosed = errors.New("client: connection closed")

// Event is one server event: its type and the full raw frame.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the full frame into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Raw, v)
}

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
}

// Client represents a single user connection to the relay.
type Client struct {
	conn      net.Conn
	src       io.Reader
	wmu       sync.Mutex // serializes frame writes
	inbox     chan Event
	done      chan struct{}
	closeOnce sync.Once
	connID    atomic.Value // string
	connected chan struct{}
	latency   time.Duration
	received  atomic.Int64
	sent      atomic.Int64
}

// Dial connects to the relay at url (e.g. "ws://localhost:8080/ws") and
// starts the background read loop.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}

	c := &Client{
		conn:      conn,
		src:       conn,
		inbox:     make(chan Event, 256),
		done:      make(chan struct{}),
		connected: make(chan struct{}),
		latency:   time.Since(start),
	}
	// Frames sent right after the handshake may already sit in br.
	if br != nil {
		c.src = br
	}

	go c.readLoop()
	return c, nil
}

// Send marshals msg to JSON and writes it as a text frame. []byte and
// json.RawMessage values are sent as-is. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	var data []byte
	switch m := msg.(type) {
	case []byte:
		data = m
	case json.RawMessage:
		data = m
	default:
		var err error
		if data, err = json.Marshal(msg); err != nil {
			return fmt.Errorf("client: marshal: %w", err)
		}
	}
	return c.writeFrame(ws.OpText, data)
}

func (c *Client) writeFrame(op ws.OpCode, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, op, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	if op == ws.OpText {
		c.sent.Add(1)
	}
	return nil
}

// Next returns the next queued server event.
func (c *Client) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.inbox:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Expect returns the next event whose type is one of types, discarding any
// other events queued before it.
func (c *Client) Expect(ctx context.Context, types ...string) (Event, error) {
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			return Event{}, fmt.Errorf("client: waiting for %v: %w", types, err)
		}
		for _, t := range types {
			if ev.Type == t {
				return ev, nil
			}
		}
	}
}

// WaitConnected blocks until connection-established has been received and
// returns the connection id.
func (c *Client) WaitConnected(ctx context.Context) (string, error) {
	select {
	case <-c.connected:
		return c.ConnectionID(), nil
	case <-c.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Register binds this connection to userID (and token, when the relay
// verifies identities) and waits for the acknowledgment.
func (c *Client) Register(ctx context.Context, userID, token string) (protocol.RegistrationAckMsg, error) {
	var ack protocol.RegistrationAckMsg
	err := c.Send(protocol.RegisterMsg{Type: protocol.TypeRegister, UserID: userID, Token: token})
	if err != nil {
		return ack, err
	}
	ev, err := c.Expect(ctx, protocol.TypeRegistrationAck, protocol.TypeError)
	if err != nil {
		return ack, err
	}
	if ev.Type == protocol.TypeError {
		var e protocol.ErrorMsg
		_ = ev.Decode(&e)
		return ack, fmt.Errorf("client: register rejected: %s: %s", e.Code, e.Message)
	}
	if err := ev.Decode(&ack); err != nil {
		return ack, fmt.Errorf("client: decode registration-ack: %w", err)
	}
	return ack, nil
}

// SendMessage sends a chat message to receiverID.
func (c *Client) SendMessage(receiverID, id, text string) error {
	return c.Send(protocol.ChatMsg{Type: protocol.TypeMessage, ID: id, ReceiverID: receiverID, Text: text})
}

// ConnectionID returns the id assigned by the relay, or "" before
// connection-established arrived.
func (c *Client) ConnectionID() string {
	id, _ := c.connID.Load().(string)
	return id
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.latency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
	}
}

// Close sends a close frame and closes the connection. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.wmu.Unlock()
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Abort drops the TCP connection without a close handshake.
func (c *Client) Abort() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// readLoop reads frames until the connection fails, answering pings and
// queueing data frames. The inbox is closed when it returns.
func (c *Client) readLoop() {
	defer close(c.inbox)
	defer c.Abort()

	ctl := wsutil.ControlFrameHandler(&lockedWriter{mu: &c.wmu, w: c.conn}, ws.StateClientSide)
	rd := &wsutil.Reader{
		Source:         c.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: ctl,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := ctl(hdr, rd); err != nil {
				return
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		c.received.Add(1)

		var env struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connectionId"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == protocol.TypeConnectionEstablished && c.ConnectionID() == "" {
			c.connID.Store(env.ConnectionID)
			close(c.connected)
		}

		select {
		case c.inbox <- Event{Type: env.Type, Raw: data}:
		case <-c.done:
			return
		}
	}
}

// lockedWriter lets the control frame handler share the write mutex.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
