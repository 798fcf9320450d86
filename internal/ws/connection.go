package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/presence"
)

// outFrame is one queued outbound WebSocket frame.
type outFrame struct {
	op   ws.OpCode
	data []byte
}

// Connection represents a single WebSocket client connection. Outbound frames
// go through a bounded queue drained by one writer goroutine, so Send never
// blocks the caller on a slow peer.
type Connection struct {
	id           string
	Conn         net.Conn  // underlying TCP connection
	CreatedAt    time.Time // when the connection was established
	lastActive   atomic.Int64
	send         chan outFrame
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	clock        clock.Clock
	release      func(*Connection) // called by the writer when it stops
	processing   int32             // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(id string, conn net.Conn, queueSize int, writeTimeout time.Duration, clk clock.Clock, release func(*Connection)) *Connection {
	if queueSize <= 0 {
		queueSize = 1
	}
	c := &Connection{
		id:           id,
		Conn:         conn,
		CreatedAt:    clk.Now(),
		clock:        clk,
		send:         make(chan outFrame, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		release:      release,
	}
	c.touch()
	return c
}

// ID returns the connection identifier sent in connection-established.
func (c *Connection) ID() string {
	return c.id
}

// LastActive returns the time of the last frame read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(c.clock.Now().UnixNano())
}

// Send queues a text frame. It returns presence.ErrHandleClosed once the
// connection is gone and presence.ErrBackpressure when the queue is full, in
// which case the frame is dropped.
func (c *Connection) Send(data []byte) error {
	return c.enqueue(outFrame{op: ws.OpText, data: data})
}

// Close asks the client to close with a normal closure frame. The connection
// is released once the frame is written.
func (c *Connection) Close() error {
	return c.closeWith(ws.StatusNormalClosure, "")
}

func (c *Connection) closeWith(code ws.StatusCode, reason string) error {
	err := c.enqueue(outFrame{op: ws.OpClose, data: ws.NewCloseFrameBody(code, reason)})
	if errors.Is(err, presence.ErrBackpressure) && c.release != nil {
		c.release(c)
	}
	return err
}

func (c *Connection) enqueue(f outFrame) error {
	select {
	case <-c.done:
		return presence.ErrHandleClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		metrics.SendQueueDrops.Inc()
		return presence.ErrBackpressure
	}
}

// writeLoop drains the send queue until the connection is terminated. A write
// error or a written close frame releases the connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			err := c.write(f)
			if err == nil && f.op != ws.OpClose {
				continue
			}
			if err != nil && !errors.Is(err, net.ErrClosed) {
				log.Printf("ws: write failed session=%s: %v", c.id, err)
			}
			if c.release != nil {
				c.release(c)
			}
			return
		}
	}
}

func (c *Connection) write(f outFrame) error {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteServerMessage(c.Conn, f.op, f.data)
}

// terminate stops the writer and closes the network connection. Safe to call
// more than once.
func (c *Connection) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

// ConnectionManager is a thread-safe registry of live transport connections,
// indexed by connection ID and by the underlying net.Conn for epoll lookups.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cur, ok := cm.byID[conn.id]; !ok || cur != conn {
		return false
	}
	delete(cm.byID, conn.id)
	delete(cm.byConn, conn.Conn)
	return true
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
