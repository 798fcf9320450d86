// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client sessions, and dispatching
// incoming frames to the event handler.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	Path           string        // upgrade path, e.g. "/ws"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendQueueSize  int           // per-connection outbound frame buffer
	MaxFrameBytes  int64         // largest inbound frame payload accepted
	Heartbeat      HeartbeatConfig
	Debug          bool
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		Path:           "/ws",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  256,
		MaxFrameBytes:  64 << 10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // frame handler callback
	onDisconnect func(conn *Connection)              // called once when a connection is removed
	routes       map[string]http.Handler
	mu           sync.Mutex // guards epoll, httpServer and listener set by Serve
	httpServer   *http.Server
	listener     net.Listener
	clock        clock.Clock // stamps activity and drives the heartbeat
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration and frame callback.
// The onMessage function is called from a worker goroutine whenever a complete
// WebSocket data frame is received from a client. Calls for one connection
// never overlap.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Path == "" {
		config.Path = "/ws"
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		routes:     make(map[string]http.Handler),
		clock:      clock.New(),
		done:       make(chan struct{}),
	}
}

// SetOnMessage replaces the frame callback. Must be called before Serve.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetOnDisconnect registers a callback invoked exactly once when a connection
// is removed (read error, write error, heartbeat timeout, or close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Handle mounts an extra HTTP handler next to the upgrade path. Must be called
// before Serve.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.routes[pattern] = handler
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes the epoll instance, starts the event loop and heartbeat,
// and serves HTTP on ln. It blocks until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	epoll, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	s.mu.Lock()
	s.epoll = epoll
	s.httpServer = httpServer
	s.listener = ln
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	go s.startEventLoop()
	if s.config.Heartbeat.Interval > 0 {
		go newHeartbeat(s, s.config.Heartbeat).run(s.done)
	}

	log.Printf("ws: server listening on %s%s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.Path, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Addr returns the listening address once Serve has been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, registers it with the connection manager and
// epoll, and sends connection-established.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	// The reactor reads the raw conn, so bytes already buffered behind the
	// handshake would be lost.
	if rw != nil && rw.Reader.Buffered() > 0 {
		log.Printf("ws: rejecting %s: %d bytes pipelined behind upgrade", conn.RemoteAddr(), rw.Reader.Buffered())
		_ = conn.Close()
		return
	}

	connID := uuid.New().String()
	c := newConnection(connID, conn, s.config.SendQueueSize, s.config.WriteTimeout, s.clock, s.RemoveConnection)
	go c.writeLoop()

	// Queued before the conn is readable so it precedes any reply.
	established, err := protocol.NewServerMessage(protocol.TypeConnectionEstablished, protocol.ConnectionEstablishedMsg{
		ConnectionID: connID,
	})
	if err != nil {
		log.Printf("ws: failed to build connection-established for session %s: %v", connID, err)
	} else if err := c.Send(established); err != nil {
		log.Printf("ws: failed to send connection-established for session %s: %v", connID, err)
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", connID, err)
		s.conns.Remove(c)
		c.terminate()
		return
	}
	metrics.ConnectionsTotal.Inc()

	log.Printf("ws: new connection session=%s remote=%s (total=%d)", connID, conn.RemoteAddr(), s.conns.Count())
}

// handleHealth reports liveness as JSON. It answers 503 once Shutdown has
// begun so load balancers stop routing new clients here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	select {
	case <-s.done:
		status, code = "draining", http.StatusServiceUnavailable
	default:
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      status,
		Connections: s.conns.Count(),
		Uptime:      s.clock.Since(s.startedAt).Round(time.Second).String(),
	})
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes one WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			log.Printf("ws: epoll wait error: %v", err)
			continue
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are handled inline; data frames go to onMessage. A read failure
// removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection: the heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Any frame proves the connection is alive.
	c.touch()

	if header.OpCode.IsControl() {
		s.handleControl(c, header, reader)
		_ = netConn.SetReadDeadline(time.Time{})
		return
	}

	if !header.Fin || header.OpCode == ws.OpContinuation {
		s.reject(c, "unsupported_frame", "fragmented messages are not supported", ws.StatusUnsupportedData)
		return
	}
	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.reject(c, "frame_too_large", fmt.Sprintf("frame exceeds %d bytes", s.config.MaxFrameBytes), ws.StatusMessageTooBig)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	_ = netConn.SetReadDeadline(time.Time{})

	if len(data) == 0 {
		return
	}
	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// handleControl consumes a control frame. Pings are answered with a pong
// carrying the same payload; a close frame removes the connection.
func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) {
	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
	case ws.OpPing:
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
		_ = c.enqueue(outFrame{op: ws.OpPong, data: payload})
	default:
		if _, err := io.Copy(io.Discard, reader); err != nil {
			s.RemoveConnection(c)
		}
	}
}

// reject sends an error event, stops reading from c and closes it with code
// once the queued frames are written.
func (s *Server) reject(c *Connection, code, message string, status ws.StatusCode) {
	log.Printf("ws: closing session=%s: %s", c.ID(), message)
	_ = s.epoll.Remove(c.Conn)
	if data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message}); err == nil {
		_ = c.Send(data)
	}
	if err := c.closeWith(status, message); err != nil {
		s.RemoveConnection(c)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, closes the underlying network connection and runs the disconnect
// callback. Concurrent or repeated calls for the same connection are no-ops
// after the first.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c) {
		c.terminate()
		return
	}
	c.terminate()
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID(), s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, sends every client a
// going-away close frame, waits for the writers to flush until ctx expires,
// then force-closes whatever is left. Only the first call does anything.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	first := false
	s.stopOnce.Do(func() {
		close(s.done)
		first = true
	})
	if !first {
		return nil
	}

	var errs error

	s.mu.Lock()
	httpServer, epoll := s.httpServer, s.epoll
	s.mu.Unlock()

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("ws: http shutdown: %w", err))
		}
	}

	for _, c := range s.conns.All() {
		if epoll != nil {
			_ = epoll.Remove(c.Conn)
		}
		_ = c.closeWith(ws.StatusGoingAway, "server shutting down")
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.conns.Count() > 0 {
		select {
		case <-ctx.Done():
			for _, c := range s.conns.All() {
				s.RemoveConnection(c)
			}
		case <-ticker.C:
		}
	}

	if epoll != nil {
		if err := epoll.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("ws: epoll close: %w", err))
		}
	}

	log.Printf("ws: server stopped, all connections closed")
	return errs
}
