package ws

import (
	"errors"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gobwas/ws"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/presence"
)

// HeartbeatConfig controls liveness checking. A connection that has sent
// nothing (pongs included) for Interval+Timeout is considered dead.
type HeartbeatConfig struct {
	Interval time.Duration // ping period; zero disables the heartbeat
	Timeout  time.Duration // grace after a ping before the peer is reaped
}

// DefaultHeartbeatConfig pings every 30s and allows 10s for the answer.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

type heartbeat struct {
	server *Server
	clock  clock.Clock
	config HeartbeatConfig
}

func newHeartbeat(server *Server, config HeartbeatConfig) *heartbeat {
	return &heartbeat{server: server, clock: server.clock, config: config}
}

// run sweeps every Interval until done is closed.
func (h *heartbeat) run(done <-chan struct{}) {
	ticker := h.clock.Ticker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			pinged, evicted := h.sweep()
			if evicted > 0 {
				log.Printf("ws: heartbeat pinged=%d evicted=%d", pinged, evicted)
			}
		}
	}
}

// sweep reaps connections past the liveness deadline and queues a ping on
// the rest. Reaping uses the normal removal path, so a reaped user goes
// offline like any other disconnect.
func (h *heartbeat) sweep() (pinged, evicted int) {
	now := h.clock.Now()
	deadline := h.config.Interval + h.config.Timeout

	for _, c := range h.server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			log.Printf("ws: heartbeat timeout session=%s idle=%s", c.ID(), idle.Round(time.Millisecond))
			metrics.HeartbeatEvictions.Inc()
			h.server.RemoveConnection(c)
			evicted++
			continue
		}

		switch err := c.enqueue(outFrame{op: ws.OpPing}); {
		case err == nil:
			pinged++
		case errors.Is(err, presence.ErrHandleClosed):
			h.server.RemoveConnection(c)
			evicted++
		}
		// ErrBackpressure: skip this round; the idle check still applies.
	}
	return pinged, evicted
}
