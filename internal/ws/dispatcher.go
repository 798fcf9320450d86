package ws

import (
	"errors"
	"log"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client event.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.RegisterMsg, protocol.ChatMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket frames to registered handlers
// based on the event type. It answers ping itself and sends structured error
// responses for malformed frames; unknown types are dropped.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	debug    bool
}

// NewMessageDispatcher creates an empty MessageDispatcher. With debug set,
// dropped frames are logged.
func NewMessageDispatcher(debug bool) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		debug:    debug,
	}
}

// Register associates a MessageHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// RegisterAll associates handler with every inbound event type.
func (d *MessageDispatcher) RegisterAll(handler MessageHandler) {
	for _, t := range protocol.ClientTypes {
		if t == protocol.TypePing {
			continue
		}
		d.handlers[t] = handler
	}
}

// Dispatch is the onMessage callback implementation. A malformed frame gets
// an error event and the connection stays open.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		metrics.EventsTotal.WithLabelValues("unknown").Inc()
		d.debugf("ws: ignoring unknown event type=%q session=%s", msgType, conn.ID())
		return
	case err != nil:
		metrics.EventsTotal.WithLabelValues("malformed").Inc()
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID(), err)
		d.sendError(conn, "malformed_frame", err.Error())
		return
	}
	metrics.EventsTotal.WithLabelValues(msgType).Inc()

	// Built-in ping handler: respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.debugf("ws: no handler for type=%q session=%s", msgType, conn.ID())
		return
	}
	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	d.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s session=%s: %v", msgType, conn.ID(), err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("ws: failed to send %s session=%s: %v", msgType, conn.ID(), err)
	}
}

func (d *MessageDispatcher) debugf(format string, args ...interface{}) {
	if d.debug {
		log.Printf(format, args...)
	}
}
