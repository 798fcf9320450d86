// Package protocol defines the WebSocket event types and structures used for
// communication between clients and the relay. Every frame is a JSON object
// carrying a "type" discriminator; inbound kinds form a closed set and are
// decoded strictly, so a frame either becomes one concrete struct or an error.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeRegister     = "register"
	TypeMessage      = "message"
	TypeTyping       = "typing"
	TypeCallOffer    = "call-offer"
	TypeCallAnswer   = "call-answer"
	TypeCallReject   = "call-reject"
	TypeCallEnd      = "call-end"
	TypeIceCandidate = "ice-candidate"
	TypePing         = "ping"
)

// ClientTypes lists every inbound event type, in no particular order.
var ClientTypes = []string{
	TypeRegister,
	TypeMessage,
	TypeTyping,
	TypeCallOffer,
	TypeCallAnswer,
	TypeCallReject,
	TypeCallEnd,
	TypeIceCandidate,
	TypePing,
}

// Server -> Client event types. Forwarded kinds (message, typing and the
// call events) reuse the client constants above.
const (
	TypeConnectionEstablished = "connection-established"
	TypeRegistrationAck       = "registration-ack"
	TypeUserOnline            = "user-online"
	TypeUserOffline           = "user-offline"
	TypeMessageSent           = "message-sent"
	TypeRateLimited           = "rate_limited"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Call media kinds accepted in a call-offer.
const (
	CallTypeVoice = "voice"
	CallTypeVideo = "video"
)

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON, lack a
	// type, carry unknown fields or miss a required field. The connection that
	// sent it stays open.
	ErrMalformedFrame = errors.New("protocol: malformed frame")

	// ErrUnknownType is returned for well-formed frames whose type is not one
	// of the inbound kinds. Callers ignore these.
	ErrUnknownType = errors.New("protocol: unknown event type")
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if partial.Type == "" {
		return fmt.Errorf("%w: missing or empty \"type\" field", ErrMalformedFrame)
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// RegisterMsg binds the connection to a user identity. Token is required only
// when the relay verifies identities.
type RegisterMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
	Token  string `json:"token,omitempty"`
}

// ChatMsg is a direct message for one receiver. SenderID is advisory; the
// relay stamps the bound identity.
type ChatMsg struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	SenderID   string          `json:"senderId,omitempty"`
	ReceiverID string          `json:"receiverId"`
	Text       string          `json:"text"`
	CreatedAt  json.RawMessage `json:"createdAt,omitempty"`
}

// TypingMsg toggles the sender's typing indicator towards ReceiverID.
// IsTyping is a pointer so a missing field can be told apart from false.
type TypingMsg struct {
	Type       string `json:"type"`
	SenderID   string `json:"senderId,omitempty"`
	ReceiverID string `json:"receiverId"`
	IsTyping   *bool  `json:"isTyping"`
}

// CallOfferMsg starts a call towards To.
type CallOfferMsg struct {
	Type     string          `json:"type"`
	To       string          `json:"to"`
	From     string          `json:"from,omitempty"`
	Signal   json.RawMessage `json:"signal"`
	CallType string          `json:"callType"`
}

// CallAnswerMsg accepts a call offered by To.
type CallAnswerMsg struct {
	Type   string          `json:"type"`
	To     string          `json:"to"`
	From   string          `json:"from,omitempty"`
	Signal json.RawMessage `json:"signal"`
}

// CallRejectMsg declines a call offered by To.
type CallRejectMsg struct {
	Type string `json:"type"`
	To   string `json:"to"`
	From string `json:"from,omitempty"`
}

// CallEndMsg hangs up an ongoing call with To.
type CallEndMsg struct {
	Type string `json:"type"`
	To   string `json:"to"`
	From string `json:"from,omitempty"`
}

// IceCandidateMsg carries one ICE candidate for the peer To.
type IceCandidateMsg struct {
	Type      string          `json:"type"`
	To        string          `json:"to"`
	From      string          `json:"from,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ConnectionEstablishedMsg is sent as soon as the upgrade completes.
type ConnectionEstablishedMsg struct {
	ConnectionID string `json:"connectionId"`
}

// RegistrationAckMsg confirms a register and seeds the client's presence view.
type RegistrationAckMsg struct {
	UserID         string   `json:"userId"`
	ConnectedUsers []string `json:"connectedUsers"`
}

// PresenceMsg is the payload of user-online and user-offline.
type PresenceMsg struct {
	UserID string `json:"userId"`
}

// ChatPayload is the relay-level chat message forwarded to the receiver.
type ChatPayload struct {
	ID         string          `json:"id"`
	SenderID   string          `json:"senderId"`
	ReceiverID string          `json:"receiverId"`
	Text       string          `json:"text"`
	CreatedAt  json.RawMessage `json:"createdAt,omitempty"`
}

// ServerChatMsg wraps a forwarded chat message.
type ServerChatMsg struct {
	Data ChatPayload `json:"data"`
}

// MessageSentMsg acknowledges relay receipt of a message. It does not imply
// delivery.
type MessageSentMsg struct {
	MessageID  string `json:"messageId"`
	ReceiverID string `json:"receiverId"`
}

// ServerTypingMsg relays a typing indicator to its target.
type ServerTypingMsg struct {
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

// ServerCallMsg is the forwarded form of every call-signaling kind. Signal and
// Candidate are passed through byte-for-byte.
type ServerCallMsg struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Signal    json.RawMessage `json:"signal,omitempty"`
	CallType  string          `json:"callType,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	RetryAfter int `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered. Errors wrap ErrMalformedFrame or ErrUnknownType.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegister:
		var m RegisterMsg
		if err = decodeStrict(env.Raw, &m); err == nil {
			err = m.validate()
		}
		msg = m
	case TypeMessage:
		var m ChatMsg
		if err = decodeStrict(env.Raw, &m); err == nil {
			err = m.validate()
		}
		if err == nil {
			// Text is opaque; only its presence is required.
			err = requireKey(env.Raw, "text")
		}
		msg = m
	case TypeTyping:
		var m TypingMsg
		if err = decodeStrict(env.Raw, &m); err == nil {
			err = m.validate()
		}
		msg = m
	case TypeCallOffer:
		var m CallOfferMsg
		if err = decodeStrict(env.Raw, &m); err == nil {
			err = m.validate()
		}
		msg = m
	case TypeCallAnswer:
		var m CallAnswerMsg
		if err = decodeStrict(env.Raw, &m); err == nil {
			err = m.validate()
		}
		msg = m
	case TypeCallReject:
		var m CallRejectMsg
		if err = decodeStrict(env.Raw, &m); err == nil {
			err = requireField("to", m.To)
		}
		msg = m
	case TypeCallEnd:
		var m CallEndMsg
		if err = decodeStrict(env.Raw, &m); err == nil {
			err = requireField("to", m.To)
		}
		msg = m
	case TypeIceCandidate:
		var m IceCandidateMsg
		if err = decodeStrict(env.Raw, &m); err == nil {
			err = m.validate()
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = decodeStrict(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: %q payload: %v", ErrMalformedFrame, env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates the JSON encoding of a server event. The payload
// must marshal to a JSON object; msgType is spliced in as its first key so
// raw pass-through fields keep their exact bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	raw := bytes.TrimSpace(buf.Bytes())
	if len(raw) < 2 || raw[0] != '{' {
		return nil, fmt.Errorf("protocol: payload for %q is not a JSON object", msgType)
	}

	typ, err := json.Marshal(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}

	out := make([]byte, 0, len(raw)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if body := bytes.TrimSpace(raw[1:]); len(body) > 1 {
		out = append(out, ',')
		out = append(out, body...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

func (m RegisterMsg) validate() error {
	if m.UserID == "" && m.Token == "" {
		return fmt.Errorf("one of \"userId\" or \"token\" is required")
	}
	return nil
}

func (m ChatMsg) validate() error {
	return requireField("receiverId", m.ReceiverID)
}

func (m TypingMsg) validate() error {
	if err := requireField("receiverId", m.ReceiverID); err != nil {
		return err
	}
	if m.IsTyping == nil {
		return fmt.Errorf("missing required field \"isTyping\"")
	}
	return nil
}

func (m CallOfferMsg) validate() error {
	if err := requireField("to", m.To); err != nil {
		return err
	}
	if !present(m.Signal) {
		return fmt.Errorf("missing required field \"signal\"")
	}
	if m.CallType != CallTypeVoice && m.CallType != CallTypeVideo {
		return fmt.Errorf("\"callType\" must be %q or %q", CallTypeVoice, CallTypeVideo)
	}
	return nil
}

func (m CallAnswerMsg) validate() error {
	if err := requireField("to", m.To); err != nil {
		return err
	}
	if !present(m.Signal) {
		return fmt.Errorf("missing required field \"signal\"")
	}
	return nil
}

func (m IceCandidateMsg) validate() error {
	if err := requireField("to", m.To); err != nil {
		return err
	}
	if !present(m.Candidate) {
		return fmt.Errorf("missing required field \"candidate\"")
	}
	return nil
}

// decodeStrict decodes raw into v, rejecting fields v does not declare and any
// trailing data after the object.
func decodeStrict(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON object")
	}
	return nil
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("missing required field %q", name)
	}
	return nil
}

// requireKey fails unless the JSON object raw has a non-null member key.
func requireKey(raw json.RawMessage, key string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	if !present(fields[key]) {
		return fmt.Errorf("missing required field %q", key)
	}
	return nil
}

func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
