package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid register event
// ---------------------------------------------------------------------------

func TestParseClientMessage_Register(t *testing.T) {
	input := []byte(`{"type":"register","userId":"u1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeRegister {
		t.Fatalf("expected type %q, got %q", TypeRegister, msgType)
	}

	rm, ok := msg.(RegisterMsg)
	if !ok {
		t.Fatalf("expected RegisterMsg, got %T", msg)
	}
	if rm.UserID != "u1" {
		t.Errorf("expected userId %q, got %q", "u1", rm.UserID)
	}
}

func TestParseClientMessage_RegisterNeedsIdentity(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"register"}`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid chat message
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","senderId":"u1","receiverId":"u2","text":"hi","id":"m1","createdAt":"2024-05-01T10:00:00Z"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.ReceiverID != "u2" || cm.Text != "hi" || cm.ID != "m1" {
		t.Errorf("unexpected fields: %+v", cm)
	}
	if string(cm.CreatedAt) != `"2024-05-01T10:00:00Z"` {
		t.Errorf("expected createdAt passed through, got %s", cm.CreatedAt)
	}
}

func TestParseClientMessage_ChatMsgMissingReceiver(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"message","text":"hi"}`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestParseClientMessage_ChatMsgTextIsOpaque(t *testing.T) {
	texts := map[string]string{
		"empty":      "",
		"long":       strings.Repeat("a", 5000),
		"multi_byte": strings.Repeat("é", 3000),
	}
	for name, text := range texts {
		input := `{"type":"message","receiverId":"u2","text":"` + text + `"}`
		_, msg, err := ParseClientMessage([]byte(input))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
			continue
		}
		if got := msg.(ChatMsg).Text; got != text {
			t.Errorf("%s: text mangled, got %d bytes want %d", name, len(got), len(text))
		}
	}
}

func TestParseClientMessage_ChatMsgMissingText(t *testing.T) {
	for _, input := range []string{
		`{"type":"message","receiverId":"u2"}`,
		`{"type":"message","receiverId":"u2","text":null}`,
	} {
		if _, _, err := ParseClientMessage([]byte(input)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: expected ErrMalformedFrame, got %v", input, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Typing requires an explicit isTyping
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"typing","receiverId":"u2","isTyping":false}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tm := msg.(TypingMsg)
	if tm.IsTyping == nil || *tm.IsTyping {
		t.Fatalf("expected isTyping=false, got %v", tm.IsTyping)
	}

	_, _, err = ParseClientMessage([]byte(`{"type":"typing","receiverId":"u2"}`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for missing isTyping, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Call signaling kinds
// ---------------------------------------------------------------------------

func TestParseClientMessage_CallOffer(t *testing.T) {
	input := []byte(`{"type":"call-offer","to":"u2","from":"u1","signal":{"sdp":"v=0","type":"offer"},"callType":"video"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	offer, ok := msg.(CallOfferMsg)
	if !ok {
		t.Fatalf("expected CallOfferMsg, got %T", msg)
	}
	if string(offer.Signal) != `{"sdp":"v=0","type":"offer"}` {
		t.Errorf("signal not preserved: %s", offer.Signal)
	}
}

func TestParseClientMessage_CallOfferBadCallType(t *testing.T) {
	input := []byte(`{"type":"call-offer","to":"u2","signal":{},"callType":"fax"}`)
	if _, _, err := ParseClientMessage(input); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestParseClientMessage_CallAnswerNullSignal(t *testing.T) {
	input := []byte(`{"type":"call-answer","to":"u1","signal":null}`)
	if _, _, err := ParseClientMessage(input); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestParseClientMessage_CallRejectAndEnd(t *testing.T) {
	for _, typ := range []string{TypeCallReject, TypeCallEnd} {
		if _, _, err := ParseClientMessage([]byte(`{"type":"` + typ + `","to":"u1"}`)); err != nil {
			t.Errorf("%s: unexpected error: %v", typ, err)
		}
		if _, _, err := ParseClientMessage([]byte(`{"type":"` + typ + `"}`)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: expected ErrMalformedFrame without to, got %v", typ, err)
		}
	}
}

func TestParseClientMessage_IceCandidate(t *testing.T) {
	input := []byte(`{"type":"ice-candidate","to":"u2","candidate":{"candidate":"candidate:1 1 UDP 2122252543 10.0.0.1 51234 typ host","sdpMid":"0"}}`)
	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := msg.(IceCandidateMsg); !ok {
		t.Fatalf("expected IceCandidateMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and malformed frames
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"unknown_type","data":"something"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if errors.Is(err, ErrMalformedFrame) {
		t.Fatal("unknown type must not be reported as malformed")
	}
	if msgType != "unknown_type" {
		t.Errorf("expected type to be echoed, got %q", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

func TestParseClientMessage_Malformed(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"receiverId":"u2"}`,
		`{"type":""}`,
		`{"type":"ping","extra":true}`,
		`{"type":"register","userId":7}`,
	}
	for _, in := range inputs {
		if _, _, err := ParseClientMessage([]byte(in)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: expected ErrMalformedFrame, got %v", in, err)
		}
	}
}

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected %q, got %q", TypePing, msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Building server events
// ---------------------------------------------------------------------------

func TestNewServerMessage_RegistrationAck(t *testing.T) {
	data, err := NewServerMessage(TypeRegistrationAck, RegistrationAckMsg{
		UserID:         "u1",
		ConnectedUsers: []string{"u1", "u2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeRegistrationAck {
		t.Errorf("expected type %q, got %v", TypeRegistrationAck, result["type"])
	}
	users, ok := result["connectedUsers"].([]interface{})
	if !ok || len(users) != 2 {
		t.Fatalf("expected 2 connected users, got %v", result["connectedUsers"])
	}
}

func TestNewServerMessage_EmptyPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Fatalf("unexpected encoding: %s", data)
	}
}

func TestNewServerMessage_PreservesRawSignal(t *testing.T) {
	signal := json.RawMessage(`{"sdp":"v=0\r\n","n":12345678901234567890}`)
	data, err := NewServerMessage(TypeCallOffer, ServerCallMsg{
		From:     "u1",
		To:       "u2",
		Signal:   signal,
		CallType: CallTypeVoice,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), string(signal)) {
		t.Fatalf("signal bytes changed: %s", data)
	}
	if !strings.HasPrefix(string(data), `{"type":"call-offer",`) {
		t.Fatalf("type not spliced first: %s", data)
	}
}

func TestNewServerMessage_RejectsNonObject(t *testing.T) {
	if _, err := NewServerMessage(TypeError, "oops"); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}

func TestNewServerMessage_NoHTMLEscaping(t *testing.T) {
	data, err := NewServerMessage(TypeIceCandidate, ServerCallMsg{
		From:      "u1",
		To:        "u2",
		Candidate: json.RawMessage(`{"candidate":"a=<x>&y"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"a=<x>&y"`) {
		t.Fatalf("candidate was escaped: %s", data)
	}
}
