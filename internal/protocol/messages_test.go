package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid chat message
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","member_id":"m-1","member_name":"River","message":"hello there","is_anonymous":true}`)

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
	if cm.MemberName != "River" {
		t.Errorf("expected member_name %q, got %q", "River", cm.MemberName)
	}
	if cm.Message != "hello there" {
		t.Errorf("expected message %q, got %q", "hello there", cm.Message)
	}
	if !cm.IsAnonymous {
		t.Errorf("expected is_anonymous true")
	}
}

// ---------------------------------------------------------------------------
// Test: A payload with no type discriminator defaults to "message"
// ---------------------------------------------------------------------------

func TestParseClientMessage_BareChatPayload(t *testing.T) {
	input := []byte(`{"member_name":"TestUser","message":"Hello from the web client","is_anonymous":true}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected bare payload to default to %q, got %q", TypeMessage, msgType)
	}

	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.Message != "Hello from the web client" {
		t.Errorf("unexpected message body %q", cm.Message)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a ping
// ---------------------------------------------------------------------------

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected type %q, got %q", TypePing, msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"server-only type", `{"type":"user_joined"}`},
		{"unknown type", `{"type":"teleport"}`},
		{"not json", `not json at all`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tt.input)); err == nil {
				t.Errorf("ParseClientMessage(%q) expected error, got nil", tt.input)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a message event
// ---------------------------------------------------------------------------

func TestNewServerMessage_MessageEvent(t *testing.T) {
	payload := MessageEvent{
		Seq:         7,
		CommunityID: "ptsd-room",
		AuthorID:    "m-1",
		AuthorName:  "River",
		Body:        "you are not alone",
		CreatedAt:   1700000000,
	}

	data, err := NewServerMessage(TypeMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMessage {
		t.Errorf("expected type %q, got %v", TypeMessage, result["type"])
	}
	if result["community_id"] != "ptsd-room" {
		t.Errorf("expected community_id %q, got %v", "ptsd-room", result["community_id"])
	}
	if result["seq"] != float64(7) {
		t.Errorf("expected seq 7, got %v", result["seq"])
	}
	if result["message"] != "you are not alone" {
		t.Errorf("expected message body, got %v", result["message"])
	}
}

// ---------------------------------------------------------------------------
// Test: The type field always wins over whatever the payload carried
// ---------------------------------------------------------------------------

func TestNewServerMessage_TypeInjected(t *testing.T) {
	data, err := NewServerMessage(TypeModerationWarning, ModerationWarningEvent{
		Type:        "something_else",
		CommunityID: "general",
		Warning:     "Please keep this space supportive.",
		Blocked:     false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeModerationWarning {
		t.Errorf("expected type %q, got %v", TypeModerationWarning, result["type"])
	}
}
