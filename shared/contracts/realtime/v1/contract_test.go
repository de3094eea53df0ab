package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "hello", env: Envelope{V: Version, Type: TypeHello}},
		{name: "message_read", env: Envelope{V: Version, Type: TypeMessageRead}},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHello}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "presence"}, wantErr: true},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: Validate()=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestMessageWireNames(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(MessageNewPayload{Message: Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hi",
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg := raw["message"]
	for _, key := range []string{"id", "conversation_id", "sender_id", "content", "created_at", "is_read"} {
		if _, ok := msg[key]; !ok {
			t.Fatalf("wire message missing %q: %s", key, b)
		}
	}
	if msg["is_read"] != false {
		t.Fatalf("is_read must be present and false: %s", b)
	}
}
