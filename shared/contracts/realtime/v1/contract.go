// Package v1 defines the Bazaar live feed protocol v1 contract.
//
// It is shared between server and clients and has no dependencies outside the standard library.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must negotiate.
const Subprotocol = "bazaar.feed.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake with the session and user ids (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin subscribes to a conversation feed (client -> server) and is echoed back.
	TypeConversationJoin = "conversation_join"
	// TypeConversationLeave unsubscribes from a conversation feed and is echoed back.
	TypeConversationLeave = "conversation_leave"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck returns the persisted message to the sender (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew carries one appended message to every subscriber (server -> client).
	TypeMessageNew = "message_new"
	// TypeMessageRead marks one message or a whole conversation read; echoed with the count.
	TypeMessageRead = "message_read"

	// TypeConversationHistoryFetch requests the full history (client -> server).
	TypeConversationHistoryFetch = "conversation_history_fetch"
	// TypeConversationHistoryChunk returns the full history (server -> client).
	TypeConversationHistoryChunk = "conversation_history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationJoin,
		TypeConversationLeave,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMessageRead,
		TypeConversationHistoryFetch,
		TypeConversationHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// Message is the wire form of a persisted message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
}

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload identifies the session and the authenticated user.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ConversationJoinPayload requests the feed of a conversation the user participates in.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationLeavePayload drops the feed of a conversation.
type ConversationLeavePayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessageSendPayload requests sending a message into a conversation.
// ClientMsgID is opaque and only echoed back in the ack for correlation.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	Text           string `json:"text"`
}

// MessageAckPayload returns the persisted message to the sender.
type MessageAckPayload struct {
	ClientMsgID string  `json:"client_msg_id,omitempty"`
	Message     Message `json:"message"`
}

// MessageNewPayload is fanned out once per appended message.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// MessageReadPayload marks MessageID read, or the whole conversation when MessageID is empty.
// The server echo carries Count, the number of messages that flipped.
type MessageReadPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Count          int64  `json:"count,omitempty"`
}

// ConversationHistoryFetchPayload requests the full history of a conversation.
// Every fetch returns the complete current history; it is not a cursor.
type ConversationHistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationHistoryChunkPayload returns messages ordered by created_at ascending.
type ConversationHistoryChunkPayload struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
