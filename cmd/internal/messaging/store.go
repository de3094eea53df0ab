package messaging

import (
	"context"
	"time"
)

// Store persists conversations and messages.
//
// Requirements:
//   - Uniqueness on (listing_id, buyer_id); a losing insert returns ConflictError
//   - Messages of one conversation get non-decreasing created_at in append order
//   - AppendMessage rejects senders that are not participants (ErrUnauthorized)
//   - ListMessages returns created_at ASC, id ASC
type Store interface {
	FindConversation(ctx context.Context, listingID, buyerID string) (Conversation, error)
	CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListActivity(ctx context.Context, userID string) ([]ConversationActivity, error)

	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
	MarkMessageRead(ctx context.Context, messageID, readerID string) (bool, error)

	Close() error
}

// CreateConversationInput describes a conversation insert.
type CreateConversationInput struct {
	ListingID string
	BuyerID   string
	SellerID  string
	Now       time.Time
}

// AppendMessageInput describes a message append.
type AppendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Now            time.Time
}
