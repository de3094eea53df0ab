package messaging

import (
	"time"
)

// Conversation is the single buyer/seller thread for one listing.
// Immutable after creation.
type Conversation struct {
	ID        string    `json:"id"`
	ListingID string    `json:"listing_id"`
	BuyerID   string    `json:"buyer_id"`
	SellerID  string    `json:"seller_id"`
	CreatedAt time.Time `json:"created_at"`
}

// IsParticipant reports whether userID is the buyer or the seller.
func (c Conversation) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.BuyerID || userID == c.SellerID)
}

// OtherParticipant returns the counterpart of userID, or "" if userID is not a participant.
func (c Conversation) OtherParticipant(userID string) string {
	switch userID {
	case "":
		return ""
	case c.BuyerID:
		return c.SellerID
	case c.SellerID:
		return c.BuyerID
	default:
		return ""
	}
}

// Message is one persisted chat line. Read flips false->true once, by the non-sender.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Read           bool      `json:"is_read"`
}

// Before orders messages by creation time, then by id.
// IDs are ULIDs, so the tie-break follows insertion order.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// ListingCard is the minimal listing display data shown in threads and inbox rows.
type ListingCard struct {
	ID       string  `json:"id"`
	SellerID string  `json:"seller_id,omitempty"`
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	PhotoURL string  `json:"photo_url,omitempty"`
}

// Profile is the display identity of a user.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ConversationActivity is the store-side aggregate used to build inbox rows.
type ConversationActivity struct {
	Conversation Conversation
	LastMessage  *Message
	UnreadCount  int
}

// Summary is one row of a user's inbox.
type Summary struct {
	Conversation Conversation `json:"conversation"`
	Other        Profile      `json:"other"`
	Listing      ListingCard  `json:"listing"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
}

// ActivityAt is the ranking key: the last message time, else the conversation's creation time.
func (s Summary) ActivityAt() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.Conversation.CreatedAt
}

// ThreadHeader is what a thread view renders above the messages.
type ThreadHeader struct {
	Conversation Conversation `json:"conversation"`
	Other        Profile      `json:"other"`
	Listing      ListingCard  `json:"listing"`
}
