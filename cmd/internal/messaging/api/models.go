package messagingapi

import "bazaar/cmd/internal/messaging"

type createConversationRequest struct {
	ListingID string `json:"listing_id"`
	SellerID  string `json:"seller_id"`
}

type conversationResponse struct {
	Conversation messaging.Conversation `json:"conversation"`
}

type summariesResponse struct {
	Conversations []messaging.Summary `json:"conversations"`
	TotalUnread   int                 `json:"total_unread"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type messageResponse struct {
	Message messaging.Message `json:"message"`
}

type messagesResponse struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []messaging.Message `json:"messages"`
}

type markReadResponse struct {
	Updated int64 `json:"updated"`
}

type markOneReadResponse struct {
	Updated bool `json:"updated"`
}

type unreadResponse struct {
	Unread int `json:"unread"`
}
