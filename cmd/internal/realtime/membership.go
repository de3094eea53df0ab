package realtime

import "context"

// MembershipStore defines the authorization boundary for conversation feeds.
// messaging.Service satisfies it.
type MembershipStore interface {
	// IsParticipant reports whether userID is the buyer or seller of conversationID.
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}
