package messaging

import (
	"context"
	"strings"
)

// GetOrCreateConversation returns the single conversation between buyerID and sellerID for
// listingID, creating it on first use. buyerID is the acting (authenticated) user.
//
// Concurrent first calls converge: the store's (listing, buyer) uniqueness picks a winner and
// the loser re-reads it.
func (s *Service) GetOrCreateConversation(ctx context.Context, listingID, buyerID, sellerID string) (Conversation, error) {
	const op = "messaging.GetOrCreateConversation"

	listingID = strings.TrimSpace(listingID)
	sellerID = strings.TrimSpace(sellerID)
	if buyerID == "" {
		return Conversation{}, unauthorized(op, "missing identity")
	}
	if listingID == "" || sellerID == "" {
		return Conversation{}, invalidInput(op, "listing_id and seller_id are required")
	}
	if buyerID == sellerID {
		return Conversation{}, invalidInput(op, "cannot message yourself")
	}

	c, err := s.store.FindConversation(ctx, listingID, buyerID)
	if err == nil {
		s.metrics.incReused()
		return c, nil
	}
	if !IsNotFound(err) {
		return Conversation{}, s.storeErr(op, err)
	}

	c, err = s.store.CreateConversation(ctx, CreateConversationInput{
		ListingID: listingID,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Now:       s.now(),
	})
	switch {
	case err == nil:
		s.metrics.incCreated()
		s.log.Info("conversation.created",
			"conversation_id", c.ID,
			"listing_id", c.ListingID,
			"buyer_id", c.BuyerID,
			"seller_id", c.SellerID,
		)
		return c, nil

	case IsConflict(err):
		s.metrics.incConflict()
		winner, rerr := s.store.FindConversation(ctx, listingID, buyerID)
		if rerr != nil {
			s.log.Warn("conversation.create.reread_fail",
				"listing_id", listingID, "buyer_id", buyerID, "err", rerr)
			return Conversation{}, s.creationFailed(op, rerr)
		}
		s.log.Debug("conversation.create.conflict_resolved", "conversation_id", winner.ID)
		return winner, nil

	case IsInvalidInput(err) || IsUnauthorized(err):
		return Conversation{}, err

	default:
		s.log.Warn("conversation.create.fail", "listing_id", listingID, "buyer_id", buyerID, "err", err)
		return Conversation{}, s.creationFailed(op, err)
	}
}

func (s *Service) creationFailed(op string, err error) error {
	s.metrics.incStoreError(op)
	return OpError{Op: op, Kind: ErrUnavailable, Msg: "could not start conversation", Err: err}
}
