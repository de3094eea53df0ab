package messaging

import (
	"context"
	"sort"
)

// ListConversationSummaries returns every conversation of userID, most recently active first.
// Activity is the last message time, else the conversation's creation time.
// Listing and profile lookup failures degrade to fallback display data.
func (s *Service) ListConversationSummaries(ctx context.Context, userID string) ([]Summary, error) {
	const op = "messaging.ListConversationSummaries"
	if userID == "" {
		return nil, unauthorized(op, "missing identity")
	}

	acts, err := s.store.ListActivity(ctx, userID)
	if err != nil {
		return nil, s.storeErr(op, err)
	}

	listingIDs := make([]string, 0, len(acts))
	userIDs := make([]string, 0, len(acts))
	for _, a := range acts {
		listingIDs = append(listingIDs, a.Conversation.ListingID)
		userIDs = append(userIDs, a.Conversation.OtherParticipant(userID))
	}
	listings := s.lookupListings(ctx, uniqueIDs(listingIDs))
	profiles := s.lookupProfiles(ctx, uniqueIDs(userIDs))

	out := make([]Summary, 0, len(acts))
	for _, a := range acts {
		other := a.Conversation.OtherParticipant(userID)
		unread := a.UnreadCount
		if unread < 0 {
			unread = 0
		}
		out = append(out, Summary{
			Conversation: a.Conversation,
			Other:        profileOrFallback(profiles, other),
			Listing:      listingOrFallback(listings, a.Conversation.ListingID),
			LastMessage:  a.LastMessage,
			UnreadCount:  unread,
		})
	}
	SortSummaries(out)
	return out, nil
}

// SortSummaries orders summaries by activity descending, ties by conversation id descending.
func SortSummaries(list []Summary) {
	sort.SliceStable(list, func(i, j int) bool {
		ai, aj := list[i].ActivityAt(), list[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return list[i].Conversation.ID > list[j].Conversation.ID
	})
}

// TotalUnread is the inbox badge: unread messages from others across all of userID's conversations.
func (s *Service) TotalUnread(ctx context.Context, userID string) (int, error) {
	const op = "messaging.TotalUnread"
	if userID == "" {
		return 0, unauthorized(op, "missing identity")
	}
	acts, err := s.store.ListActivity(ctx, userID)
	if err != nil {
		return 0, s.storeErr(op, err)
	}
	total := 0
	for _, a := range acts {
		if a.UnreadCount > 0 {
			total += a.UnreadCount
		}
	}
	return total, nil
}

// ThreadHeader returns the conversation with the other participant's profile and the listing card.
func (s *Service) ThreadHeader(ctx context.Context, conversationID, userID string) (ThreadHeader, error) {
	c, err := s.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return ThreadHeader{}, err
	}
	other := c.OtherParticipant(userID)
	listings := s.lookupListings(ctx, []string{c.ListingID})
	profiles := s.lookupProfiles(ctx, []string{other})
	return ThreadHeader{
		Conversation: c,
		Other:        profileOrFallback(profiles, other),
		Listing:      listingOrFallback(listings, c.ListingID),
	}, nil
}

func (s *Service) lookupListings(ctx context.Context, ids []string) map[string]ListingCard {
	if s.listings == nil || len(ids) == 0 {
		return nil
	}
	out, err := s.listings.Listings(ctx, ids)
	if err != nil {
		s.log.Warn("catalog.listings.fail", "count", len(ids), "err", err)
		return nil
	}
	return out
}

func (s *Service) lookupProfiles(ctx context.Context, ids []string) map[string]Profile {
	if s.profiles == nil || len(ids) == 0 {
		return nil
	}
	out, err := s.profiles.Profiles(ctx, ids)
	if err != nil {
		s.log.Warn("catalog.profiles.fail", "count", len(ids), "err", err)
		return nil
	}
	return out
}

func listingOrFallback(m map[string]ListingCard, id string) ListingCard {
	if l, ok := m[id]; ok {
		if l.Title == "" {
			l.Title = FallbackListingTitle
		}
		return l
	}
	return ListingCard{ID: id, Title: FallbackListingTitle}
}

func profileOrFallback(m map[string]Profile, id string) Profile {
	if p, ok := m[id]; ok {
		return p
	}
	return Profile{ID: id}
}
