package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListConversationSummaries_RanksByLastMessageElseCreation(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t, NewInMemoryStore())
	ctx := context.Background()

	c1, err := svc.GetOrCreateConversation(ctx, "listing-1", "me", "seller-1")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	c3, err := svc.GetOrCreateConversation(ctx, "listing-3", "me", "seller-3")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	c2, err := svc.GetOrCreateConversation(ctx, "listing-2", "me", "seller-2") // T2, never messaged
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = svc.AppendMessage(ctx, c1.ID, "seller-1", "T1")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = svc.AppendMessage(ctx, c3.ID, "me", "T3")
	require.NoError(t, err)

	got, err := svc.ListConversationSummaries(ctx, "me")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{c3.ID, c1.ID, c2.ID}, summaryIDs(got))

	// A brand new, empty conversation ranks by its own age, so it goes first.
	clock.Advance(time.Minute)
	c4, err := svc.GetOrCreateConversation(ctx, "listing-4", "me", "seller-4")
	require.NoError(t, err)

	got, err = svc.ListConversationSummaries(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, []string{c4.ID, c3.ID, c1.ID, c2.ID}, summaryIDs(got))
}

func TestListConversationSummaries_UnreadCountsOnlyOthersUnread(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t, NewInMemoryStore())
	ctx := context.Background()
	c := openConversation(t, svc)

	send := func(from, text string) Message {
		clock.Advance(time.Second)
		m, err := svc.AppendMessage(ctx, c.ID, from, text)
		require.NoError(t, err)
		return m
	}
	send("buyer", "a")
	send("buyer", "b")
	last := send("seller", "c")

	sellerView, err := svc.ListConversationSummaries(ctx, "seller")
	require.NoError(t, err)
	require.Len(t, sellerView, 1)
	assert.Equal(t, 2, sellerView[0].UnreadCount)
	require.NotNil(t, sellerView[0].LastMessage)
	assert.Equal(t, last.ID, sellerView[0].LastMessage.ID)
	assert.Equal(t, "buyer", sellerView[0].Other.ID)

	buyerView, err := svc.ListConversationSummaries(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, 1, buyerView[0].UnreadCount)

	_, err = svc.MarkRead(ctx, c.ID, "seller")
	require.NoError(t, err)

	sellerView, err = svc.ListConversationSummaries(ctx, "seller")
	require.NoError(t, err)
	assert.Zero(t, sellerView[0].UnreadCount)

	total, err := svc.TotalUnread(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestListConversationSummaries_EnrichesWithCatalog(t *testing.T) {
	t.Parallel()

	cat := NewStaticCatalog()
	cat.PutListing(ListingCard{ID: "listing-1", SellerID: "seller", Title: "Oak desk", Price: 120, PhotoURL: "https://cdn/x.jpg"})
	cat.PutProfile(Profile{ID: "seller", DisplayName: "Sam"})

	svc, _ := newTestService(t, NewInMemoryStore(), WithCatalog(cat), WithProfiles(cat))
	ctx := context.Background()
	openConversation(t, svc)
	_, err := svc.GetOrCreateConversation(ctx, "listing-gone", "buyer", "ghost")
	require.NoError(t, err)

	got, err := svc.ListConversationSummaries(ctx, "buyer")
	require.NoError(t, err)
	require.Len(t, got, 2)

	byListing := map[string]Summary{}
	for _, s := range got {
		byListing[s.Conversation.ListingID] = s
	}
	assert.Equal(t, "Oak desk", byListing["listing-1"].Listing.Title)
	assert.Equal(t, "Sam", byListing["listing-1"].Other.DisplayName)
	assert.Equal(t, FallbackListingTitle, byListing["listing-gone"].Listing.Title)
	assert.Equal(t, "ghost", byListing["listing-gone"].Other.ID)
	assert.Empty(t, byListing["listing-gone"].Other.DisplayName)
}

type brokenCatalog struct{}

func (brokenCatalog) Listings(context.Context, []string) (map[string]ListingCard, error) {
	return nil, errors.New("catalog down")
}

func (brokenCatalog) Profiles(context.Context, []string) (map[string]Profile, error) {
	return nil, errors.New("profiles down")
}

func TestListConversationSummaries_LookupFailureDegrades(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, NewInMemoryStore(), WithCatalog(brokenCatalog{}), WithProfiles(brokenCatalog{}))
	openConversation(t, svc)

	got, err := svc.ListConversationSummaries(context.Background(), "seller")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, FallbackListingTitle, got[0].Listing.Title)
	assert.Equal(t, "buyer", got[0].Other.ID)
}

func TestListConversationSummaries_RequiresIdentity(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, NewInMemoryStore())
	_, err := svc.ListConversationSummaries(context.Background(), "")
	assert.True(t, IsUnauthorized(err))
	_, err = svc.TotalUnread(context.Background(), "")
	assert.True(t, IsUnauthorized(err))
}

func TestThreadHeader(t *testing.T) {
	t.Parallel()

	cat := NewStaticCatalog()
	cat.PutListing(ListingCard{ID: "listing-1", Title: "Bike", Price: 80})
	cat.PutProfile(Profile{ID: "buyer", DisplayName: "Bea", AvatarURL: "https://cdn/bea.png"})

	svc, _ := newTestService(t, NewInMemoryStore(), WithCatalog(cat), WithProfiles(cat))
	c := openConversation(t, svc)
	ctx := context.Background()

	h, err := svc.ThreadHeader(ctx, c.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, c.ID, h.Conversation.ID)
	assert.Equal(t, "Bea", h.Other.DisplayName)
	assert.Equal(t, "Bike", h.Listing.Title)

	_, err = svc.ThreadHeader(ctx, c.ID, "stranger")
	assert.True(t, IsUnauthorized(err))

	_, err = svc.ThreadHeader(ctx, "nope", "seller")
	assert.True(t, IsNotFound(err))
}

func TestPhotoURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"https://x.supabase.co/storage/v1/object/public/listing-photos/u1/a.jpg",
		PhotoURL("https://x.supabase.co/", "/u1/a.jpg"))
	assert.Empty(t, PhotoURL("", "u1/a.jpg"))
	assert.Empty(t, PhotoURL("https://x", ""))
}

func summaryIDs(list []Summary) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.Conversation.ID)
	}
	return out
}
