package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openConversation(t *testing.T, svc *Service) Conversation {
	t.Helper()
	c, err := svc.GetOrCreateConversation(context.Background(), "listing-1", "buyer", "seller")
	require.NoError(t, err)
	return c
}

func TestNormalizeContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain", in: "hello", want: "hello"},
		{name: "trims edges", in: "  Is this still available?\n", want: "Is this still available?"},
		{name: "keeps interior newlines", in: "line one\n\n  line two", want: "line one\n\n  line two"},
		{name: "empty", in: "", wantErr: true},
		{name: "whitespace only", in: " \t\n ", wantErr: true},
		{name: "too long", in: strings.Repeat("x", MaxContentRunes+1), wantErr: true},
		{name: "max multibyte", in: strings.Repeat("é", MaxContentRunes), want: strings.Repeat("é", MaxContentRunes)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeContent(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsInvalidInput(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAppendMessage_WhitespaceRejectedBeforeStore(t *testing.T) {
	t.Parallel()

	store := &countingStore{Store: NewInMemoryStore()}
	svc, _ := newTestService(t, store)
	c := openConversation(t, svc)
	before := store.calls.Load()

	_, err := svc.AppendMessage(context.Background(), c.ID, "buyer", "   \n\t")
	require.Error(t, err)
	assert.True(t, IsInvalidInput(err))
	assert.Equal(t, before, store.calls.Load())
}

func TestAppendMessage_PersistsTrimmedAndPublishesOnce(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	svc, _ := newTestService(t, NewInMemoryStore(), WithPublisher(pub))
	c := openConversation(t, svc)

	m, err := svc.AppendMessage(context.Background(), c.ID, "buyer", "  Is this still available?  ")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "Is this still available?", m.Content)
	assert.Equal(t, "buyer", m.SenderID)
	assert.False(t, m.Read)

	published := pub.Published()
	require.Len(t, published, 1)
	assert.Equal(t, m, published[0])
}

func TestAppendMessage_PublishFailureDoesNotFailAppend(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{err: errors.New("bridge down")}
	svc, _ := newTestService(t, NewInMemoryStore(), WithPublisher(pub))
	c := openConversation(t, svc)

	m, err := svc.AppendMessage(context.Background(), c.ID, "seller", "yes")
	require.NoError(t, err)

	msgs, err := svc.ListMessages(context.Background(), c.ID, "buyer")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)
}

func TestAppendMessage_NonParticipantDenied(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	svc, _ := newTestService(t, NewInMemoryStore(), WithPublisher(pub))
	c := openConversation(t, svc)

	_, err := svc.AppendMessage(context.Background(), c.ID, "stranger", "hi")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Empty(t, pub.Published())

	_, err = svc.AppendMessage(context.Background(), c.ID, "", "hi")
	assert.True(t, IsUnauthorized(err))
}

func TestListMessages_OrderedAndNonDecreasingUnderClockSkew(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t, NewInMemoryStore())
	c := openConversation(t, svc)
	ctx := context.Background()

	_, err := svc.AppendMessage(ctx, c.ID, "buyer", "one")
	require.NoError(t, err)
	clock.Advance(-time.Minute)
	_, err = svc.AppendMessage(ctx, c.ID, "seller", "two")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = svc.AppendMessage(ctx, c.ID, "buyer", "three")
	require.NoError(t, err)

	msgs, err := svc.ListMessages(ctx, c.ID, "seller")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
		assert.True(t, msgs[i-1].Before(msgs[i]))
	}

	_, err = svc.ListMessages(ctx, c.ID, "stranger")
	assert.True(t, IsUnauthorized(err))
}

func TestMarkRead_FlipsOnlyOthersMessagesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, NewInMemoryStore())
	c := openConversation(t, svc)
	ctx := context.Background()

	for _, in := range []struct{ from, text string }{
		{"buyer", "hi"}, {"seller", "hello"}, {"buyer", "still there?"},
	} {
		_, err := svc.AppendMessage(ctx, c.ID, in.from, in.text)
		require.NoError(t, err)
	}

	n, err := svc.MarkRead(ctx, c.ID, "seller")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = svc.MarkRead(ctx, c.ID, "seller")
	require.NoError(t, err)
	assert.Zero(t, n)

	msgs, err := svc.ListMessages(ctx, c.ID, "seller")
	require.NoError(t, err)
	for _, m := range msgs {
		if m.SenderID == "buyer" {
			assert.True(t, m.Read, "message %s", m.ID)
		} else {
			assert.False(t, m.Read, "own message must stay unread: %s", m.ID)
		}
	}

	_, err = svc.MarkRead(ctx, c.ID, "stranger")
	assert.True(t, IsUnauthorized(err))
}

func TestMarkOneRead(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, NewInMemoryStore())
	c := openConversation(t, svc)
	ctx := context.Background()

	m, err := svc.AppendMessage(ctx, c.ID, "buyer", "hi")
	require.NoError(t, err)

	ok, err := svc.MarkOneRead(ctx, m.ID, "buyer")
	require.NoError(t, err)
	assert.False(t, ok, "sender cannot read-mark own message")

	_, err = svc.MarkOneRead(ctx, m.ID, "stranger")
	assert.True(t, IsUnauthorized(err))

	ok, err = svc.MarkOneRead(ctx, m.ID, "seller")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.MarkOneRead(ctx, m.ID, "seller")
	require.NoError(t, err)
	assert.False(t, ok, "read never flips back or twice")

	_, err = svc.MarkOneRead(ctx, "missing", "seller")
	assert.True(t, IsNotFound(err))
}
