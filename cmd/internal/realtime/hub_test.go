package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bazaar/cmd/internal/messaging"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msg(convID, id string) messaging.Message {
	return messaging.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       "u1",
		Content:        "hi " + id,
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func recv(t *testing.T, s *Subscription) messaging.Message {
	t.Helper()
	select {
	case m := <-s.C():
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return messaging.Message{}
	}
}

func assertNothing(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case m := <-s.C():
		t.Fatalf("unexpected delivery: %+v", m)
	default:
	}
}

func TestHub_FanoutIsScopedPerConversation(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	ctx := context.Background()

	a1, err := h.Subscribe("conv-a")
	require.NoError(t, err)
	a2, err := h.Subscribe("conv-a")
	require.NoError(t, err)
	b, err := h.Subscribe("conv-b")
	require.NoError(t, err)

	require.NoError(t, h.Publish(ctx, msg("conv-a", "m1")))

	assert.Equal(t, "m1", recv(t, a1).ID)
	assert.Equal(t, "m1", recv(t, a2).ID)
	assertNothing(t, a1)
	assertNothing(t, a2)
	assertNothing(t, b)
}

func TestHub_EachPublishDeliversExactlyOnce(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	s, err := h.Subscribe("c")
	require.NoError(t, err)

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, h.Publish(context.Background(), msg("c", id)))
	}
	assert.Equal(t, "m1", recv(t, s).ID)
	assert.Equal(t, "m2", recv(t, s).ID)
	assert.Equal(t, "m3", recv(t, s).ID)
	assertNothing(t, s)
}

func TestHub_NoDeliveryAfterClose(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	s, err := h.Subscribe("c")
	require.NoError(t, err)
	require.Equal(t, 1, h.Subscribers("c"))

	s.Close()
	s.Close() // idempotent

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	assert.Zero(t, h.Subscribers("c"))

	require.NoError(t, h.Publish(context.Background(), msg("c", "late")))
	assertNothing(t, s)
}

func TestHub_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), WithQueueSize(2))
	slow, err := h.Subscribe("c")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = h.Publish(context.Background(), msg("c", string(rune('a'+i))))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, slow.C(), 2)
}

func TestHub_ConcurrentSubscribePublishClose(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s, err := h.Subscribe("c")
			if err != nil {
				return
			}
			s.Close()
		}()
		go func(i int) {
			defer wg.Done()
			_ = h.Publish(context.Background(), msg("c", string(rune('a'+i))))
		}(i)
	}
	wg.Wait()
	assert.Zero(t, h.Subscribers("c"))
}

func TestHub_ClosedBridge(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	s, err := h.Subscribe("c")
	require.NoError(t, err)

	require.NoError(t, h.Close())
	<-s.Done()

	_, err = h.Subscribe("c")
	assert.ErrorIs(t, err, ErrBridgeClosed)
	assert.ErrorIs(t, h.Publish(context.Background(), msg("c", "x")), ErrBridgeClosed)
}

func TestHub_RejectsMissingConversation(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	_, err := h.Subscribe("  ")
	assert.Error(t, err)
	assert.Error(t, h.Publish(context.Background(), messaging.Message{ID: "x"}))
}

func TestHub_AsServicePublisher(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	svc, err := messaging.NewService(messaging.NewInMemoryStore(),
		messaging.WithPublisher(h), messaging.WithLogger(testLogger()))
	require.NoError(t, err)

	ctx := context.Background()
	c, err := svc.GetOrCreateConversation(ctx, "l", "buyer", "seller")
	require.NoError(t, err)

	sellerFeed, err := h.Subscribe(c.ID)
	require.NoError(t, err)
	defer sellerFeed.Close()

	m, err := svc.AppendMessage(ctx, c.ID, "buyer", "Is this still available?")
	require.NoError(t, err)

	got := recv(t, sellerFeed)
	assert.Equal(t, m, got)
	assertNothing(t, sellerFeed)
}
