package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingStore counts calls reaching the wrapped store.
type countingStore struct {
	Store
	calls atomic.Int64
}

func (s *countingStore) FindConversation(ctx context.Context, listingID, buyerID string) (Conversation, error) {
	s.calls.Add(1)
	return s.Store.FindConversation(ctx, listingID, buyerID)
}

func (s *countingStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	s.calls.Add(1)
	return s.Store.CreateConversation(ctx, in)
}

func (s *countingStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	s.calls.Add(1)
	return s.Store.AppendMessage(ctx, in)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, m Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
	return p.err
}

func (p *recordingPublisher) Published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}

func newTestService(t *testing.T, store Store, opts ...Option) (*Service, *testClock) {
	t.Helper()
	clock := newTestClock()
	base := []Option{WithLogger(testLogger()), WithClock(clock.Now)}
	svc, err := NewService(store, append(base, opts...)...)
	require.NoError(t, err)
	return svc, clock
}
