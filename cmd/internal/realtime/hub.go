package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"bazaar/cmd/internal/messaging"
)

// Hub is the in-process Bridge: it owns per-conversation feeds and fans out published
// messages to local subscriptions.
type Hub struct {
	log       *slog.Logger
	metrics   *Metrics
	queueSize int

	mu     sync.RWMutex
	feeds  map[string]*feed
	closed bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithQueueSize bounds each subscription's delivery queue.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithHubMetrics sets the collectors. nil disables metrics.
func WithHubMetrics(m *Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:       log,
		queueSize: defaultSubscriberQueue,
		feeds:     make(map[string]*feed),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Publish fans msg out to the current subscribers of its conversation.
func (h *Hub) Publish(_ context.Context, msg messaging.Message) error {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return errors.New("realtime: message without conversation_id")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrBridgeClosed
	}
	f := h.feeds[msg.ConversationID]
	if f == nil {
		return nil
	}

	delivered, dropped := f.broadcast(msg)
	h.metrics.addDelivered(delivered)
	if dropped > 0 {
		h.metrics.addDropped(dropped)
		h.log.Warn("feed.deliver.drop",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"dropped", dropped,
		)
	}
	return nil
}

// Subscribe opens a subscription to conversationID.
func (h *Hub) Subscribe(conversationID string) (*Subscription, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("realtime: missing conversation_id")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrBridgeClosed
	}

	f := h.feeds[conversationID]
	if f == nil {
		f = newFeed(conversationID)
		h.feeds[conversationID] = f
	}
	s := newSubscription(uuid.NewString(), conversationID, h.queueSize, h.detach)
	f.add(s)
	h.metrics.incSubscriptions()

	h.log.Debug("feed.subscribe", "conversation_id", conversationID, "subscription_id", s.ID)
	return s, nil
}

// Subscribers returns the number of open subscriptions for conversationID.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if f := h.feeds[conversationID]; f != nil {
		return f.size()
	}
	return 0
}

// Close detaches every subscription. Later Publish/Subscribe calls return ErrBridgeClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var subs []*Subscription
	for _, f := range h.feeds {
		f.mu.RLock()
		for _, s := range f.members {
			subs = append(subs, s)
		}
		f.mu.RUnlock()
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

func (h *Hub) detach(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := h.feeds[s.ConversationID]
	if f == nil {
		return
	}
	if f.remove(s.ID) {
		delete(h.feeds, s.ConversationID)
	}
	h.metrics.decSubscriptions()

	h.log.Debug("feed.unsubscribe", "conversation_id", s.ConversationID, "subscription_id", s.ID)
}
