package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bazaar/cmd/internal/messaging"
)

// DefaultRedisChannelPrefix namespaces per-conversation pub/sub channels.
const DefaultRedisChannelPrefix = "bazaar:conv:"

// RedisBridge relays feed notifications across instances through Redis pub/sub.
//
// Publish only goes to Redis. Every instance (including the publisher) receives the payload
// through its pattern subscription and fans it out to its local Hub, so each append reaches
// each local subscriber once.
type RedisBridge struct {
	log     *slog.Logger
	rdb     *redis.Client
	prefix  string
	local   *Hub
	metrics *Metrics

	ready chan struct{}
}

// NewRedisBridge constructs a bridge that relays into local.
func NewRedisBridge(log *slog.Logger, rdb *redis.Client, local *Hub, prefix string, metrics *Metrics) (*RedisBridge, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if local == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if log == nil {
		log = slog.Default()
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	return &RedisBridge{
		log:     log,
		rdb:     rdb,
		prefix:  prefix,
		local:   local,
		metrics: metrics,
		ready:   make(chan struct{}),
	}, nil
}

func (b *RedisBridge) channel(conversationID string) string {
	return b.prefix + conversationID
}

// Publish sends msg to every instance subscribed to the conversation channel.
func (b *RedisBridge) Publish(ctx context.Context, msg messaging.Message) error {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return errors.New("realtime: message without conversation_id")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel(msg.ConversationID), data).Err(); err != nil {
		return fmt.Errorf("realtime: redis publish: %w", err)
	}
	return nil
}

// Subscribe opens a local subscription; remote publishes arrive through Run.
func (b *RedisBridge) Subscribe(conversationID string) (*Subscription, error) {
	return b.local.Subscribe(conversationID)
}

// Ready is closed once the pattern subscription is confirmed by Redis.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Run consumes the pattern subscription until ctx is done.
// A dropped Redis connection is re-established by go-redis; messages published meanwhile are lost.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.rdb.PSubscribe(ctx, b.prefix+"*")
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("realtime: redis psubscribe: %w", err)
	}
	close(b.ready)
	b.log.Info("feed.redis.subscribed", "pattern", b.prefix+"*")

	ch := ps.Channel(redis.WithChannelHealthCheckInterval(30 * time.Second))
	for {
		select {
		case <-ctx.Done():
			return nil
		case rm, ok := <-ch:
			if !ok {
				return errors.New("realtime: redis subscription closed")
			}
			var msg messaging.Message
			if err := json.Unmarshal([]byte(rm.Payload), &msg); err != nil || msg.ConversationID == "" {
				b.metrics.incRelayErrors()
				b.log.Warn("feed.redis.bad_payload", "channel", rm.Channel, "err", err)
				continue
			}
			if msg.ConversationID != strings.TrimPrefix(rm.Channel, b.prefix) {
				b.metrics.incRelayErrors()
				b.log.Warn("feed.redis.channel_mismatch", "channel", rm.Channel, "conversation_id", msg.ConversationID)
				continue
			}
			if err := b.local.Publish(ctx, msg); err != nil {
				if errors.Is(err, ErrBridgeClosed) {
					return nil
				}
				b.log.Warn("feed.redis.relay_fail", "conversation_id", msg.ConversationID, "err", err)
			}
		}
	}
}

// Close closes the local hub. The Redis client is owned by the caller.
func (b *RedisBridge) Close() error {
	return b.local.Close()
}
