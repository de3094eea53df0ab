// Package realtime is the live feed bridge: per-conversation fan-out of appended messages
// to in-process subscribers, a Redis relay for multi-instance deployments, and the WebSocket
// gateway that carries the feed to browsers.
//
// The bridge offers no replay. A subscriber that reconnects must re-run ListMessages to
// resynchronize.
package realtime

import (
	"context"
	"errors"

	"bazaar/cmd/internal/messaging"
)

// ErrBridgeClosed is returned by Publish/Subscribe after Close.
var ErrBridgeClosed = errors.New("realtime: bridge closed")

// Bridge is the Live Feed Bridge contract.
//
// Each Publish yields at most one delivery to each subscription that is open at that moment.
// Delivery never blocks the publisher: a full subscriber queue drops the notification.
type Bridge interface {
	Publish(ctx context.Context, msg messaging.Message) error
	Subscribe(conversationID string) (*Subscription, error)
}

var (
	_ Bridge              = (*Hub)(nil)
	_ Bridge              = (*RedisBridge)(nil)
	_ messaging.Publisher = (*Hub)(nil)
	_ messaging.Publisher = (*RedisBridge)(nil)
)
