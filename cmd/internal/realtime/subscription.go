package realtime

import (
	"sync"

	"bazaar/cmd/internal/messaging"
)

// Subscription is one observer of one conversation feed.
//
// Design notes:
//   - The delivery channel is never closed by the hub; Done() signals shutdown.
//   - Close detaches from the hub before signalling Done, so once Close returns
//     no further message is delivered.
//   - Close is idempotent.
type Subscription struct {
	ID             string
	ConversationID string

	ch        chan messaging.Message
	done      chan struct{}
	closeOnce sync.Once
	detach    func(*Subscription)
}

func newSubscription(id, conversationID string, queueSize int, detach func(*Subscription)) *Subscription {
	if queueSize <= 0 {
		queueSize = defaultSubscriberQueue
	}
	return &Subscription{
		ID:             id,
		ConversationID: conversationID,
		ch:             make(chan messaging.Message, queueSize),
		done:           make(chan struct{}),
		detach:         detach,
	}
}

// C delivers feed notifications.
func (s *Subscription) C() <-chan messaging.Message {
	return s.ch
}

// Done returns a channel that is closed when the subscription has been closed.
func (s *Subscription) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close unsubscribes synchronously.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.detach != nil {
			s.detach(s)
		}
		close(s.done)
	})
}

// deliver is non-blocking; it reports whether the message was queued.
func (s *Subscription) deliver(m messaging.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- m:
		return true
	default:
		return false
	}
}
