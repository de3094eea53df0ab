package realtime

import (
	"sync"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// wsClient represents one connected websocket session.
//
// Design notes:
//   - send is NOT closed by the server to avoid panics from concurrent feed pumps.
//   - done is used to signal goroutines to stop.
//   - close is idempotent.
type wsClient struct {
	sessionID string
	userID    string
	send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	joined map[string]*Subscription
}

func newWSClient(userID, sessionID string, sendQueueSize int) *wsClient {
	if sendQueueSize <= 0 {
		sendQueueSize = wsDefaultSendQueueSize
	}
	return &wsClient{
		sessionID: sessionID,
		userID:    userID,
		send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		joined:    make(map[string]*Subscription),
	}
}

func (c *wsClient) Done() <-chan struct{} { return c.done }

// close stops the client goroutines and drops every feed subscription.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		subs := c.joined
		c.joined = nil
		c.mu.Unlock()

		for _, s := range subs {
			s.Close()
		}
	})
}

func (c *wsClient) subscription(conversationID string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[conversationID]
}

// addSubscription records s unless the client is closing or already joined.
func (c *wsClient) addSubscription(s *Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return false
	default:
	}
	if _, ok := c.joined[s.ConversationID]; ok {
		return false
	}
	c.joined[s.ConversationID] = s
	return true
}

func (c *wsClient) removeSubscription(conversationID string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.joined[conversationID]
	delete(c.joined, conversationID)
	return s
}
