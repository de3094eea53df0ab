package realtime

import (
	"sync"

	"bazaar/cmd/internal/messaging"
)

// feed is the subscriber set of one conversation.
//
// Concurrency guarantees:
//   - add/remove are safe under concurrent broadcast.
//   - broadcast never blocks (drops under backpressure).
type feed struct {
	conversationID string

	mu      sync.RWMutex
	members map[string]*Subscription
}

func newFeed(conversationID string) *feed {
	return &feed{
		conversationID: conversationID,
		members:        make(map[string]*Subscription),
	}
}

func (f *feed) add(s *Subscription) {
	f.mu.Lock()
	f.members[s.ID] = s
	f.mu.Unlock()
}

// remove reports whether the feed is empty afterwards.
func (f *feed) remove(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, id)
	return len(f.members) == 0
}

func (f *feed) size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.members)
}

// broadcast returns the number of deliveries and drops.
func (f *feed) broadcast(m messaging.Message) (delivered, dropped int) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, s := range f.members {
		if s.deliver(m) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
