package messaging

import (
	"context"
	"sort"
	"sync"
	"time"

	"bazaar/cmd/identity/ids"
)

// InMemoryStore is the dev fallback when no database is configured.
// It enforces the same invariants as PostgresStore: (listing, buyer) uniqueness,
// participant-only appends, and non-decreasing created_at per conversation.
type InMemoryStore struct {
	mu sync.Mutex

	convs   map[string]Conversation
	byPair  map[pairKey]string
	threads map[string]*memThread
	msgConv map[string]string // message id -> conversation id
}

type pairKey struct {
	listingID string
	buyerID   string
}

type memThread struct {
	last time.Time
	msgs []Message // ordered by (created_at, id)
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:   make(map[string]Conversation),
		byPair:  make(map[pairKey]string),
		threads: make(map[string]*memThread),
		msgConv: make(map[string]string),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// FindConversation looks up the conversation for (listingID, buyerID).
func (s *InMemoryStore) FindConversation(ctx context.Context, listingID, buyerID string) (Conversation, error) {
	const op = "messaging.memory.FindConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[pairKey{listingID: listingID, buyerID: buyerID}]
	if !ok {
		return Conversation{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	return s.convs[id], nil
}

// CreateConversation inserts a conversation or returns ConflictError if (listing, buyer) exists.
func (s *InMemoryStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	const op = "messaging.memory.CreateConversation"
	if in.ListingID == "" || in.BuyerID == "" || in.SellerID == "" {
		return Conversation{}, invalidInput(op, "listing, buyer and seller are required")
	}
	if in.BuyerID == in.SellerID {
		return Conversation{}, invalidInput(op, "buyer and seller must differ")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{listingID: in.ListingID, buyerID: in.BuyerID}
	if _, ok := s.byPair[key]; ok {
		return Conversation{}, ConflictError{Op: op, Field: "listing_buyer"}
	}

	c := Conversation{
		ID:        id,
		ListingID: in.ListingID,
		BuyerID:   in.BuyerID,
		SellerID:  in.SellerID,
		CreatedAt: now,
	}
	s.convs[id] = c
	s.byPair[key] = id
	s.threads[id] = &memThread{}
	return c, nil
}

// GetConversation returns a conversation by id.
func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, NotFoundError{Op: "messaging.memory.GetConversation", Resource: "conversation"}
	}
	return c, nil
}

// ListActivity returns every conversation of userID with its latest message and unread count.
func (s *InMemoryStore) ListActivity(ctx context.Context, userID string) ([]ConversationActivity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConversationActivity, 0)
	for id, c := range s.convs {
		if !c.IsParticipant(userID) {
			continue
		}
		act := ConversationActivity{Conversation: c}
		if th := s.threads[id]; th != nil && len(th.msgs) > 0 {
			last := th.msgs[len(th.msgs)-1]
			act.LastMessage = &last
			for _, m := range th.msgs {
				if !m.Read && m.SenderID != userID {
					act.UnreadCount++
				}
			}
		}
		out = append(out, act)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Conversation.ID < out[j].Conversation.ID })
	return out, nil
}

// ListMessages returns the full history of a conversation in ascending order.
func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[conversationID]
	if th == nil {
		return nil, NotFoundError{Op: "messaging.memory.ListMessages", Resource: "conversation"}
	}
	return append([]Message(nil), th.msgs...), nil
}

// GetMessage returns a message by id.
func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, m, ok := s.lookupLocked(id)
	if !ok {
		return Message{}, NotFoundError{Op: "messaging.memory.GetMessage", Resource: "message"}
	}
	return m, nil
}

// AppendMessage persists a message. created_at never goes backwards within a conversation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "messaging.memory.AppendMessage"
	if in.ConversationID == "" || in.SenderID == "" || in.Content == "" {
		return Message{}, invalidInput(op, "conversation, sender and content are required")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return Message{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	if !c.IsParticipant(in.SenderID) {
		return Message{}, unauthorized(op, "sender is not a participant")
	}

	th := s.threads[c.ID]
	if now.Before(th.last) {
		now = th.last
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	m := Message{
		ID:             id,
		ConversationID: c.ID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		CreatedAt:      now,
	}
	th.last = now
	th.msgs = append(th.msgs, m)
	s.msgConv[id] = c.ID
	return m, nil
}

// MarkRead flips every unread message not sent by readerID. Returns the number changed.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[conversationID]
	if th == nil {
		return 0, NotFoundError{Op: "messaging.memory.MarkRead", Resource: "conversation"}
	}
	var n int64
	for i := range th.msgs {
		if !th.msgs[i].Read && th.msgs[i].SenderID != readerID {
			th.msgs[i].Read = true
			n++
		}
	}
	return n, nil
}

// MarkMessageRead flips a single message when readerID is not its sender.
func (s *InMemoryStore) MarkMessageRead(ctx context.Context, messageID, readerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, m, ok := s.lookupLocked(messageID)
	if !ok {
		return false, NotFoundError{Op: "messaging.memory.MarkMessageRead", Resource: "message"}
	}
	if m.Read || m.SenderID == readerID {
		return false, nil
	}
	s.threads[m.ConversationID].msgs[idx].Read = true
	return true, nil
}

func (s *InMemoryStore) lookupLocked(messageID string) (int, Message, bool) {
	convID, ok := s.msgConv[messageID]
	if !ok {
		return 0, Message{}, false
	}
	for i, m := range s.threads[convID].msgs {
		if m.ID == messageID {
			return i, m, true
		}
	}
	return 0, Message{}, false
}
