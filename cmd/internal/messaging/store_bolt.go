package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"bazaar/cmd/identity/ids"
)

// Bucket layout:
//
//	conversations        conv id -> Conversation JSON
//	conversation_pairs   listing id \x00 buyer id -> conv id
//	user_conversations   user id (nested) -> conv id -> ""
//	messages             conv id (nested) -> message id -> Message JSON
//	message_index        message id -> conv id
var (
	bucketConversations     = []byte("conversations")
	bucketConversationPairs = []byte("conversation_pairs")
	bucketUserConversations = []byte("user_conversations")
	bucketMessages          = []byte("messages")
	bucketMessageIndex      = []byte("message_index")
)

var errBoltAbort = errors.New("messaging: bolt tx aborted")

// BoltStore is a single-node durable Store kept in one bbolt file.
// Message keys are ULIDs, so cursor order is (created_at, id) order.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the store file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, invalidInput("messaging.bolt.Open", "path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("messaging.bolt.Open: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, unavailable("messaging.bolt.Open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketConversations,
			bucketConversationPairs,
			bucketUserConversations,
			bucketMessages,
			bucketMessageIndex,
		} {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, unavailable("messaging.bolt.Open", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the file lock.
func (s *BoltStore) Close() error { return s.db.Close() }

func pairKeyBytes(listingID, buyerID string) []byte {
	k := make([]byte, 0, len(listingID)+len(buyerID)+1)
	k = append(k, listingID...)
	k = append(k, 0)
	return append(k, buyerID...)
}

func getConversationTx(tx *bolt.Tx, id string) (Conversation, bool, error) {
	raw := tx.Bucket(bucketConversations).Get([]byte(id))
	if raw == nil {
		return Conversation{}, false, nil
	}
	var c Conversation
	if err := json.Unmarshal(raw, &c); err != nil {
		return Conversation{}, false, err
	}
	return c, true, nil
}

// FindConversation looks up the conversation for (listingID, buyerID).
func (s *BoltStore) FindConversation(ctx context.Context, listingID, buyerID string) (Conversation, error) {
	const op = "messaging.bolt.FindConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	var (
		c     Conversation
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketConversationPairs).Get(pairKeyBytes(listingID, buyerID))
		if id == nil {
			return nil
		}
		var err error
		c, found, err = getConversationTx(tx, string(id))
		return err
	})
	if err != nil {
		return Conversation{}, unavailable(op, err)
	}
	if !found {
		return Conversation{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	return c, nil
}

// CreateConversation inserts a conversation or returns ConflictError if (listing, buyer) exists.
func (s *BoltStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	const op = "messaging.bolt.CreateConversation"
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
	c := Conversation{
		ID:        id,
		ListingID: in.ListingID,
		BuyerID:   in.BuyerID,
		SellerID:  in.SellerID,
		CreatedAt: now,
	}

	conflict := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		pairs := tx.Bucket(bucketConversationPairs)
		key := pairKeyBytes(in.ListingID, in.BuyerID)
		if pairs.Get(key) != nil {
			conflict = true
			return errBoltAbort
		}
		enc, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketConversations).Put([]byte(id), enc); err != nil {
			return err
		}
		if err := pairs.Put(key, []byte(id)); err != nil {
			return err
		}
		users := tx.Bucket(bucketUserConversations)
		for _, u := range []string{c.BuyerID, c.SellerID} {
			ub, err := users.CreateBucketIfNotExists([]byte(u))
			if err != nil {
				return err
			}
			if err := ub.Put([]byte(id), nil); err != nil {
				return err
			}
		}
		_, err = tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(id))
		return err
	})
	if conflict {
		return Conversation{}, ConflictError{Op: op, Field: "listing_buyer"}
	}
	if err != nil {
		return Conversation{}, unavailable(op, err)
	}
	return c, nil
}

// GetConversation returns a conversation by id.
func (s *BoltStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const op = "messaging.bolt.GetConversation"
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	var (
		c     Conversation
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, found, err = getConversationTx(tx, id)
		return err
	})
	if err != nil {
		return Conversation{}, unavailable(op, err)
	}
	if !found {
		return Conversation{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	return c, nil
}

// ListActivity returns every conversation of userID with its latest message and unread count.
func (s *BoltStore) ListActivity(ctx context.Context, userID string) ([]ConversationActivity, error) {
	const op = "messaging.bolt.ListActivity"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]ConversationActivity, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		ub := tx.Bucket(bucketUserConversations).Bucket([]byte(userID))
		if ub == nil {
			return nil
		}
		msgs := tx.Bucket(bucketMessages)
		return ub.ForEach(func(k, _ []byte) error {
			c, ok, err := getConversationTx(tx, string(k))
			if err != nil || !ok {
				return err
			}
			act := ConversationActivity{Conversation: c}
			mb := msgs.Bucket(k)
			if mb == nil {
				out = append(out, act)
				return nil
			}
			if _, v := mb.Cursor().Last(); v != nil {
				var last Message
				if err := json.Unmarshal(v, &last); err != nil {
					return err
				}
				act.LastMessage = &last
			}
			err = mb.ForEach(func(_, v []byte) error {
				var m Message
				if err := json.Unmarshal(v, &m); err != nil {
					return err
				}
				if !m.Read && m.SenderID != userID {
					act.UnreadCount++
				}
				return nil
			})
			if err != nil {
				return err
			}
			out = append(out, act)
			return nil
		})
	})
	if err != nil {
		return nil, unavailable(op, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Conversation.ID < out[j].Conversation.ID })
	return out, nil
}

// ListMessages returns the full history of a conversation in ascending order.
func (s *BoltStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	const op = "messaging.bolt.ListMessages"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		out   []Message
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if mb == nil {
			return nil
		}
		found = true
		return mb.ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, unavailable(op, err)
	}
	if !found {
		return nil, NotFoundError{Op: op, Resource: "conversation"}
	}
	return out, nil
}

func getMessageTx(tx *bolt.Tx, id string) (*bolt.Bucket, Message, bool, error) {
	convID := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if convID == nil {
		return nil, Message{}, false, nil
	}
	mb := tx.Bucket(bucketMessages).Bucket(convID)
	if mb == nil {
		return nil, Message{}, false, nil
	}
	raw := mb.Get([]byte(id))
	if raw == nil {
		return nil, Message{}, false, nil
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, Message{}, false, err
	}
	return mb, m, true, nil
}

// GetMessage returns a message by id.
func (s *BoltStore) GetMessage(ctx context.Context, id string) (Message, error) {
	const op = "messaging.bolt.GetMessage"
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	var (
		m     Message
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		_, m, found, err = getMessageTx(tx, id)
		return err
	})
	if err != nil {
		return Message{}, unavailable(op, err)
	}
	if !found {
		return Message{}, NotFoundError{Op: op, Resource: "message"}
	}
	return m, nil
}

// AppendMessage persists a message. created_at never goes backwards within a conversation.
func (s *BoltStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "messaging.bolt.AppendMessage"
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

	var (
		m       Message
		outcome error
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		c, ok, err := getConversationTx(tx, in.ConversationID)
		if err != nil {
			return err
		}
		if !ok {
			outcome = NotFoundError{Op: op, Resource: "conversation"}
			return errBoltAbort
		}
		if !c.IsParticipant(in.SenderID) {
			outcome = unauthorized(op, "sender is not a participant")
			return errBoltAbort
		}

		mb, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(c.ID))
		if err != nil {
			return err
		}
		if _, v := mb.Cursor().Last(); v != nil {
			var last Message
			if err := json.Unmarshal(v, &last); err != nil {
				return err
			}
			if now.Before(last.CreatedAt) {
				now = last.CreatedAt
			}
		}
		id, err := ids.NewULID(now)
		if err != nil {
			outcome = err
			return errBoltAbort
		}
		m = Message{
			ID:             id,
			ConversationID: c.ID,
			SenderID:       in.SenderID,
			Content:        in.Content,
			CreatedAt:      now,
		}
		enc, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := mb.Put([]byte(id), enc); err != nil {
			return err
		}
		return tx.Bucket(bucketMessageIndex).Put([]byte(id), []byte(c.ID))
	})
	if outcome != nil {
		return Message{}, outcome
	}
	if err != nil {
		return Message{}, unavailable(op, err)
	}
	return m, nil
}

// MarkRead flips every unread message not sent by readerID. Returns the number changed.
func (s *BoltStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	const op = "messaging.bolt.MarkRead"
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var (
		n     int64
		found bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if mb == nil {
			return nil
		}
		found = true

		type update struct {
			key []byte
			val []byte
		}
		var updates []update
		err := mb.ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Read || m.SenderID == readerID {
				return nil
			}
			m.Read = true
			enc, err := json.Marshal(m)
			if err != nil {
				return err
			}
			updates = append(updates, update{key: bytes.Clone(k), val: enc})
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range updates {
			if err := mb.Put(u.key, u.val); err != nil {
				return err
			}
		}
		n = int64(len(updates))
		return nil
	})
	if err != nil {
		return 0, unavailable(op, err)
	}
	if !found {
		return 0, NotFoundError{Op: op, Resource: "conversation"}
	}
	return n, nil
}

// MarkMessageRead flips a single message when readerID is not its sender.
func (s *BoltStore) MarkMessageRead(ctx context.Context, messageID, readerID string) (bool, error) {
	const op = "messaging.bolt.MarkMessageRead"
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var (
		changed bool
		found   bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		mb, m, ok, err := getMessageTx(tx, messageID)
		if err != nil || !ok {
			return err
		}
		found = true
		if m.Read || m.SenderID == readerID {
			return nil
		}
		m.Read = true
		enc, err := json.Marshal(m)
		if err != nil {
			return err
		}
		changed = true
		return mb.Put([]byte(m.ID), enc)
	})
	if err != nil {
		return false, unavailable(op, err)
	}
	if !found {
		return false, NotFoundError{Op: op, Resource: "message"}
	}
	return changed, nil
}
