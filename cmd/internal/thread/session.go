package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bazaar/cmd/internal/messaging"
	"bazaar/cmd/internal/realtime"
)

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("thread: session closed")

// Backend is the message store boundary a Session talks to. messaging.Service satisfies it.
type Backend interface {
	ListMessages(ctx context.Context, conversationID, actorID string) ([]messaging.Message, error)
	AppendMessage(ctx context.Context, conversationID, senderID, content string) (messaging.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
	MarkOneRead(ctx context.Context, messageID, readerID string) (bool, error)
}

// Feed opens live feed subscriptions. realtime.Bridge satisfies it.
type Feed interface {
	Subscribe(conversationID string) (*realtime.Subscription, error)
}

// SendError reports a failed send. Draft is the text to offer for retry.
type SendError struct {
	Draft string
	Err   error
}

func (e *SendError) Error() string { return fmt.Sprintf("thread: send failed: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithReadTimeout bounds each background read-marking call.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// Session owns the in-memory view of one open conversation for one user.
//
// All state changes go through mu, so a feed notification and a send confirmation for
// the same message can land in either order and the view ends up identical.
// After Close no further change is applied.
type Session struct {
	backend        Backend
	feed           Feed
	log            *slog.Logger
	conversationID string
	userID         string
	readTimeout    time.Duration

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	updates chan struct{}

	mu      sync.Mutex
	msgs    []messaging.Message
	pending int
	draft   string
	sendErr error
	feedErr error
	sub     *realtime.Subscription
	closed  bool
}

// Open seeds the view from history, marks the conversation read in the background and
// subscribes to the live feed.
//
// The subscription is opened before history is loaded so that nothing appended in between
// is missed; overlap is removed by Merge. A feed failure does not fail Open: the session
// works without live updates and FeedErr reports the cause. A history failure does.
func Open(ctx context.Context, backend Backend, feed Feed, conversationID, userID string, opts ...Option) (*Session, error) {
	const op = "thread.Open"
	if userID == "" {
		return nil, messaging.OpError{Op: op, Kind: messaging.ErrUnauthorized, Msg: "missing identity"}
	}
	if conversationID == "" {
		return nil, messaging.OpError{Op: op, Kind: messaging.ErrInvalidInput, Msg: "missing conversation_id"}
	}
	if backend == nil {
		return nil, errors.New("thread: nil backend")
	}

	s := &Session{
		backend:        backend,
		feed:           feed,
		log:            slog.Default(),
		conversationID: conversationID,
		userID:         userID,
		readTimeout:    10 * time.Second,
		updates:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.bg, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	sub, feedErr := s.subscribe()

	history, err := backend.ListMessages(ctx, conversationID, userID)
	if err != nil {
		if sub != nil {
			sub.Close()
		}
		s.cancel()
		return nil, err
	}

	s.mu.Lock()
	s.msgs = MergeAll(nil, history...)
	s.sub = sub
	s.feedErr = feedErr
	s.mu.Unlock()

	if sub != nil {
		s.wg.Add(1)
		go s.consume(sub)
	}

	s.wg.Add(1)
	go s.markAllRead(unreadFrom(history, userID))

	s.log.Debug("thread.open", "conversation_id", conversationID, "user_id", userID, "messages", len(history))
	return s, nil
}

func (s *Session) subscribe() (*realtime.Subscription, error) {
	if s.feed == nil {
		return nil, errors.New("thread: no live feed configured")
	}
	sub, err := s.feed.Subscribe(s.conversationID)
	if err != nil {
		s.log.Warn("thread.feed.subscribe_fail", "conversation_id", s.conversationID, "err", err)
		return nil, err
	}
	return sub, nil
}

// Send validates text, appends it and merges the stored message into the view.
// Empty or whitespace-only text is rejected without calling the backend.
// On failure nothing is added to the view and the text stays in Draft.
func (s *Session) Send(ctx context.Context, text string) (messaging.Message, error) {
	content, err := messaging.NormalizeContent(text)
	if err != nil {
		return messaging.Message{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return messaging.Message{}, ErrClosed
	}
	s.pending++
	s.draft = text
	s.mu.Unlock()
	s.notify()

	m, err := s.backend.AppendMessage(ctx, s.conversationID, s.userID, content)

	s.mu.Lock()
	s.pending--
	if err != nil {
		s.sendErr = err
		s.mu.Unlock()
		s.notify()
		s.log.Warn("thread.send.fail", "conversation_id", s.conversationID, "err", err)
		return messaging.Message{}, &SendError{Draft: text, Err: err}
	}
	s.sendErr = nil
	if s.draft == text {
		s.draft = ""
	}
	if !s.closed {
		s.msgs = Merge(s.msgs, m)
	}
	s.mu.Unlock()
	s.notify()
	return m, nil
}

// Resync reloads the full history and merges it into the view, re-subscribing to the
// feed if the previous subscription failed or was dropped. Use it after a feed disconnect.
func (s *Session) Resync(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	needSub := s.sub == nil || subscriptionDone(s.sub)
	s.mu.Unlock()

	var (
		sub     *realtime.Subscription
		feedErr error
	)
	if needSub {
		sub, feedErr = s.subscribe()
	}

	history, err := s.backend.ListMessages(ctx, s.conversationID, s.userID)
	if err != nil {
		if sub != nil {
			sub.Close()
		}
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return ErrClosed
	}
	s.msgs = MergeAll(s.msgs, history...)
	if needSub {
		s.feedErr = feedErr
		if sub == nil {
			s.sub = nil
		}
	}
	if sub != nil {
		s.sub = sub
		s.wg.Add(1)
		go s.consume(sub)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

func subscriptionDone(sub *realtime.Subscription) bool {
	select {
	case <-sub.Done():
		return true
	default:
		return false
	}
}

// Close unsubscribes from the feed and stops background work. It is idempotent.
// Once Close returns the view no longer changes.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	s.cancel()
	s.wg.Wait()
	s.log.Debug("thread.close", "conversation_id", s.conversationID, "user_id", s.userID)
}

// Messages returns a snapshot of the ordered view.
func (s *Session) Messages() []messaging.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messaging.Message(nil), s.msgs...)
}

// Groups returns the view split into calendar days in loc.
func (s *Session) Groups(loc *time.Location) []DateGroup {
	return GroupByDate(s.Messages(), loc)
}

// Pending is the number of sends awaiting the store.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Draft is the text of the last failed or in-flight send, "" once it succeeded.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Err is the error of the last send, nil after a successful one.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendErr
}

// FeedErr reports why the session has no live feed, if so.
func (s *Session) FeedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedErr
}

// Updates signals (coalesced) whenever the view, pending count or draft changes.
func (s *Session) Updates() <-chan struct{} { return s.updates }

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) consume(sub *realtime.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-s.bg.Done():
			return
		case <-sub.Done():
			s.dropped(sub)
			return
		case m := <-sub.C():
			s.receive(m)
		}
	}
}

// dropped forgets sub when the bridge closed it underneath the session,
// so FeedErr reports the loss and Resync subscribes again.
func (s *Session) dropped(sub *realtime.Subscription) {
	s.mu.Lock()
	if s.closed || s.sub != sub {
		s.mu.Unlock()
		return
	}
	s.sub = nil
	s.feedErr = realtime.ErrBridgeClosed
	s.mu.Unlock()
	s.log.Warn("thread.feed.dropped", "conversation_id", s.conversationID)
	s.notify()
}

// receive applies one feed notification and read-marks messages from the other participant.
func (s *Session) receive(m messaging.Message) {
	if m.ConversationID != s.conversationID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.msgs = Merge(s.msgs, m)
	s.mu.Unlock()
	s.notify()

	if m.SenderID == s.userID || m.Read {
		return
	}
	s.wg.Add(1)
	go s.markOneRead(m.ID)
}

// markAllRead flips the conversation in the store, then the given ids in the view.
func (s *Session) markAllRead(ids map[string]struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.bg, s.readTimeout)
	defer cancel()

	if _, err := s.backend.MarkRead(ctx, s.conversationID, s.userID); err != nil {
		s.log.Info("thread.mark_read.fail", "conversation_id", s.conversationID, "err", err)
		return
	}
	s.setRead(func(m messaging.Message) bool {
		_, ok := ids[m.ID]
		return ok
	})
}

func unreadFrom(list []messaging.Message, userID string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, m := range list {
		if !m.Read && m.SenderID != userID {
			out[m.ID] = struct{}{}
		}
	}
	return out
}

func (s *Session) markOneRead(messageID string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.bg, s.readTimeout)
	defer cancel()

	if _, err := s.backend.MarkOneRead(ctx, messageID, s.userID); err != nil {
		s.log.Info("thread.mark_one_read.fail", "conversation_id", s.conversationID, "message_id", messageID, "err", err)
		return
	}
	s.setRead(func(m messaging.Message) bool { return m.ID == messageID })
}

func (s *Session) setRead(match func(messaging.Message) bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false
	for i := range s.msgs {
		if !s.msgs[i].Read && match(s.msgs[i]) {
			s.msgs[i].Read = true
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}
