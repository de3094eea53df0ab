package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Publisher receives every persisted message exactly once, after the write commits.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Service is the messaging boundary: Conversation Directory, Message Store operations
// and the Directory Aggregator. Every operation takes the acting user id explicitly.
type Service struct {
	store    Store
	pub      Publisher
	listings ListingCatalog
	profiles ProfileDirectory
	log      *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the live feed publisher used after successful appends.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.pub = p }
}

// WithCatalog sets the listing lookup used by summaries and thread headers.
func WithCatalog(c ListingCatalog) Option {
	return func(s *Service) { s.listings = c }
}

// WithProfiles sets the profile lookup used by summaries and thread headers.
func WithProfiles(p ProfileDirectory) Option {
	return func(s *Service) { s.profiles = p }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the collectors. nil disables metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service over store.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("messaging: nil store")
	}
	s := &Service{
		store: store,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// GetConversation returns a conversation the actor participates in.
func (s *Service) GetConversation(ctx context.Context, conversationID, actorID string) (Conversation, error) {
	const op = "messaging.GetConversation"
	if actorID == "" {
		return Conversation{}, unauthorized(op, "missing identity")
	}
	if conversationID == "" {
		return Conversation{}, invalidInput(op, "missing conversation_id")
	}

	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, s.storeErr(op, err)
	}
	if !c.IsParticipant(actorID) {
		return Conversation{}, unauthorized(op, "not a participant")
	}
	return c, nil
}

// IsParticipant reports whether userID may read and write conversationID.
// An unknown conversation is reported as false, not as an error.
func (s *Service) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	if conversationID == "" || userID == "" {
		return false, nil
	}
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, s.storeErr("messaging.IsParticipant", err)
	}
	return c.IsParticipant(userID), nil
}

func (s *Service) storeErr(op string, err error) error {
	out := unavailable(op, err)
	if IsUnavailable(out) {
		s.metrics.incStoreError(op)
	}
	return out
}
