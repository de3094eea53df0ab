package messaging

import (
	"context"
	"strings"
	"unicode/utf8"
)

// MaxContentRunes bounds a single message.
const MaxContentRunes = 4000

// NormalizeContent trims leading and trailing whitespace. Interior whitespace is kept verbatim.
// Empty or oversized content is ErrInvalidInput.
func NormalizeContent(content string) (string, error) {
	const op = "messaging.NormalizeContent"
	out := strings.TrimSpace(content)
	if out == "" {
		return "", invalidInput(op, "message is empty")
	}
	if utf8.RuneCountInString(out) > MaxContentRunes {
		return "", invalidInput(op, "message is too long")
	}
	return out, nil
}

// ListMessages returns the full history of a conversation, created_at ascending.
// Each call returns the complete current history.
func (s *Service) ListMessages(ctx context.Context, conversationID, actorID string) ([]Message, error) {
	const op = "messaging.ListMessages"
	if _, err := s.GetConversation(ctx, conversationID, actorID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, s.storeErr(op, err)
	}
	return msgs, nil
}

// AppendMessage persists content from senderID and publishes the stored message to the live feed.
// A publish failure is logged and does not fail the append.
func (s *Service) AppendMessage(ctx context.Context, conversationID, senderID, content string) (Message, error) {
	const op = "messaging.AppendMessage"
	if senderID == "" {
		return Message{}, unauthorized(op, "missing identity")
	}
	if conversationID == "" {
		return Message{}, invalidInput(op, "missing conversation_id")
	}
	text, err := NormalizeContent(content)
	if err != nil {
		return Message{}, err
	}

	m, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        text,
		Now:            s.now(),
	})
	if err != nil {
		if IsUnauthorized(err) {
			s.log.Warn("message.append.denied", "conversation_id", conversationID, "user_id", senderID)
		}
		return Message{}, s.storeErr(op, err)
	}
	s.metrics.incAppended()
	s.log.Debug("message.appended", "conversation_id", m.ConversationID, "message_id", m.ID, "user_id", senderID)

	if s.pub != nil {
		if perr := s.pub.Publish(ctx, m); perr != nil {
			s.metrics.incPublishFailure()
			s.log.Warn("message.publish.fail", "conversation_id", m.ConversationID, "message_id", m.ID, "err", perr)
		}
	}
	return m, nil
}

// MarkRead flips every unread message in the conversation not sent by readerID.
// Repeated calls are no-ops once everything qualifying is read.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	const op = "messaging.MarkRead"
	if _, err := s.GetConversation(ctx, conversationID, readerID); err != nil {
		return 0, err
	}
	n, err := s.store.MarkRead(ctx, conversationID, readerID)
	if err != nil {
		return 0, s.storeErr(op, err)
	}
	s.metrics.addMarkedRead(n)
	return n, nil
}

// MarkOneRead flips a single message. Marking your own message is a no-op.
func (s *Service) MarkOneRead(ctx context.Context, messageID, readerID string) (bool, error) {
	const op = "messaging.MarkOneRead"
	if readerID == "" {
		return false, unauthorized(op, "missing identity")
	}
	if messageID == "" {
		return false, invalidInput(op, "missing message_id")
	}

	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, s.storeErr(op, err)
	}
	if _, err := s.GetConversation(ctx, m.ConversationID, readerID); err != nil {
		return false, err
	}
	if m.SenderID == readerID || m.Read {
		return false, nil
	}

	ok, err := s.store.MarkMessageRead(ctx, messageID, readerID)
	if err != nil {
		return false, s.storeErr(op, err)
	}
	if ok {
		s.metrics.addMarkedRead(1)
	}
	return ok, nil
}
