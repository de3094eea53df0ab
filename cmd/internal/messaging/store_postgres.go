package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bazaar/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends take a per-conversation transactional advisory lock so created_at
//     never goes backwards within a conversation.
//   - Conversation creation relies on the (listing_id, buyer_id) unique constraint;
//     the loser gets ConflictError.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "bazaar").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: defaultSchema,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const conversationColumns = `id, listing_id, buyer_id, seller_id, created_at`
const messageColumns = `id, conversation_id, sender_id, content, created_at, is_read`

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.ListingID, &c.BuyerID, &c.SellerID, &c.CreatedAt)
	return c, err
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.Read)
	return m, err
}

// FindConversation looks up the conversation for (listingID, buyerID).
func (s *PostgresStore) FindConversation(ctx context.Context, listingID, buyerID string) (Conversation, error) {
	const op = "messaging.pg.FindConversation"
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE listing_id = $1 AND buyer_id = $2`,
		listingID, buyerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

// CreateConversation inserts a conversation. A concurrent winner surfaces as ConflictError.
func (s *PostgresStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	const op = "messaging.pg.CreateConversation"
	if in.ListingID == "" || in.BuyerID == "" || in.SellerID == "" {
		return Conversation{}, invalidInput(op, "listing, buyer and seller are required")
	}
	if in.BuyerID == in.SellerID {
		return Conversation{}, invalidInput(op, "buyer and seller must differ")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "conversations")+` (id, listing_id, buyer_id, seller_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+conversationColumns,
		id, in.ListingID, in.BuyerID, in.SellerID, now,
	))
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Conversation{}, ConflictError{Op: op, Field: field}
		}
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

// GetConversation returns a conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const op = "messaging.pg.GetConversation"
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

// ListActivity returns userID's conversations with their latest message and unread count.
func (s *PostgresStore) ListActivity(ctx context.Context, userID string) ([]ConversationActivity, error) {
	const op = "messaging.pg.ListActivity"
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.listing_id, c.buyer_id, c.seller_id, c.created_at,
		        lm.id, lm.sender_id, lm.content, lm.created_at, lm.is_read,
		        COALESCE(u.n, 0)
		   FROM `+conversations+` c
		   LEFT JOIN LATERAL (
		        SELECT m.id, m.sender_id, m.content, m.created_at, m.is_read
		          FROM `+messages+` m
		         WHERE m.conversation_id = c.id
		         ORDER BY m.created_at DESC, m.id DESC
		         LIMIT 1
		   ) lm ON true
		   LEFT JOIN LATERAL (
		        SELECT count(*)::int AS n
		          FROM `+messages+` m
		         WHERE m.conversation_id = c.id AND NOT m.is_read AND m.sender_id <> $1
		   ) u ON true
		  WHERE c.buyer_id = $1 OR c.seller_id = $1
		  ORDER BY c.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]ConversationActivity, 0)
	for rows.Next() {
		var (
			a        ConversationActivity
			lmID     *string
			lmSender *string
			lmText   *string
			lmAt     *time.Time
			lmRead   *bool
		)
		if err := rows.Scan(
			&a.Conversation.ID, &a.Conversation.ListingID, &a.Conversation.BuyerID,
			&a.Conversation.SellerID, &a.Conversation.CreatedAt,
			&lmID, &lmSender, &lmText, &lmAt, &lmRead,
			&a.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if lmID != nil {
			a.LastMessage = &Message{
				ID:             *lmID,
				ConversationID: a.Conversation.ID,
				SenderID:       deref(lmSender),
				Content:        deref(lmText),
				CreatedAt:      *lmAt,
				Read:           lmRead != nil && *lmRead,
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ListMessages returns the full history ordered by created_at ASC, id ASC.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	const op = "messaging.pg.ListMessages"
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1
		  ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return msgs, nil
}

// GetMessage returns a message by id.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	const op = "messaging.pg.GetMessage"
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+pgIdent(s.schema, "messages")+` WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, NotFoundError{Op: op, Resource: "message"}
	}
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return m, nil
}

// AppendMessage inserts a message for a participant sender.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "messaging.pg.AppendMessage"
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return Message{}, fmt.Errorf("%s: advisory lock: %w", op, err)
	}

	var (
		isParticipant bool
		last          *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT ($2 IN (c.buyer_id, c.seller_id)),
		        (SELECT max(m.created_at) FROM `+messages+` m WHERE m.conversation_id = c.id)
		   FROM `+conversations+` c
		  WHERE c.id = $1`,
		in.ConversationID, in.SenderID,
	).Scan(&isParticipant, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, NotFoundError{Op: op, Resource: "conversation"}
	}
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	if !isParticipant {
		return Message{}, unauthorized(op, "sender is not a participant")
	}
	if last != nil && now.Before(*last) {
		now = *last
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	m, err := scanMessage(tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (id, conversation_id, sender_id, content, created_at, is_read)
		 VALUES ($1, $2, $3, $4, $5, false)
		 RETURNING `+messageColumns,
		id, in.ConversationID, in.SenderID, in.Content, now,
	))
	if err != nil {
		return Message{}, fmt.Errorf("%s: insert message: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	return m, nil
}

// MarkRead flips every unread message in the conversation not sent by readerID.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	const op = "messaging.pg.MarkRead"
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "messages")+`
		    SET is_read = true
		  WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read`,
		conversationID, readerID,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

// MarkMessageRead flips one message when readerID is not its sender.
func (s *PostgresStore) MarkMessageRead(ctx context.Context, messageID, readerID string) (bool, error) {
	const op = "messaging.pg.MarkMessageRead"
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "messages")+`
		    SET is_read = true
		  WHERE id = $1 AND sender_id <> $2 AND NOT is_read`,
		messageID, readerID,
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}
	switch strings.ToLower(strings.TrimSpace(pgErr.ConstraintName)) {
	case "uq_conversations_listing_buyer":
		return "listing_buyer", true
	default:
		return "unique", true
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
