package messaging

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultSchema = "bazaar"

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

// SchemaSQL returns the DDL for the messaging tables and the catalog tables the
// read paths join against. Statements are idempotent.
func SchemaSQL(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if !isValidPGIdent(schema) {
		return "", errors.New("messaging: invalid schema identifier")
	}
	s := pgx.Identifier{schema}.Sanitize()
	conversations := pgIdent(schema, "conversations")
	messages := pgIdent(schema, "messages")
	listings := pgIdent(schema, "listings")
	photos := pgIdent(schema, "listing_photos")
	profiles := pgIdent(schema, "profiles")

	return `CREATE SCHEMA IF NOT EXISTS ` + s + `;

CREATE TABLE IF NOT EXISTS ` + profiles + ` (
  id            text PRIMARY KEY,
  display_name  text,
  avatar_url    text
);

CREATE TABLE IF NOT EXISTS ` + listings + ` (
  id         text PRIMARY KEY,
  seller_id  text NOT NULL,
  title      text NOT NULL DEFAULT '',
  price      numeric(12,2) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ` + photos + ` (
  listing_id     text NOT NULL,
  storage_path   text NOT NULL,
  display_order  int  NOT NULL DEFAULT 0,
  PRIMARY KEY (listing_id, storage_path)
);

CREATE TABLE IF NOT EXISTS ` + conversations + ` (
  id          text PRIMARY KEY,
  listing_id  text NOT NULL,
  buyer_id    text NOT NULL,
  seller_id   text NOT NULL,
  created_at  timestamptz NOT NULL DEFAULT now(),
  CONSTRAINT uq_conversations_listing_buyer UNIQUE (listing_id, buyer_id),
  CONSTRAINT ck_conversations_distinct_parties CHECK (buyer_id <> seller_id)
);

CREATE INDEX IF NOT EXISTS ix_conversations_seller ON ` + conversations + ` (seller_id);
CREATE INDEX IF NOT EXISTS ix_conversations_buyer ON ` + conversations + ` (buyer_id);

CREATE TABLE IF NOT EXISTS ` + messages + ` (
  id               text PRIMARY KEY,
  conversation_id  text NOT NULL REFERENCES ` + conversations + ` (id) ON DELETE CASCADE,
  sender_id        text NOT NULL,
  content          text NOT NULL,
  created_at       timestamptz NOT NULL,
  is_read          boolean NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS ix_messages_conversation_created
  ON ` + messages + ` (conversation_id, created_at, id);
`, nil
}

// Migrate applies SchemaSQL on pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("messaging: nil pool")
	}
	ddl, err := SchemaSQL(schema)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, ddl)
	return err
}
