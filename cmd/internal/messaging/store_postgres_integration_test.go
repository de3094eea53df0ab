package messaging

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bazaar/cmd/identity/ids"
)

// Integration tests are enabled when BAZAAR_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_GetOrCreate_ConcurrentSingleRow(t *testing.T) {
	t.Parallel()

	pool, schema := mustOpenTestSchema(t)
	store := mustNewStore(t, pool, schema)
	svc, err := NewService(store, WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	const n = 8
	got := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := svc.GetOrCreateConversation(ctx, "listing-1", "buyer", "seller")
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			got[i] = c.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("conversation ids differ: %q vs %q", got[0], got[i])
		}
	}

	var cnt int
	if err := pool.QueryRow(ctx,
		`SELECT count(*) FROM `+pgIdent(schema, "conversations")+` WHERE listing_id = $1 AND buyer_id = $2`,
		"listing-1", "buyer",
	).Scan(&cnt); err != nil {
		t.Fatalf("count: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("expected exactly 1 conversation row, got %d", cnt)
	}
}

func TestPostgresStore_CreateConflictAndSelfConversation(t *testing.T) {
	t.Parallel()

	pool, schema := mustOpenTestSchema(t)
	store := mustNewStore(t, pool, schema)
	ctx := context.Background()

	in := CreateConversationInput{ListingID: "l", BuyerID: "b", SellerID: "s"}
	if _, err := store.CreateConversation(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateConversation(ctx, in); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.CreateConversation(ctx, CreateConversationInput{ListingID: "l", BuyerID: "s", SellerID: "s"}); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPostgresStore_Messages_OrderReadStateAndActivity(t *testing.T) {
	t.Parallel()

	pool, schema := mustOpenTestSchema(t)
	store := mustNewStore(t, pool, schema)
	ctx := context.Background()

	c, err := store.CreateConversation(ctx, CreateConversationInput{ListingID: "l", BuyerID: "b", SellerID: "s"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	steps := []struct {
		from string
		at   time.Time
	}{
		{"b", base},
		{"s", base.Add(-time.Minute)}, // skewed clock; must not go backwards
		{"b", base.Add(time.Second)},
	}
	for i, st := range steps {
		if _, err := store.AppendMessage(ctx, AppendMessageInput{
			ConversationID: c.ID, SenderID: st.from, Content: "m", Now: st.at,
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if _, err := store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: c.ID, SenderID: "x", Content: "nope",
	}); !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized for non-participant, got %v", err)
	}

	msgs, err := store.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("created_at went backwards at %d", i)
		}
	}

	acts, err := store.ListActivity(ctx, "s")
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if len(acts) != 1 || acts[0].UnreadCount != 2 || acts[0].LastMessage == nil || acts[0].LastMessage.ID != msgs[2].ID {
		t.Fatalf("unexpected activity: %+v", acts)
	}

	ok, err := store.MarkMessageRead(ctx, msgs[0].ID, "b")
	if err != nil || ok {
		t.Fatalf("sender mark: ok=%v err=%v", ok, err)
	}
	n, err := store.MarkRead(ctx, c.ID, "s")
	if err != nil || n != 2 {
		t.Fatalf("mark read: n=%d err=%v", n, err)
	}
	n, err = store.MarkRead(ctx, c.ID, "s")
	if err != nil || n != 0 {
		t.Fatalf("mark read again: n=%d err=%v", n, err)
	}
}

func TestPostgresCatalog_LowestDisplayOrderPhoto(t *testing.T) {
	t.Parallel()

	pool, schema := mustOpenTestSchema(t)
	ctx := context.Background()

	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "listings")+` (id, seller_id, title, price) VALUES ('l1', 's', 'Lamp', 12.5)`,
	); err != nil {
		t.Fatalf("insert listing: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "listing_photos")+` (listing_id, storage_path, display_order)
		 VALUES ('l1', 's/second.jpg', 2), ('l1', 's/first.jpg', 0)`,
	); err != nil {
		t.Fatalf("insert photos: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "profiles")+` (id, display_name) VALUES ('s', 'Sol')`,
	); err != nil {
		t.Fatalf("insert profile: %v", err)
	}

	cat, err := NewPostgresCatalog(pool, schema, "https://cdn.example")
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}

	ls, err := cat.Listings(ctx, []string{"l1", "missing"})
	if err != nil {
		t.Fatalf("listings: %v", err)
	}
	if len(ls) != 1 {
		t.Fatalf("expected 1 listing, got %d", len(ls))
	}
	want := "https://cdn.example/storage/v1/object/public/listing-photos/s/first.jpg"
	if ls["l1"].PhotoURL != want || ls["l1"].Title != "Lamp" || ls["l1"].Price != 12.5 {
		t.Fatalf("unexpected listing: %+v", ls["l1"])
	}

	ps, err := cat.Profiles(ctx, []string{"s"})
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if ps["s"].DisplayName != "Sol" {
		t.Fatalf("unexpected profile: %+v", ps["s"])
	}
}

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

// mustOpenTestSchema connects, creates a throwaway schema with the messaging tables,
// and registers cleanup.
func mustOpenTestSchema(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("BAZAAR_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: BAZAAR_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}

	schema := "bazaar_it_" + strings.ToLower(ids.MustULID(time.Now()))
	if err := Migrate(ctx, pool, schema); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
		pool.Close()
	})
	return pool, schema
}
