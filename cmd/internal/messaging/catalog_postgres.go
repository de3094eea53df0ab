package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCatalog reads listings, their photos and profiles from the marketplace tables.
// Like PostgresStore it does not own the pool.
type PostgresCatalog struct {
	pool         *pgxpool.Pool
	schema       string
	photoBaseURL string
}

// NewPostgresCatalog constructs a catalog reading from schema (default "bazaar").
func NewPostgresCatalog(pool *pgxpool.Pool, schema, photoBaseURL string) (*PostgresCatalog, error) {
	if pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = defaultSchema
	}
	if !isValidPGIdent(schema) {
		return nil, errors.New("messaging: invalid schema identifier")
	}
	return &PostgresCatalog{pool: pool, schema: schema, photoBaseURL: photoBaseURL}, nil
}

// Listings returns listing cards with the lowest display_order photo resolved to a public URL.
func (c *PostgresCatalog) Listings(ctx context.Context, ids []string) (map[string]ListingCard, error) {
	const op = "messaging.pg.Listings"
	out := make(map[string]ListingCard, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := c.pool.Query(ctx,
		`SELECT l.id, l.seller_id, l.title, l.price::float8, p.storage_path
		   FROM `+pgIdent(c.schema, "listings")+` l
		   LEFT JOIN LATERAL (
		        SELECT ph.storage_path
		          FROM `+pgIdent(c.schema, "listing_photos")+` ph
		         WHERE ph.listing_id = l.id
		         ORDER BY ph.display_order ASC, ph.storage_path ASC
		         LIMIT 1
		   ) p ON true
		  WHERE l.id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l    ListingCard
			path *string
		)
		if err := rows.Scan(&l.ID, &l.SellerID, &l.Title, &l.Price, &path); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		l.PhotoURL = PhotoURL(c.photoBaseURL, deref(path))
		out[l.ID] = l
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// Profiles returns display profiles for ids.
func (c *PostgresCatalog) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	const op = "messaging.pg.Profiles"
	out := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := c.pool.Query(ctx,
		`SELECT id, COALESCE(display_name, ''), COALESCE(avatar_url, '')
		   FROM `+pgIdent(c.schema, "profiles")+`
		  WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
