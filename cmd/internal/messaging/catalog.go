package messaging

import (
	"context"
	"strings"
	"sync"
)

// FallbackListingTitle is shown when a listing cannot be resolved.
const FallbackListingTitle = "Item"

// ListingCatalog resolves listing display data. Missing ids are simply absent from the result.
type ListingCatalog interface {
	Listings(ctx context.Context, ids []string) (map[string]ListingCard, error)
}

// ProfileDirectory resolves user display data. Missing ids are simply absent from the result.
type ProfileDirectory interface {
	Profiles(ctx context.Context, ids []string) (map[string]Profile, error)
}

// PhotoURL builds the public object URL for a listing photo storage path.
// Empty base or path yields "".
func PhotoURL(base, storagePath string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	storagePath = strings.TrimLeft(strings.TrimSpace(storagePath), "/")
	if base == "" || storagePath == "" {
		return ""
	}
	return base + "/storage/v1/object/public/listing-photos/" + storagePath
}

// StaticCatalog is an in-memory ListingCatalog and ProfileDirectory, used in dev and tests.
type StaticCatalog struct {
	mu       sync.RWMutex
	listings map[string]ListingCard
	profiles map[string]Profile
}

// NewStaticCatalog constructs an empty StaticCatalog.
func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{
		listings: make(map[string]ListingCard),
		profiles: make(map[string]Profile),
	}
}

// PutListing registers or replaces a listing.
func (c *StaticCatalog) PutListing(l ListingCard) {
	c.mu.Lock()
	c.listings[l.ID] = l
	c.mu.Unlock()
}

// PutProfile registers or replaces a profile.
func (c *StaticCatalog) PutProfile(p Profile) {
	c.mu.Lock()
	c.profiles[p.ID] = p
	c.mu.Unlock()
}

func (c *StaticCatalog) Listings(ctx context.Context, ids []string) (map[string]ListingCard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]ListingCard, len(ids))
	for _, id := range ids {
		if l, ok := c.listings[id]; ok {
			out[id] = l
		}
	}
	return out, nil
}

func (c *StaticCatalog) Profiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Profile, len(ids))
	for _, id := range ids {
		if p, ok := c.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
