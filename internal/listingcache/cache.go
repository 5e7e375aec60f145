// Package listingcache keeps short-lived catalog listing pages (discover and
// search results) and patches their shelf/favorite display overrides when
// the bookshelf changes, so stale listings stay visually consistent with the
// authoritative store.
package listingcache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"libris/pkg/domain"
)

// DefaultTTL is how long a cached listing stays usable.
const DefaultTTL = 10 * time.Minute

// Listing is one cached page of catalog results.
type Listing struct {
	Items      []domain.Book `json:"items"`
	TotalItems int           `json:"totalItems"`
	HasMore    bool          `json:"hasMore"`
}

type entry struct {
	storedAt time.Time
	listing  Listing
}

// Cache is a keyed TTL cache for one listing namespace. Expiry is
// pull-based: expired entries are treated as absent on Get, no sweeper runs.
type Cache struct {
	mu   sync.RWMutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]*entry
}

// New builds a cache with the given TTL (DefaultTTL when ttl <= 0).
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:  ttl,
		now:  time.Now,
		data: make(map[string]*entry),
	}
}

// Get returns the listing under key if present and unexpired.
func (c *Cache) Get(key string) (Listing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[key]
	if !ok || c.now().Sub(e.storedAt) > c.ttl {
		return Listing{}, false
	}
	return e.listing, true
}

// Put stores a listing under key, restarting its expiry window.
func (c *Cache) Put(key string, listing Listing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = &entry{storedAt: c.now(), listing: listing}
}

// Clear drops every entry in the namespace.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]*entry)
}

// Len reports how many entries are held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// PatchBookStatus scans all cached listings and overwrites the shelf and
// favorite overrides of any item matching bookID. Best-effort and in-place;
// nothing is invalidated or refetched. Category "" means no shelf.
func (c *Cache) PatchBookStatus(bookID string, category domain.ShelfCategory, favorite bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.data {
		for i := range e.listing.Items {
			if e.listing.Items[i].ID == bookID {
				e.listing.Items[i].Shelf = category
				e.listing.Items[i].Favorite = favorite
			}
		}
	}
}

// Caches bundles the discover and search namespaces.
type Caches struct {
	Discover *Cache
	Search   *Cache
}

// NewCaches builds both namespaces with a shared TTL.
func NewCaches(ttl time.Duration) *Caches {
	return &Caches{
		Discover: New(ttl),
		Search:   New(ttl),
	}
}

// PatchBookStatus fans the override update out to every namespace.
func (cs *Caches) PatchBookStatus(bookID string, category domain.ShelfCategory, favorite bool) {
	cs.Discover.PatchBookStatus(bookID, category, favorite)
	cs.Search.PatchBookStatus(bookID, category, favorite)
}

// ClearAll empties every namespace. Used on sign-out.
func (cs *Caches) ClearAll() {
	cs.Discover.Clear()
	cs.Search.Clear()
}

// Key canonicalizes listing parameters into a stable cache key.
func Key(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}
