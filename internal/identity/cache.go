// Package identity implements C10: a TTL-bounded cache mapping upstream
// user/tag ids to display names, so handlers can hydrate CanonicalTask
// AssigneeNames etc without a resolution round-trip on every event.
// Lookups never fail the caller; a miss just falls back to the raw id.
package identity

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// Resolver looks up a display name for an id scoped to a source, e.g. a
// user id or a tag id. Implementations wrap an UpstreamClient's user/tag
// lookup endpoint.
type Resolver interface {
	Resolve(ctx context.Context, source syncmodel.Source, kind, id string) (name string, err error)
}

// FuncResolver dispatches Resolve calls by (source, kind) to a lookup
// function; used to wire a client's user/tag endpoints without the
// client needing to know about the cache.
type FuncResolver map[string]func(ctx context.Context, id string) (string, error)

// Key builds the FuncResolver map key for a (source, kind) pair.
func Key(source syncmodel.Source, kind string) string {
	return string(source) + ":" + kind
}

func (r FuncResolver) Resolve(ctx context.Context, source syncmodel.Source, kind, id string) (string, error) {
	fn, ok := r[Key(source, kind)]
	if !ok {
		return id, nil
	}
	return fn(ctx, id)
}

type entry struct {
	name      string
	fetchedAt time.Time
}

type cacheKey struct {
	Source syncmodel.Source
	Kind   string
	ID     string
}

// Cache is a process-local, TTL-expiring name cache with an optional disk
// snapshot so a restart doesn't cold-start every lookup against upstream.
type Cache struct {
	mu       sync.Mutex
	items    map[cacheKey]entry
	ttl      time.Duration
	resolver Resolver
	snapshot string // path, empty disables persistence
}

func New(resolver Resolver, ttl time.Duration, snapshotPath string) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	c := &Cache{
		items:    map[cacheKey]entry{},
		ttl:      ttl,
		resolver: resolver,
		snapshot: snapshotPath,
	}
	c.load()
	return c
}

// Resolve returns the cached name if fresh, otherwise calls the resolver.
// On resolver error it returns the raw id and does not cache the failure,
// so a transient upstream outage never poisons the cache or blocks
// normalization (spec.md §4.6: identity resolution must never fail the
// pipeline).
func (c *Cache) Resolve(ctx context.Context, source syncmodel.Source, kind, id string) string {
	if id == "" {
		return ""
	}
	key := cacheKey{Source: source, Kind: kind, ID: id}

	c.mu.Lock()
	if e, ok := c.items[key]; ok && time.Since(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.name
	}
	c.mu.Unlock()

	if c.resolver == nil {
		return id
	}
	name, err := c.resolver.Resolve(ctx, source, kind, id)
	if err != nil || name == "" {
		return id
	}

	c.mu.Lock()
	c.items[key] = entry{name: name, fetchedAt: time.Now()}
	c.mu.Unlock()
	c.save()
	return name
}

// ResolveMany resolves a slice of ids in id-order; a blank id yields a
// blank name in its place.
func (c *Cache) ResolveMany(ctx context.Context, source syncmodel.Source, kind string, ids []string) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, c.Resolve(ctx, source, kind, id))
	}
	return names
}

type snapshotEntry struct {
	Source    syncmodel.Source `json:"source"`
	Kind      string           `json:"kind"`
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	FetchedAt time.Time        `json:"fetched_at"`
}

func (c *Cache) load() {
	if c.snapshot == "" {
		return
	}
	data, err := os.ReadFile(c.snapshot)
	if err != nil {
		return
	}
	var entries []snapshotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.items[cacheKey{Source: e.Source, Kind: e.Kind, ID: e.ID}] = entry{name: e.Name, fetchedAt: e.FetchedAt}
	}
}

// save writes a full snapshot atomically (tmp file + rename).
func (c *Cache) save() {
	if c.snapshot == "" {
		return
	}
	c.mu.Lock()
	entries := make([]snapshotEntry, 0, len(c.items))
	for key, e := range c.items {
		entries = append(entries, snapshotEntry{Source: key.Source, Kind: key.Kind, ID: key.ID, Name: e.name, FetchedAt: e.fetchedAt})
	}
	c.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	dir := filepath.Dir(c.snapshot)
	tmp, err := os.CreateTemp(dir, ".identity-cache-*.tmp")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return
	}
	_ = os.Rename(tmpPath, c.snapshot)
}
