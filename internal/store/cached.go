package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	groupCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "projecthub_group_cache_hits_total",
		Help: "Group lookup LRU cache hits.",
	})
	groupCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "projecthub_group_cache_misses_total",
		Help: "Group lookup LRU cache misses.",
	})
)

type groupCacheEntry struct {
	group Group
	found bool
}

// CachedStore wraps a PostgresStore with a short-TTL LRU in front of
// GroupByName, the hottest lookup on the listing path. Negative results
// (no such group) are cached too, since "GUID has no group" is the normal
// case for topics outside any project. Entries are invalidated explicitly
// on project update and delete; the TTL bounds staleness for out-of-band
// group edits.
type CachedStore struct {
	*PostgresStore
	groups *expirable.LRU[string, groupCacheEntry]
}

func NewCachedStore(inner *PostgresStore, maxSize int, ttl time.Duration) *CachedStore {
	return &CachedStore{
		PostgresStore: inner,
		groups:        expirable.NewLRU[string, groupCacheEntry](maxSize, nil, ttl),
	}
}

func (c *CachedStore) GroupByName(ctx context.Context, name string) (Group, error) {
	if entry, ok := c.groups.Get(name); ok {
		groupCacheHitsTotal.Inc()
		if !entry.found {
			return Group{}, sql.ErrNoRows
		}
		return entry.group, nil
	}
	groupCacheMissesTotal.Inc()

	g, err := c.PostgresStore.GroupByName(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		c.groups.Add(name, groupCacheEntry{})
		return Group{}, sql.ErrNoRows
	}
	if err != nil {
		return Group{}, err
	}
	c.groups.Add(name, groupCacheEntry{group: g, found: true})
	return g, nil
}

// InvalidateGroup drops the cached entry for name, if any.
func (c *CachedStore) InvalidateGroup(name string) {
	c.groups.Remove(name)
}
