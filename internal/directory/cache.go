// Package directory serves handle-prefix searches over the user directory.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/policy"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keepsake_directory_cache_hits_total",
		Help: "Directory searches answered from the cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keepsake_directory_cache_misses_total",
		Help: "Directory searches that reached the store.",
	})
)

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 30 * time.Second
	DefaultLimit     = 20
	MaxLimit         = 50
)

// Searcher runs a prefix search against the store.
type Searcher interface {
	SearchUsers(ctx context.Context, caller policy.Caller, prefix string, limit int) ([]models.User, error)
}

// CachingSearcher wraps a Searcher with an expiring LRU keyed by prefix and
// limit. Every signed-in caller sees the same directory, so results are
// shared across callers; only successful lookups are cached.
type CachingSearcher struct {
	base  Searcher
	cache *expirable.LRU[string, []models.Profile]
}

// NewCachingSearcher returns a cache of size entries living for ttl.
func NewCachingSearcher(base Searcher, size int, ttl time.Duration) *CachingSearcher {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingSearcher{
		base:  base,
		cache: expirable.NewLRU[string, []models.Profile](size, nil, ttl),
	}
}

// Search returns the public profiles whose handle starts with prefix.
func (c *CachingSearcher) Search(ctx context.Context, caller policy.Caller, prefix string, limit int) ([]models.Profile, error) {
	if c == nil || c.base == nil {
		return nil, ErrUnavailable
	}
	limit = clampLimit(limit)
	key := fmt.Sprintf("%d:%s", limit, prefix)

	if cached, ok := c.cache.Get(key); ok {
		cacheHitsTotal.Inc()
		return cached, nil
	}
	cacheMissesTotal.Inc()

	users, err := c.base.SearchUsers(ctx, caller, prefix, limit)
	if err != nil {
		return nil, err
	}
	profiles := make([]models.Profile, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, u.Profile())
	}
	c.cache.Add(key, profiles)
	return profiles, nil
}

// Purge drops every cached result, e.g. after a signup.
func (c *CachingSearcher) Purge() {
	if c != nil {
		c.cache.Purge()
	}
}

// Len reports the number of cached prefixes.
func (c *CachingSearcher) Len() int { return c.cache.Len() }

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
