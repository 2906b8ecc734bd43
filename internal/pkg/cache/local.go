package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LocalCache is a size-bounded in-process cache. Entries share one TTL set
// at construction; the per-call ttl of Set is ignored.
type LocalCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewLocalCache creates a LocalCache holding at most size entries for ttl.
// A zero ttl keeps entries until they are evicted by size.
func NewLocalCache(size int, ttl time.Duration) *LocalCache {
	return &LocalCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get returns the stored value or ErrMiss.
func (c *LocalCache) Get(_ context.Context, key string) ([]byte, error) {
	val, ok := c.lru.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return val, nil
}

// Set stores a copy of value.
func (c *LocalCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.lru.Add(key, append([]byte(nil), value...))
	return nil
}

// Delete removes key.
func (c *LocalCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Close drops every entry.
func (c *LocalCache) Close() error {
	c.lru.Purge()
	return nil
}
