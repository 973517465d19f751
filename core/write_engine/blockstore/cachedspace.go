package blockstore

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedSpace puts an LRU read cache in front of another Space. Cached blocks
// are immutable byte slices; Read hands out copies.
type CachedSpace struct {
	Space
	cache *lru.Cache[BlockID, []byte]
}

// NewCachedSpace wraps inner with a cache holding up to capacity blocks.
func NewCachedSpace(inner Space, capacity int) (*CachedSpace, error) {
	cache, err := lru.New[BlockID, []byte](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating block cache for %s: %w", inner.Name(), err)
	}
	return &CachedSpace{Space: inner, cache: cache}, nil
}

func (c *CachedSpace) Read(id BlockID) ([]byte, error) {
	if data, ok := c.cache.Get(id); ok {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	data, err := c.Space.Read(id)
	if err != nil {
		return nil, err
	}
	cached := make([]byte, len(data))
	copy(cached, data)
	c.cache.Add(id, cached)
	return data, nil
}

func (c *CachedSpace) Write(id BlockID, data []byte) error {
	if err := c.Space.Write(id, data); err != nil {
		c.cache.Remove(id)
		return err
	}
	cached := make([]byte, len(data))
	copy(cached, data)
	c.cache.Add(id, cached)
	return nil
}

// Truncate drops cached blocks at or above size before truncating the inner
// space, so a reallocated id never serves stale contents.
func (c *CachedSpace) Truncate(size BlockID) error {
	for _, id := range c.cache.Keys() {
		if id >= size {
			c.cache.Remove(id)
		}
	}
	return c.Space.Truncate(size)
}

func (c *CachedSpace) Allocate() (BlockID, error) {
	id, err := c.Space.Allocate()
	if err != nil {
		return id, err
	}
	// Allocation zero-fills; make sure nothing older is cached under this id.
	c.cache.Remove(id)
	return id, nil
}

// Len reports how many blocks are currently cached.
func (c *CachedSpace) Len() int { return c.cache.Len() }

func (c *CachedSpace) Close() error {
	c.cache.Purge()
	return c.Space.Close()
}
