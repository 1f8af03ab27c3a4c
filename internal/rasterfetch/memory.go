package rasterfetch

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// memoryCache is the in-memory tier: decoded textures bounded by tile
// count, least recently used first out.
type memoryCache struct {
	items *lru.Cache[string, *TextureCacheItem]
}

func newMemoryCache(maxTiles int) (*memoryCache, error) {
	if maxTiles < 1 {
		return nil, fmt.Errorf("memory cache size must be positive, got %d", maxTiles)
	}
	items, err := lru.New[string, *TextureCacheItem](maxTiles)
	if err != nil {
		return nil, err
	}
	return &memoryCache{items: items}, nil
}

func (c *memoryCache) Get(key string) (*TextureCacheItem, bool) {
	return c.items.Get(key)
}

func (c *memoryCache) Peek(key string) (*TextureCacheItem, bool) {
	return c.items.Peek(key)
}

func (c *memoryCache) Put(key string, item *TextureCacheItem) {
	c.items.Add(key, item)
}

// AddIfAbsent stores item unless key is already cached, in which case the
// cached item is returned instead.
func (c *memoryCache) AddIfAbsent(key string, item *TextureCacheItem) *TextureCacheItem {
	if cur, ok, _ := c.items.PeekOrAdd(key, item); ok {
		return cur
	}
	return item
}

func (c *memoryCache) Len() int {
	return c.items.Len()
}

// TotalSize sums the encoded payload bytes held in memory.
func (c *memoryCache) TotalSize() int64 {
	var total int64
	for _, item := range c.items.Values() {
		total += int64(len(item.Data))
	}
	return total
}
