package capability

import (
	"errors"
	"sync"
)

const (
	DefaultCacheEntries   = 128
	DefaultCacheValueSize = 1 << 20 // 1MB
)

var ErrValueTooLarge = errors.New("value exceeds max size")

// CacheConfig bounds a Cache.
type CacheConfig struct {
	MaxEntries   int
	MaxValueSize int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:   DefaultCacheEntries,
		MaxValueSize: DefaultCacheValueSize,
	}
}

// Cache keeps downloaded bodies in memory. When full, the oldest entry is
// evicted.
type Cache struct {
	cfg   CacheConfig
	data  map[string][]byte
	order []string
	mu    sync.RWMutex
}

func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultCacheEntries
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = DefaultCacheValueSize
	}
	return &Cache{cfg: cfg, data: make(map[string][]byte)}
}

func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	val, ok := c.data[key]
	c.mu.RUnlock()
	return val, ok
}

func (c *Cache) Set(key string, val []byte) error {
	if len(val) > c.cfg.MaxValueSize {
		return ErrValueTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists {
		for len(c.order) >= c.cfg.MaxEntries {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.data, oldest)
		}
		c.order = append(c.order, key)
	}
	c.data[key] = val
	return nil
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists {
		return
	}
	delete(c.data, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
