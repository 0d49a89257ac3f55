package cache

import (
	"sync"
	"time"
)

// Cache 通用缓存接口
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Clear()
	Size() int
}

// InMemoryCache 内存缓存实现
type InMemoryCache[K comparable, V any] struct {
	items      map[K]*cacheItem[V]
	mu         sync.RWMutex
	defaultTTL time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// cacheItem 缓存项
type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
}

// NewInMemoryCache 创建新的内存缓存
func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration) *InMemoryCache[K, V] {
	c := &InMemoryCache[K, V]{
		items:      make(map[K]*cacheItem[V]),
		defaultTTL: defaultTTL,
		stopCh:     make(chan struct{}),
	}

	// 启动清理 goroutine
	go c.startCleanup()

	return c
}

// Get 获取缓存值
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists {
		var zero V
		return zero, false
	}

	// 检查是否过期
	if time.Now().After(item.expiresAt) {
		// 异步删除过期项
		go c.Delete(key)
		var zero V
		return zero, false
	}

	return item.value, true
}

// Set 设置缓存值
func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	c.items[key] = &cacheItem[V]{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Delete 删除缓存项
func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear 清空缓存
func (c *InMemoryCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*cacheItem[V])
}

// Size 获取缓存大小
func (c *InMemoryCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close 停止后台清理 goroutine
func (c *InMemoryCache[K, V]) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// startCleanup 启动清理 goroutine（定期清理过期项）
func (c *InMemoryCache[K, V]) startCleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCh:
			return
		}
	}
}

// cleanup 清理过期项
func (c *InMemoryCache[K, V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

// RankedCache 集合是否已排名的缓存（避免重复探测稀有度后端）
type RankedCache struct {
	cache *InMemoryCache[string, bool]
}

// NewRankedCache 创建新的已排名状态缓存
func NewRankedCache() *RankedCache {
	return &RankedCache{
		cache: NewInMemoryCache[string, bool](10 * time.Minute), // 排名状态缓存 10 分钟
	}
}

// Get 获取合约的已排名状态
func (rc *RankedCache) Get(contractAddress string) (bool, bool) {
	return rc.cache.Get(contractAddress)
}

// Set 设置合约的已排名状态
func (rc *RankedCache) Set(contractAddress string, isRanked bool) {
	rc.cache.Set(contractAddress, isRanked, 10*time.Minute)
}

// SlugCache 集合 slug 到合约地址的映射缓存
type SlugCache struct {
	cache *InMemoryCache[string, string]
}

// NewSlugCache 创建新的 slug 缓存
func NewSlugCache() *SlugCache {
	return &SlugCache{
		cache: NewInMemoryCache[string, string](30 * time.Minute), // slug 映射基本不变，缓存 30 分钟
	}
}

// Get 获取 slug 对应的合约地址
func (sc *SlugCache) Get(slug string) (string, bool) {
	return sc.cache.Get(slug)
}

// Set 设置 slug 对应的合约地址
func (sc *SlugCache) Set(slug, contractAddress string) {
	sc.cache.Set(slug, contractAddress, 30*time.Minute)
}
