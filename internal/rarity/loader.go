package rarity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nftbot/gonft/pkg/cache"
)

var log = logrus.WithField("component", "rarity")

// Source 稀有度数据后端。
// FetchRarities 返回 nil 表示集合未排名（不是错误）。
type Source interface {
	FetchRarities(ctx context.Context, contractAddress string) (*Index, error)
	FetchEligibility(ctx context.Context, contractAddress string, traitFilters []string) (map[string]bool, error)
}

type loadResult struct {
	index *Index
	err   error
}

type pendingLoad struct {
	waiters []chan loadResult
}

// Loader 带合并与缓存的稀有度加载器。
// 同一合约地址的并发请求会合并成一次后端调用（批大小固定为 1，
// 请求到达后等待一个短窗口再发出，窗口内的重复请求直接挂到同一次调用上），
// 结果按地址缓存一段 TTL。
type Loader struct {
	source Source

	cache *cache.InMemoryCache[string, *Index]

	mu      sync.Mutex
	pending map[string]*pendingLoad

	batchWindow time.Duration
	ttl         time.Duration
}

// LoaderConfig 加载器配置
type LoaderConfig struct {
	BatchWindow time.Duration // 合并窗口，默认 250ms
	TTL         time.Duration // 缓存 TTL，默认 5 分钟
}

// NewLoader 创建稀有度加载器
func NewLoader(source Source, cfg LoaderConfig) *Loader {
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 250 * time.Millisecond
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Loader{
		source:      source,
		cache:       cache.NewInMemoryCache[string, *Index](cfg.TTL),
		pending:     make(map[string]*pendingLoad),
		batchWindow: cfg.BatchWindow,
		ttl:         cfg.TTL,
	}
}

// Load 加载某个合约地址的稀有度索引。
// 未排名的集合返回一个空索引（IsRanked=false），不返回错误。
func (l *Loader) Load(ctx context.Context, contractAddress string) (*Index, error) {
	if idx, ok := l.cache.Get(contractAddress); ok {
		return idx, nil
	}

	ch := make(chan loadResult, 1)

	l.mu.Lock()
	if p, ok := l.pending[contractAddress]; ok {
		// 已有同地址的请求在窗口内，挂到同一次调用上
		p.waiters = append(p.waiters, ch)
		l.mu.Unlock()
	} else {
		p := &pendingLoad{waiters: []chan loadResult{ch}}
		l.pending[contractAddress] = p
		l.mu.Unlock()
		go l.run(contractAddress, p)
	}

	select {
	case res := <-ch:
		return res.index, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate 使某个地址的缓存失效（刷新稀有度数据时使用）
func (l *Loader) Invalidate(contractAddress string) {
	l.cache.Delete(contractAddress)
}

// Close 停止缓存的后台清理，重复调用安全
func (l *Loader) Close() {
	l.cache.Close()
}

func (l *Loader) run(contractAddress string, p *pendingLoad) {
	timer := time.NewTimer(l.batchWindow)
	<-timer.C

	l.mu.Lock()
	delete(l.pending, contractAddress)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	idx, err := l.source.FetchRarities(ctx, contractAddress)
	if err == nil {
		if idx == nil {
			idx = NewUnranked()
		}
		l.cache.Set(contractAddress, idx, l.ttl)
	} else {
		log.Warnf("加载稀有度数据失败: address=%s err=%v", contractAddress, err)
	}

	res := loadResult{index: idx, err: err}
	for _, w := range p.waiters {
		w <- res
	}
}
