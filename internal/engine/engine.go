// Package engine 把事件轮询、规则匹配与派发组装成一个可独立启停的服务。
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nftbot/gonft/internal/dispatch"
	"github.com/nftbot/gonft/internal/domain"
	"github.com/nftbot/gonft/internal/feed"
	"github.com/nftbot/gonft/internal/notifier"
	"github.com/nftbot/gonft/internal/rarity"
	"github.com/nftbot/gonft/pkg/cache"
	"github.com/nftbot/gonft/pkg/persistence"
	"github.com/nftbot/gonft/pkg/sigchan"
	"github.com/nftbot/gonft/pkg/syncgroup"
)

var log = logrus.WithField("component", "engine")

// Source 引擎需要的全部后端能力
type Source interface {
	feed.EventSource
	rarity.Source
	FetchCollection(ctx context.Context, slug string) (*domain.Collection, error)
}

// Config 引擎配置
type Config struct {
	Feed      feed.Config
	StreamURL string // 非空时启用 WebSocket 事件流作为轮询的补充

	Sink      dispatch.NotificationSink
	Sound     dispatch.SoundPlayer
	Purchaser dispatch.PurchaseSubmitter

	Persistence persistence.Service // 可为 nil（不持久化）
}

// state 引擎的可持久化状态（字段按 persistence tag 分开存取）
type state struct {
	WatchedSlugs       []string            `persistence:"watched_slugs"`
	Rules              []notifier.Snapshot `persistence:"rules"`
	TraitCountExcluded map[string]bool     `persistence:"trait_count_excluded"`
}

// Engine 活动引擎。
// 一个实例拥有自己的轮询器、规则集与派发器，互不共享全局状态。
type Engine struct {
	source     Source
	loader     *rarity.Loader
	registry   *notifier.Registry
	poller     *feed.Poller
	stream     *feed.Stream
	dispatcher *dispatch.Dispatcher
	persist    persistence.Service
	changed    *sigchan.Chan

	slugCache   *cache.SlugCache
	rankedCache *cache.RankedCache

	mu                 sync.Mutex
	watched            map[string]*domain.Collection // slug -> 集合
	traitCountExcluded map[string]bool               // 合约地址 -> 排名剔除 trait 数量

	sg      *syncgroup.SyncGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewEngine 创建引擎（未启动）
func NewEngine(source Source, cfg Config) *Engine {
	e := &Engine{
		source:             source,
		loader:             rarity.NewLoader(source, rarity.LoaderConfig{}),
		registry:           notifier.NewRegistry(source),
		persist:            cfg.Persistence,
		changed:            sigchan.New(1),
		slugCache:          cache.NewSlugCache(),
		rankedCache:        cache.NewRankedCache(),
		watched:            make(map[string]*domain.Collection),
		traitCountExcluded: make(map[string]bool),
		sg:                 syncgroup.NewSyncGroup(),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.dispatcher = dispatch.NewDispatcher(e.registry, dispatch.Config{
		Sink:               cfg.Sink,
		Sound:              cfg.Sound,
		Purchaser:          cfg.Purchaser,
		TraitCountExcluded: e.IsTraitCountExcluded,
	})
	e.poller = feed.NewPoller(source, cfg.Feed, e.dispatcher.HandleEvents)
	if cfg.StreamURL != "" {
		e.stream = feed.NewStream(feed.StreamConfig{URL: cfg.StreamURL},
			e.poller.Buffer(), e.dispatcher.HandleEvents)
	}
	return e
}

// Start 启动引擎：恢复持久化状态，接上变化信号，启动可选的事件流。
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("引擎已在运行")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.restoreState(ctx); err != nil {
		// 状态损坏不应阻止启动，丢弃并从空状态开始
		log.Warnf("恢复持久化状态失败，从空状态启动: %v", err)
	}

	if e.stream != nil {
		if err := e.stream.Start(e.ctx); err != nil {
			log.Warnf("事件流启动失败，仅使用轮询: %v", err)
			e.stream = nil
		}
	}

	// 把子组件的变化信号聚合成引擎级信号
	e.sg.Add(func() { e.forward(e.poller.Changed()) })
	e.sg.Add(func() { e.forward(e.dispatcher.Changed()) })
	e.sg.Run()

	log.Info("活动引擎已启动")
	return nil
}

func (e *Engine) forward(ch *sigchan.Chan) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ch.C():
			// 一批变化只唤醒一次
			ch.Drain()
			e.changed.Emit()
		}
	}
}

// Close 停止引擎并保存状态
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	err := e.SaveState()

	e.cancel()
	e.poller.Close()
	if e.stream != nil {
		e.stream.Stop()
	}
	e.loader.Close()
	e.sg.Wait()
	log.Info("活动引擎已停止")
	return err
}

// Changed 引擎状态变化信号（缓冲、匹配、轮询状态）
func (e *Engine) Changed() <-chan struct{} {
	return e.changed.C()
}

// WatchCollection 开始监控一个集合：拉取集合信息、预热稀有度索引、
// 重置轮询 epoch。已监控的集合直接返回。
func (e *Engine) WatchCollection(ctx context.Context, slug string) (*domain.Collection, error) {
	e.mu.Lock()
	if col, ok := e.watched[slug]; ok {
		e.mu.Unlock()
		return col, nil
	}
	e.mu.Unlock()

	col, err := e.prepareCollection(ctx, slug)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.watched[slug] = col
	slugs := e.watchedSlugsLocked()
	e.mu.Unlock()

	e.applyWatched(slugs)
	e.changed.Emit()
	log.Infof("开始监控集合 %s（%s，ranked=%v）", col.Slug, col.ContractAddress, col.Rarities.IsRanked)
	return col, nil
}

// UnwatchCollection 停止监控一个集合，绑定在该集合上的规则一并删除
func (e *Engine) UnwatchCollection(slug string) {
	e.mu.Lock()
	col, ok := e.watched[slug]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.watched, slug)
	slugs := e.watchedSlugsLocked()
	e.mu.Unlock()

	// 丢掉重量级的稀有度索引；轻量的 ranked 标志留在缓存里
	e.loader.Invalidate(col.ContractAddress)

	for _, n := range e.registry.Active() {
		if n.Collection != nil && n.Collection.Slug == col.Slug {
			e.registry.Remove(n.ID)
		}
	}

	e.applyWatched(slugs)
	e.changed.Emit()
	log.Infof("停止监控集合 %s", slug)
}

// Watched 返回被监控集合快照（按 slug 排序）
func (e *Engine) Watched() []*domain.Collection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.Collection, 0, len(e.watched))
	for _, c := range e.watched {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// applyWatched 同步轮询器/事件流的监控集合并重置派发状态。
// 监控集合变化意味着"什么算新事件"变了，已处理集必须一起重置。
func (e *Engine) applyWatched(slugs []string) {
	e.poller.SetWatched(slugs)
	e.dispatcher.Reset()
	if e.stream != nil {
		if err := e.stream.SyncSubscriptions(slugs); err != nil {
			log.Warnf("同步事件流订阅失败: %v", err)
		}
	}
}

func (e *Engine) watchedSlugsLocked() []string {
	slugs := make([]string, 0, len(e.watched))
	for slug := range e.watched {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// prepareCollection 拉取集合并预热稀有度索引（slug 与 ranked 状态走缓存）
func (e *Engine) prepareCollection(ctx context.Context, slug string) (*domain.Collection, error) {
	col, err := e.source.FetchCollection(ctx, slug)
	if err != nil {
		return nil, err
	}
	e.slugCache.Set(col.Slug, col.ContractAddress)

	// 近期确认过未排名的集合不再重复探测稀有度后端
	if ranked, ok := e.rankedCache.Get(col.ContractAddress); ok && !ranked {
		col.Rarities = rarity.NewUnranked()
		return col, nil
	}

	ix, err := e.loader.Load(ctx, col.ContractAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "加载集合 %s 的稀有度索引失败", slug)
	}
	col.Rarities = ix
	e.rankedCache.Set(col.ContractAddress, ix.IsRanked)
	return col, nil
}

// ResolveContract 解析集合 slug 对应的合约地址（slug 映射走缓存，
// 缓存未命中时退回被监控集合表）
func (e *Engine) ResolveContract(slug string) (string, bool) {
	if addr, ok := e.slugCache.Get(slug); ok {
		return addr, true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if col, ok := e.watched[slug]; ok {
		return col.ContractAddress, true
	}
	return "", false
}

// AddRule 在某个被监控的集合上创建规则
func (e *Engine) AddRule(ctx context.Context, slug string, in notifier.Input) (*notifier.Notifier, error) {
	e.mu.Lock()
	col, ok := e.watched[slug]
	e.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("集合 %s 未被监控", slug)
	}

	in.Collection = col
	n, err := e.registry.Add(ctx, in)
	if err != nil {
		return nil, err
	}
	e.changed.Emit()
	return n, nil
}

// RemoveRule 删除规则
func (e *Engine) RemoveRule(id string) bool {
	ok := e.registry.Remove(id)
	if ok {
		e.changed.Emit()
	}
	return ok
}

// ReplaceRule 整体替换规则（保留原 ID）
func (e *Engine) ReplaceRule(ctx context.Context, id, slug string, in notifier.Input) (*notifier.Notifier, error) {
	e.mu.Lock()
	col, ok := e.watched[slug]
	e.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("集合 %s 未被监控", slug)
	}

	in.Collection = col
	n, err := e.registry.Replace(ctx, id, in)
	if err != nil {
		return nil, err
	}
	e.changed.Emit()
	return n, nil
}

// Rules 活跃规则快照
func (e *Engine) Rules() []*notifier.Notifier {
	return e.registry.Active()
}

// SetTraitCountExcluded 设置某合约的排名打分模式
func (e *Engine) SetTraitCountExcluded(contractAddress string, excluded bool) {
	addr := domain.NormalizeAddress(contractAddress)
	e.mu.Lock()
	e.traitCountExcluded[addr] = excluded
	e.mu.Unlock()
	e.changed.Emit()
}

// IsTraitCountExcluded 查询某合约的排名打分模式
func (e *Engine) IsTraitCountExcluded(contractAddress string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.traitCountExcluded[domain.NormalizeAddress(contractAddress)]
}

// FeedStatus 轮询器状态
func (e *Engine) FeedStatus() feed.Status {
	return e.poller.Status()
}

// Events 事件缓冲快照（最新在前）
func (e *Engine) Events() []*domain.MarketplaceEvent {
	return e.poller.Events()
}

// EventsByType 按类型过滤的事件缓冲快照
func (e *Engine) EventsByType(t domain.EventType) []*domain.MarketplaceEvent {
	return e.poller.EventsByType(t)
}

// Matched 匹配列表快照
func (e *Engine) Matched() []*domain.MatchedAsset {
	return e.dispatcher.Matched()
}

// UnseenCount 未读命中数
func (e *Engine) UnseenCount() int {
	return e.dispatcher.UnseenCount()
}

// SetPanelOpen 面板开关透传
func (e *Engine) SetPanelOpen(open bool) {
	e.dispatcher.SetPanelOpen(open)
}

// ClearMatches 清空匹配列表
func (e *Engine) ClearMatches() {
	e.dispatcher.ClearMatches()
}

// RetryFeed 从 FAILED 状态显式恢复轮询
func (e *Engine) RetryFeed() {
	e.poller.Retry()
}

// SaveState 保存被监控集合、规则与设置
func (e *Engine) SaveState() error {
	if e.persist == nil {
		return nil
	}

	e.mu.Lock()
	st := state{
		WatchedSlugs:       e.watchedSlugsLocked(),
		TraitCountExcluded: make(map[string]bool, len(e.traitCountExcluded)),
	}
	for k, v := range e.traitCountExcluded {
		st.TraitCountExcluded[k] = v
	}
	e.mu.Unlock()
	st.Rules = e.registry.Snapshots()

	return persistence.SaveFields(&st, "engine", e.persist)
}

// restoreState 恢复持久化状态：重新准备集合、重新激活规则。
// 单个集合/规则恢复失败只跳过该项，不中断整体恢复。
func (e *Engine) restoreState(ctx context.Context) error {
	if e.persist == nil {
		return nil
	}

	var st state
	if err := persistence.LoadFields(&st, "engine", e.persist); err != nil {
		return err
	}

	e.mu.Lock()
	for addr, v := range st.TraitCountExcluded {
		e.traitCountExcluded[addr] = v
	}
	e.mu.Unlock()

	restoreCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	for _, slug := range st.WatchedSlugs {
		if _, err := e.WatchCollection(restoreCtx, slug); err != nil {
			log.Warnf("恢复集合 %s 失败，跳过: %v", slug, err)
		}
	}

	for _, snap := range st.Rules {
		in := notifier.Input{
			ID:               snap.ID,
			MinPrice:         snap.MinPrice,
			MaxPrice:         snap.MaxPrice,
			LowestRarity:     snap.LowestRarity,
			LowestRankNumber: snap.LowestRankNumber,
			IncludeAuctions:  snap.IncludeAuctions,
			NameContains:     snap.NameContains,
			Traits:           snap.Traits,
			AutoQuickBuy:     snap.AutoQuickBuy,
			GasOverride:      snap.GasOverride,
		}
		if _, err := e.AddRule(restoreCtx, snap.CollectionSlug, in); err != nil {
			log.Warnf("恢复规则 %s 失败，跳过: %v", snap.ID, err)
		}
	}

	if len(st.WatchedSlugs) > 0 || len(st.Rules) > 0 {
		log.Infof("已恢复状态: %d 个集合, %d 条规则", len(st.WatchedSlugs), len(st.Rules))
	}
	return nil
}
