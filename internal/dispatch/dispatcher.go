package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nftbot/gonft/internal/domain"
	"github.com/nftbot/gonft/internal/notifier"
	"github.com/nftbot/gonft/pkg/sigchan"
)

var log = logrus.WithField("component", "dispatch")

const (
	// maxMatched 匹配列表滚动上限
	maxMatched = 50
	// soundThrottle 提示音最小间隔
	soundThrottle = time.Second
)

// Config 派发器配置
type Config struct {
	Sink      NotificationSink  // 可为 nil（无通知出口时仅留痕）
	Sound     SoundPlayer       // 可为 nil
	Purchaser PurchaseSubmitter // 可为 nil 时 AutoQuickBuy 规则退化为普通通知

	// TraitCountExcluded 按合约查询"稀有度排名是否剔除特征数量"设置
	TraitCountExcluded func(contractAddress string) bool
}

// Dispatcher 事件派发器。
//
// 至多一次语义：每个 listingId 只派发一次，已处理集在被监控集合
// 变化时随引擎一起重置。规则按优先级排序，一个事件只命中第一条
// 匹配的规则。
type Dispatcher struct {
	cfg      Config
	registry *notifier.Registry
	changed  *sigchan.Chan

	mu        sync.Mutex
	processed map[string]bool
	matched   []*domain.MatchedAsset
	sentIDs   []string // 已发出通知的 ID，ClearMatches 时撤回
	unseen    int
	panelOpen bool
	lastSound time.Time
}

// NewDispatcher 创建派发器
func NewDispatcher(registry *notifier.Registry, cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		registry:  registry,
		changed:   sigchan.New(1),
		processed: make(map[string]bool),
	}
}

// HandleEvents 处理一批新合并的事件（由轮询/流式合并回调驱动）。
// 只处理 CREATED 事件；其余类型进缓冲供展示但不触发派发。
func (d *Dispatcher) HandleEvents(events []*domain.MarketplaceEvent) {
	rules := d.registry.ActiveByPriority()
	if len(rules) == 0 {
		return
	}

	var hits []*domain.MatchedAsset
	var hitRules []*notifier.Notifier

	d.mu.Lock()
	for _, ev := range events {
		if ev.EventType != domain.EventCreated {
			continue
		}
		if d.processed[ev.ListingID] {
			continue
		}
		// 先标记再派发：即使后续出口失败也不会重复派发
		d.processed[ev.ListingID] = true

		for _, rule := range rules {
			excluded := false
			if d.cfg.TraitCountExcluded != nil && rule.Collection != nil {
				excluded = d.cfg.TraitCountExcluded(rule.Collection.ContractAddress)
			}
			if notifier.Matches(ev, rule, excluded) {
				hit := &domain.MatchedAsset{MarketplaceEvent: *ev, RuleID: rule.ID}
				hits = append(hits, hit)
				hitRules = append(hitRules, rule)
				break
			}
		}
	}

	if len(hits) > 0 {
		// 新命中在前，列表截断到上限
		d.matched = append(hits, d.matched...)
		if len(d.matched) > maxMatched {
			d.matched = d.matched[:maxMatched]
		}
		if !d.panelOpen {
			d.unseen += len(hits)
		}
	}
	d.mu.Unlock()

	for i, hit := range hits {
		d.dispatch(hit, hitRules[i])
	}
	if len(hits) > 0 {
		d.changed.Emit()
	}
}

// dispatch 对单个命中执行副作用：通知+提示音异步，购买即发即忘
func (d *Dispatcher) dispatch(hit *domain.MatchedAsset, rule *notifier.Notifier) {
	log.Infof("规则 %s 命中事件 %s（%s，%s ETH）",
		rule.ID, hit.ListingID, hit.Name, domain.ReadableEthValue(hit.Price))

	go d.notify(hit, rule)

	if rule.AutoQuickBuy && d.cfg.Purchaser != nil {
		req := PurchaseRequest{
			Event:       &hit.MarketplaceEvent,
			RuleID:      rule.ID,
			GasOverride: rule.GasOverride,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := d.cfg.Purchaser.Submit(ctx, req); err != nil {
				log.Errorf("自动购买提交失败（事件 %s）: %v", req.Event.ListingID, err)
			}
		}()
	}
}

// notify 发送通知并播放节流的提示音（通知失败不影响提示音）
func (d *Dispatcher) notify(hit *domain.MatchedAsset, rule *notifier.Notifier) {
	if d.cfg.Sink != nil {
		msg := fmt.Sprintf("%s ETH 上架", domain.ReadableEthValue(hit.Price))
		if rule.Collection != nil && rule.Collection.Rarities != nil && rule.Collection.Rarities.IsRanked {
			excluded := d.cfg.TraitCountExcluded != nil && d.cfg.TraitCountExcluded(rule.Collection.ContractAddress)
			if rank, ok := rule.Collection.Rarities.Rank(hit.TokenID, excluded); ok {
				msg = fmt.Sprintf("排名 #%d，%s", rank, msg)
			}
		}
		n := Notification{
			Title:    hit.Name,
			Message:  msg,
			IconURL:  hit.Image,
			EventID:  hit.ListingID,
			RuleID:   rule.ID,
			Contract: hit.ContractAddress,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		id, err := d.cfg.Sink.Notify(ctx, n)
		if err != nil {
			log.Warnf("通知发送失败（事件 %s）: %v", hit.ListingID, err)
		} else if id != "" {
			d.mu.Lock()
			d.sentIDs = append(d.sentIDs, id)
			d.mu.Unlock()
		}
	}
	d.playSoundThrottled()
}

func (d *Dispatcher) playSoundThrottled() {
	if d.cfg.Sound == nil {
		return
	}
	d.mu.Lock()
	now := time.Now()
	if now.Sub(d.lastSound) < soundThrottle {
		d.mu.Unlock()
		return
	}
	d.lastSound = now
	d.mu.Unlock()

	d.cfg.Sound.Play()
}

// Matched 匹配列表快照（新命中在前）
func (d *Dispatcher) Matched() []*domain.MatchedAsset {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*domain.MatchedAsset, len(d.matched))
	copy(out, d.matched)
	return out
}

// UnseenCount 面板关闭期间累计的未读命中数
func (d *Dispatcher) UnseenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unseen
}

// SetPanelOpen 面板开关：打开时清零未读计数
func (d *Dispatcher) SetPanelOpen(open bool) {
	d.mu.Lock()
	d.panelOpen = open
	if open {
		d.unseen = 0
	}
	d.mu.Unlock()
	d.changed.Emit()
}

// ClearMatches 清空匹配列表与未读计数，并撤回已发出的通知（不清已处理集）
func (d *Dispatcher) ClearMatches() {
	d.mu.Lock()
	d.matched = nil
	d.unseen = 0
	ids := d.sentIDs
	d.sentIDs = nil
	d.mu.Unlock()

	if d.cfg.Sink != nil && len(ids) > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := d.cfg.Sink.Clear(ctx, ids); err != nil {
				log.Warnf("撤回通知失败: %v", err)
			}
		}()
	}
	d.changed.Emit()
}

// Reset 重置已处理集与匹配状态（被监控集合变化时由引擎调用）
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.processed = make(map[string]bool)
	d.matched = nil
	d.sentIDs = nil
	d.unseen = 0
	d.mu.Unlock()
	d.changed.Emit()
}

// Changed 匹配状态变化信号
func (d *Dispatcher) Changed() *sigchan.Chan {
	return d.changed
}
