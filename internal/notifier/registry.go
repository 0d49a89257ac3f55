package notifier

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nftbot/gonft/internal/domain"
	"github.com/nftbot/gonft/internal/rarity"
)

// Input 创建规则的输入。ID 为空时自动生成。
type Input struct {
	ID               string
	MinPrice         *float64
	MaxPrice         *float64
	LowestRarity     string
	LowestRankNumber *int
	IncludeAuctions  bool
	NameContains     NameFilter
	Traits           []string
	AutoQuickBuy     bool
	GasOverride      *domain.GasOverride
	Collection       *domain.Collection
}

// Registry 活跃规则集。
// 规则在前置数据（trait eligibility）加载完成之前不会进入活跃集，
// 因此匹配器永远只看到数据就绪的规则。编辑 = 删除后用原 ID 重建。
type Registry struct {
	source rarity.Source

	mu    sync.RWMutex
	rules []*Notifier

	idGen IDGenerator
}

// NewRegistry 创建规则集。source 用于加载 trait eligibility。
func NewRegistry(source rarity.Source) *Registry {
	return &Registry{source: source}
}

// Add 创建并激活一条规则。
// 带 trait 过滤的规则会先同步加载 eligibility 集合，加载失败则规则不生效并返回错误。
func (r *Registry) Add(ctx context.Context, in Input) (*Notifier, error) {
	if in.Collection == nil {
		return nil, fmt.Errorf("规则必须绑定一个集合")
	}

	var eligibility map[string]bool
	if len(in.Traits) > 0 {
		if r.source == nil {
			return nil, fmt.Errorf("没有配置稀有度数据源，无法加载 trait 过滤")
		}
		m, err := r.source.FetchEligibility(ctx, in.Collection.ContractAddress, in.Traits)
		if err != nil {
			return nil, fmt.Errorf("加载 trait eligibility 失败: %w", err)
		}
		eligibility = m
	}

	id := in.ID
	if id == "" {
		id = r.idGen.Next()
	}

	lowestRarity := in.LowestRarity
	if lowestRarity == "" {
		lowestRarity = "Common"
	}

	n := &Notifier{
		ID:               id,
		MinPrice:         in.MinPrice,
		MaxPrice:         in.MaxPrice,
		LowestRarity:     lowestRarity,
		LowestRankNumber: in.LowestRankNumber,
		IncludeAuctions:  in.IncludeAuctions,
		NameContains:     in.NameContains,
		Traits:           in.Traits,
		AutoQuickBuy:     in.AutoQuickBuy,
		GasOverride:      in.GasOverride,
		Collection:       in.Collection,
		Eligibility:      eligibility,
	}

	r.mu.Lock()
	r.rules = append(r.rules, n)
	r.mu.Unlock()

	log.Infof("已添加提醒规则: id=%s collection=%s autoQuickBuy=%v", n.ID, in.Collection.Slug, n.AutoQuickBuy)
	return n, nil
}

// Remove 删除规则，其 eligibility 集合随之丢弃。返回是否存在。
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, n := range r.rules {
		if n.ID == id {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			log.Infof("已删除提醒规则: id=%s", id)
			return true
		}
	}
	return false
}

// Replace 编辑规则：删除旧规则后用原 ID 重建（整体替换语义）
func (r *Registry) Replace(ctx context.Context, id string, in Input) (*Notifier, error) {
	if !r.Remove(id) {
		return nil, fmt.Errorf("规则不存在: %s", id)
	}
	in.ID = id
	return r.Add(ctx, in)
}

// Get 按 ID 查找规则
func (r *Registry) Get(id string) *Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.rules {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Active 返回活跃规则快照
func (r *Registry) Active() []*Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Notifier, len(r.rules))
	copy(out, r.rules)
	return out
}

// ActiveByPriority 返回按优先级（降序）排序的活跃规则快照。
// 排序是稳定的：同分规则保持创建顺序。
func (r *Registry) ActiveByPriority() []*Notifier {
	out := r.Active()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PriorityScore() > out[j].PriorityScore()
	})
	return out
}

// Snapshots 导出全部规则的持久化形态
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.rules))
	for _, n := range r.rules {
		out = append(out, n.Snapshot())
	}
	return out
}
