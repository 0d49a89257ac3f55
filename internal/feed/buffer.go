package feed

import (
	"sort"
	"sync"

	"github.com/nftbot/gonft/internal/domain"
)

// Buffer 去重滚动事件缓冲。
// 重叠的轮询窗口（60 秒回看）会故意重复拉到最近见过的事件以容忍
// feed 侧的最终一致性，按 ListingID 去重使这件事幂等、安全。
// 缓冲保留最新的 max 条（最新在前），更旧的静默丢弃以限制内存。
type Buffer struct {
	mu     sync.RWMutex
	seen   map[string]bool
	events []*domain.MarketplaceEvent
	max    int
}

// NewBuffer 创建事件缓冲
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = 50
	}
	return &Buffer{
		seen: make(map[string]bool),
		max:  max,
	}
}

// Merge 合并一批事件（假定最新在前），返回真正新增的事件（同样最新在前）。
// 已见过的 ListingID 直接丢弃；新增事件立即标记为已见，
// 即使随后被容量截断也不会在下一轮重新出现。
func (b *Buffer) Merge(incoming []*domain.MarketplaceEvent) []*domain.MarketplaceEvent {
	if len(incoming) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	unique := make([]*domain.MarketplaceEvent, 0, len(incoming))
	for _, e := range incoming {
		if e == nil || e.ListingID == "" {
			continue
		}
		if b.seen[e.ListingID] {
			continue
		}
		b.seen[e.ListingID] = true
		unique = append(unique, e)
	}
	if len(unique) == 0 {
		return nil
	}

	merged := make([]*domain.MarketplaceEvent, 0, len(unique)+len(b.events))
	merged = append(merged, unique...)
	merged = append(merged, b.events...)
	if len(merged) > b.max {
		merged = merged[:b.max]
	}
	b.events = merged

	return unique
}

// Snapshot 返回缓冲内容的只读快照（最新在前）
func (b *Buffer) Snapshot() []*domain.MarketplaceEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*domain.MarketplaceEvent, len(b.events))
	copy(out, b.events)
	return out
}

// SnapshotByType 按事件类型过滤的快照（CREATED / SUCCESSFUL 各自的视图）
func (b *Buffer) SnapshotByType(t domain.EventType) []*domain.MarketplaceEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*domain.MarketplaceEvent, 0, len(b.events))
	for _, e := range b.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// Len 当前缓冲长度
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// Reset 清空缓冲与已见集合（监控集合变化后"什么算新事件"已失效）
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = make(map[string]bool)
	b.events = nil
}

// SortNewestFirst 按时间戳把事件排成最新在前（无法解析的时间戳排最后）
func SortNewestFirst(events []*domain.MarketplaceEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		ti, erri := domain.ParseTimestamp(events[i].Timestamp)
		tj, errj := domain.ParseTimestamp(events[j].Timestamp)
		if erri != nil {
			return false
		}
		if errj != nil {
			return true
		}
		return ti.After(tj)
	})
}
