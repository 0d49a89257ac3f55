package feed

import (
	"fmt"
	"testing"

	"github.com/nftbot/gonft/internal/domain"
)

func feedEvent(id, ts string) *domain.MarketplaceEvent {
	return &domain.MarketplaceEvent{
		ListingID: id,
		TokenID:   id,
		Timestamp: ts,
		EventType: domain.EventCreated,
	}
}

func TestBufferMergeDedup(t *testing.T) {
	b := NewBuffer(10)

	added := b.Merge([]*domain.MarketplaceEvent{
		feedEvent("a", "2024-06-01T10:00:02"),
		feedEvent("b", "2024-06-01T10:00:01"),
	})
	if len(added) != 2 {
		t.Fatalf("首次合并期望新增 2 条，实际 %d", len(added))
	}

	// 重叠窗口会重复拉到已见事件，按 ListingID 去重
	added = b.Merge([]*domain.MarketplaceEvent{
		feedEvent("c", "2024-06-01T10:00:03"),
		feedEvent("a", "2024-06-01T10:00:02"),
		feedEvent("b", "2024-06-01T10:00:01"),
	})
	if len(added) != 1 || added[0].ListingID != "c" {
		t.Fatalf("重复事件应被丢弃，期望只新增 c，实际 %v", added)
	}

	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("缓冲长度期望 3 实际 %d", len(snap))
	}
	// 最新在前
	if snap[0].ListingID != "c" || snap[2].ListingID != "b" {
		t.Fatalf("缓冲应保持最新在前: %v", snap)
	}
}

func TestBufferMergeNilAndEmptyID(t *testing.T) {
	b := NewBuffer(10)
	added := b.Merge([]*domain.MarketplaceEvent{
		nil,
		feedEvent("", "2024-06-01T10:00:00"),
		feedEvent("a", "2024-06-01T10:00:00"),
	})
	if len(added) != 1 || added[0].ListingID != "a" {
		t.Fatalf("nil 与空 ListingID 应被跳过: %v", added)
	}
}

func TestBufferCapTruncation(t *testing.T) {
	b := NewBuffer(3)

	batch := make([]*domain.MarketplaceEvent, 0, 5)
	for i := 5; i >= 1; i-- {
		batch = append(batch, feedEvent(
			fmt.Sprintf("e%d", i),
			fmt.Sprintf("2024-06-01T10:00:0%d", i),
		))
	}
	added := b.Merge(batch)
	if len(added) != 5 {
		t.Fatalf("新增条数不受容量限制，期望 5 实际 %d", len(added))
	}
	if b.Len() != 3 {
		t.Fatalf("缓冲应截断到容量 3，实际 %d", b.Len())
	}

	// 被截断的事件已标记为已见，重放不会复活
	added = b.Merge(batch)
	if len(added) != 0 {
		t.Fatalf("重放同一批事件不应有新增: %v", added)
	}
	if b.Len() != 3 {
		t.Fatalf("重放不应改变缓冲长度，实际 %d", b.Len())
	}
}

func TestBufferReset(t *testing.T) {
	b := NewBuffer(10)
	b.Merge([]*domain.MarketplaceEvent{feedEvent("a", "2024-06-01T10:00:00")})
	b.Reset()

	if b.Len() != 0 {
		t.Fatal("重置后缓冲应为空")
	}
	// 重置后已见集合同样清空
	added := b.Merge([]*domain.MarketplaceEvent{feedEvent("a", "2024-06-01T10:00:00")})
	if len(added) != 1 {
		t.Fatal("重置后同一事件应重新算新增")
	}
}

func TestBufferSnapshotByType(t *testing.T) {
	b := NewBuffer(10)
	created := feedEvent("a", "2024-06-01T10:00:02")
	sold := feedEvent("b", "2024-06-01T10:00:01")
	sold.EventType = domain.EventSuccessful
	b.Merge([]*domain.MarketplaceEvent{created, sold})

	got := b.SnapshotByType(domain.EventSuccessful)
	if len(got) != 1 || got[0].ListingID != "b" {
		t.Fatalf("按类型过滤结果不对: %v", got)
	}
}

func TestSortNewestFirst(t *testing.T) {
	events := []*domain.MarketplaceEvent{
		feedEvent("old", "2024-06-01T10:00:00"),
		feedEvent("bad", "不是时间戳"),
		feedEvent("new", "2024-06-01T10:00:05"),
	}
	SortNewestFirst(events)

	if events[0].ListingID != "new" || events[1].ListingID != "old" {
		t.Fatalf("应按时间降序: %v", events)
	}
	// 解析失败的时间戳排最后
	if events[2].ListingID != "bad" {
		t.Fatalf("无法解析的时间戳应排最后: %v", events)
	}
}
