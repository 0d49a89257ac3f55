package feed

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nftbot/gonft/internal/domain"
)

// feedReply 脚本化的单次拉取结果
type feedReply struct {
	res *FetchResult
	err error
}

// scriptedSource 按脚本应答的事件源：依次弹出预置结果，耗尽后返回空成功。
// 每次请求同时写入 calls 供测试观察请求参数。
type scriptedSource struct {
	mu      sync.Mutex
	replies []feedReply
	calls   chan FetchRequest
}

var _ EventSource = (*scriptedSource)(nil)

func newScriptedSource() *scriptedSource {
	return &scriptedSource{calls: make(chan FetchRequest, 64)}
}

func (s *scriptedSource) push(res *FetchResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, feedReply{res: res, err: err})
}

func (s *scriptedSource) FetchEvents(_ context.Context, req FetchRequest) (*FetchResult, error) {
	select {
	case s.calls <- req:
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return &FetchResult{}, nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.res, r.err
}

func (s *scriptedSource) nextCall(t *testing.T) FetchRequest {
	t.Helper()
	select {
	case req := <-s.calls:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("等待拉取请求超时")
		return FetchRequest{}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testPollerConfig() Config {
	return Config{
		PollInterval: 10 * time.Millisecond,
		FetchLimit:   5,
		BufferSize:   10,
		RetryBudget:  2,
	}
}

func TestPollerInitialProbe(t *testing.T) {
	src := newScriptedSource()
	seedTS := "2024-06-01T10:00:00"
	src.push(&FetchResult{
		Events:          []*domain.MarketplaceEvent{feedEvent("seed", seedTS)},
		NewestTimestamp: seedTS,
	}, nil)

	p := NewPoller(src, testPollerConfig(), nil)
	defer p.Close()

	p.SetWatched([]string{"test-apes"})
	if got := p.Status(); got != StatusStarting && got != StatusActive {
		t.Fatalf("设置监控集合后状态期望 STARTING，实际 %s", got)
	}

	// 初始探测：不带时间下界，每个集合只取最近一条
	probe := src.nextCall(t)
	if probe.Limit != 1 || probe.SinceTimestamp != "" {
		t.Fatalf("初始探测请求参数不对: %+v", probe)
	}
	if len(probe.CollectionSlugs) != 1 || probe.CollectionSlugs[0] != "test-apes" {
		t.Fatalf("请求应带监控集合: %+v", probe)
	}

	waitFor(t, func() bool { return p.Status() == StatusActive }, "初始探测后应进入 ACTIVE")
	if p.Watermark() != seedTS {
		t.Fatalf("水位线期望 %s 实际 %s", seedTS, p.Watermark())
	}
	// 初始探测只播种水位线，不回填历史事件
	if len(p.Events()) != 0 {
		t.Fatalf("初始探测事件不应进缓冲: %v", p.Events())
	}

	// 常规轮询：60 秒回看不早于初始水位线，所以下界就是初始水位线
	next := src.nextCall(t)
	if next.Limit != 5 {
		t.Fatalf("常规轮询 Limit 期望 5 实际 %d", next.Limit)
	}
	if next.SinceTimestamp != seedTS {
		t.Fatalf("时间下界应被初始水位线兜底，期望 %s 实际 %s", seedTS, next.SinceTimestamp)
	}
}

func TestPollerMergeAndWatermark(t *testing.T) {
	src := newScriptedSource()
	src.push(&FetchResult{
		Events: []*domain.MarketplaceEvent{feedEvent("seed", "2024-06-01T10:00:00")},
	}, nil)
	src.push(&FetchResult{
		Events: []*domain.MarketplaceEvent{
			feedEvent("e2", "2024-06-01T10:05:00"),
			feedEvent("e1", "2024-06-01T10:04:00"),
		},
		NewestTimestamp: "2024-06-01T10:05:00",
	}, nil)

	merged := make(chan []*domain.MarketplaceEvent, 8)
	p := NewPoller(src, testPollerConfig(), func(added []*domain.MarketplaceEvent) {
		merged <- added
	})
	defer p.Close()

	p.SetWatched([]string{"test-apes"})

	select {
	case added := <-merged:
		if len(added) != 2 || added[0].ListingID != "e2" {
			t.Fatalf("合并回调参数不对: %v", added)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("等待合并回调超时")
	}

	waitFor(t, func() bool { return p.Watermark() == "2024-06-01T10:05:00" }, "水位线应推进到最新事件")
	if len(p.Events()) != 2 {
		t.Fatalf("缓冲长度期望 2 实际 %d", len(p.Events()))
	}

	// 之后的轮询带 60 秒回看
	waitFor(t, func() bool {
		for {
			select {
			case req := <-src.calls:
				if req.SinceTimestamp == "2024-06-01T10:04:00" {
					return true
				}
			default:
				return false
			}
		}
	}, "常规轮询应带 60 秒回看窗口")
}

func TestPollerSetWatchedIdentity(t *testing.T) {
	src := newScriptedSource()
	seedTS := "2024-06-01T10:00:00"
	src.push(&FetchResult{
		Events: []*domain.MarketplaceEvent{feedEvent("seed", seedTS)},
	}, nil)

	p := NewPoller(src, testPollerConfig(), nil)
	defer p.Close()

	p.SetWatched([]string{"test-apes"})
	waitFor(t, func() bool { return p.Watermark() == seedTS }, "初始探测未完成")

	// 相同 slug 集合是恒等更新：不重置水位线、不重新探测
	p.SetWatched([]string{"test-apes"})
	if p.Watermark() != seedTS {
		t.Fatalf("恒等更新不应重置水位线，实际 %s", p.Watermark())
	}

	// 集合真的变化时水位线与状态被重置
	p.SetWatched([]string{"test-apes", "other"})
	if got := p.Status(); got != StatusStarting && got != StatusActive {
		t.Fatalf("集合变化后应重新探测，状态 %s", got)
	}

	// 变为空集回到 INACTIVE
	p.SetWatched(nil)
	if p.Status() != StatusInactive {
		t.Fatalf("空集合期望 INACTIVE 实际 %s", p.Status())
	}
}

func TestPollerRateLimited(t *testing.T) {
	src := newScriptedSource()
	src.push(nil, fmt.Errorf("后端限流: %w", ErrRateLimited))

	p := NewPoller(src, testPollerConfig(), nil)
	defer p.Close()

	p.SetWatched([]string{"test-apes"})
	waitFor(t, func() bool { return p.Status() == StatusRateLimited }, "限流错误应进入 RATE_LIMITED")
}

func TestPollerFailedAndRetry(t *testing.T) {
	src := newScriptedSource()
	src.push(nil, fmt.Errorf("连接被重置"))
	src.push(nil, fmt.Errorf("连接被重置"))

	p := NewPoller(src, testPollerConfig(), nil)
	defer p.Close()

	p.SetWatched([]string{"test-apes"})
	// RetryBudget=2：连续两次瞬时失败后停止轮询
	waitFor(t, func() bool { return p.Status() == StatusFailed }, "连续失败超预算应进入 FAILED")

	src.push(&FetchResult{
		Events: []*domain.MarketplaceEvent{feedEvent("after", "2024-06-01T10:00:00")},
	}, nil)
	p.Retry()
	waitFor(t, func() bool { return p.Status() == StatusActive }, "显式重试后应恢复 ACTIVE")
	waitFor(t, func() bool { return len(p.Events()) == 1 }, "重试后的事件应进缓冲")
}

func TestBufferedSince(t *testing.T) {
	// 正常情况：水位线减 60 秒
	got := bufferedSince("2024-06-01T10:05:00", "2024-06-01T10:00:00")
	if got != "2024-06-01T10:04:00" {
		t.Fatalf("回看窗口计算错误: %s", got)
	}
	// 回看不早于初始水位线
	got = bufferedSince("2024-06-01T10:00:30", "2024-06-01T10:00:00")
	if got != "2024-06-01T10:00:00" {
		t.Fatalf("回看应被初始水位线兜底: %s", got)
	}
	// 水位线解析失败时退回初始水位线
	got = bufferedSince("乱码", "2024-06-01T10:00:00")
	if got != "2024-06-01T10:00:00" {
		t.Fatalf("解析失败应退回初始水位线: %s", got)
	}
}
