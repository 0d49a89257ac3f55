package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nftbot/gonft/internal/domain"
	"github.com/nftbot/gonft/internal/notifier"
)

const testContract = "0x1234567890abcdef1234567890abcdef12345678"

// chanSink 把通知与撤回批次写进通道供测试观察
type chanSink struct {
	ch      chan Notification
	cleared chan []string
	seq     int32
}

var _ NotificationSink = (*chanSink)(nil)

func (s *chanSink) Notify(_ context.Context, n Notification) (string, error) {
	s.ch <- n
	return fmt.Sprintf("n%d", atomic.AddInt32(&s.seq, 1)), nil
}

func (s *chanSink) Clear(_ context.Context, ids []string) error {
	if s.cleared != nil {
		s.cleared <- ids
	}
	return nil
}

// chanPurchaser 把购买请求写进通道供测试观察
type chanPurchaser struct {
	ch chan PurchaseRequest
}

var _ PurchaseSubmitter = (*chanPurchaser)(nil)

func (p *chanPurchaser) Submit(_ context.Context, req PurchaseRequest) error {
	p.ch <- req
	return nil
}

// countingSound 计数提示音
type countingSound struct {
	plays int32
}

var _ SoundPlayer = (*countingSound)(nil)

func (s *countingSound) Play() {
	atomic.AddInt32(&s.plays, 1)
}

func testCollection() *domain.Collection {
	return &domain.Collection{Slug: "test-apes", ContractAddress: testContract}
}

func listedEvent(id string) *domain.MarketplaceEvent {
	return &domain.MarketplaceEvent{
		ListingID:       id,
		TokenID:         id,
		ContractAddress: testContract,
		Name:            "Test Ape #" + id,
		Price:           "1000000000000000000",
		Currency:        "ETH",
		Timestamp:       "2024-06-01T10:00:00",
		EventType:       domain.EventCreated,
	}
}

func awaitNotification(t *testing.T, ch chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("等待通知超时")
		return Notification{}
	}
}

func TestHandleEventsAtMostOnce(t *testing.T) {
	reg := notifier.NewRegistry(nil)
	if _, err := reg.Add(context.Background(), notifier.Input{Collection: testCollection()}); err != nil {
		t.Fatalf("添加规则失败: %v", err)
	}

	sink := &chanSink{ch: make(chan Notification, 8)}
	d := NewDispatcher(reg, Config{Sink: sink})

	d.HandleEvents([]*domain.MarketplaceEvent{listedEvent("l1")})
	awaitNotification(t, sink.ch)

	// 同一 listingId 的事件（重叠拉取窗口会重复看到）不会再次派发
	d.HandleEvents([]*domain.MarketplaceEvent{listedEvent("l1")})
	select {
	case n := <-sink.ch:
		t.Fatalf("重复事件不应再次通知: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}

	if got := len(d.Matched()); got != 1 {
		t.Fatalf("匹配列表长度期望 1 实际 %d", got)
	}
}

func TestHandleEventsCreatedOnly(t *testing.T) {
	reg := notifier.NewRegistry(nil)
	reg.Add(context.Background(), notifier.Input{Collection: testCollection()})

	sink := &chanSink{ch: make(chan Notification, 8)}
	d := NewDispatcher(reg, Config{Sink: sink})

	sold := listedEvent("l1")
	sold.EventType = domain.EventSuccessful
	d.HandleEvents([]*domain.MarketplaceEvent{sold})

	select {
	case n := <-sink.ch:
		t.Fatalf("成交事件不应触发派发: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
	if len(d.Matched()) != 0 {
		t.Fatal("成交事件不应进匹配列表")
	}
}

func TestHandleEventsFirstMatchByPriority(t *testing.T) {
	reg := notifier.NewRegistry(nil)
	ctx := context.Background()
	col := testCollection()

	plain, _ := reg.Add(ctx, notifier.Input{Collection: col})
	buy, _ := reg.Add(ctx, notifier.Input{
		Collection:   col,
		AutoQuickBuy: true,
		GasOverride:  &domain.GasOverride{Fee: 50, PriorityFee: 3},
	})

	sink := &chanSink{ch: make(chan Notification, 8)}
	buyer := &chanPurchaser{ch: make(chan PurchaseRequest, 8)}
	d := NewDispatcher(reg, Config{Sink: sink, Purchaser: buyer})

	d.HandleEvents([]*domain.MarketplaceEvent{listedEvent("l1")})

	// 自动购买规则优先级更高，事件只命中它
	n := awaitNotification(t, sink.ch)
	if n.RuleID != buy.ID {
		t.Fatalf("应命中自动购买规则 %s，实际 %s（普通规则 %s）", buy.ID, n.RuleID, plain.ID)
	}

	select {
	case req := <-buyer.ch:
		if req.Event.ListingID != "l1" || req.RuleID != buy.ID {
			t.Fatalf("购买请求内容不对: %+v", req)
		}
		if req.GasOverride == nil || req.GasOverride.Fee != 50 {
			t.Fatalf("购买请求应携带规则的 gas 覆写: %+v", req.GasOverride)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("等待购买请求超时")
	}
}

func TestMatchedCapAndOrder(t *testing.T) {
	reg := notifier.NewRegistry(nil)
	reg.Add(context.Background(), notifier.Input{Collection: testCollection()})
	d := NewDispatcher(reg, Config{})

	for i := 0; i < 60; i++ {
		d.HandleEvents([]*domain.MarketplaceEvent{listedEvent(fmt.Sprintf("l%d", i))})
	}

	matched := d.Matched()
	if len(matched) != maxMatched {
		t.Fatalf("匹配列表应截断到 %d，实际 %d", maxMatched, len(matched))
	}
	// 新命中在前
	if matched[0].ListingID != "l59" {
		t.Fatalf("最新命中应排在最前，实际 %s", matched[0].ListingID)
	}
}

func TestUnseenCountAndPanel(t *testing.T) {
	reg := notifier.NewRegistry(nil)
	reg.Add(context.Background(), notifier.Input{Collection: testCollection()})
	d := NewDispatcher(reg, Config{})

	d.HandleEvents([]*domain.MarketplaceEvent{listedEvent("l1"), listedEvent("l2")})
	if got := d.UnseenCount(); got != 2 {
		t.Fatalf("面板关闭期间未读计数期望 2 实际 %d", got)
	}

	// 打开面板清零未读
	d.SetPanelOpen(true)
	if got := d.UnseenCount(); got != 0 {
		t.Fatalf("打开面板后未读应清零，实际 %d", got)
	}

	// 面板打开期间的新命中不计未读
	d.HandleEvents([]*domain.MarketplaceEvent{listedEvent("l3")})
	if got := d.UnseenCount(); got != 0 {
		t.Fatalf("面板打开期间不应累计未读，实际 %d", got)
	}

	d.SetPanelOpen(false)
	d.HandleEvents([]*domain.MarketplaceEvent{listedEvent("l4")})
	if got := d.UnseenCount(); got != 1 {
		t.Fatalf("面板关闭后应重新累计未读，实际 %d", got)
	}
}

func TestClearMatchesKeepsProcessed(t *testing.T) {
	reg := notifier.NewRegistry(nil)
	reg.Add(context.Background(), notifier.Input{Collection: testCollection()})
	d := NewDispatcher(reg, Config{})

	d.HandleEvents([]*domain.MarketplaceEvent{listedEvent("l1")})
	d.ClearMatches()

	if len(d.Matched()) != 0 || d.UnseenCount() != 0 {
		t.Fatal("清空后匹配列表与未读计数应为空")
	}
	// 清空列表不忘记已处理的挂单
	d.HandleEvents([]*domain.MarketplaceEvent{listedEvent("l1")})
	if len(d.Matched()) != 0 {
		t.Fatal("清空列表后同一挂单不应再次命中")
	}

	// Reset 才重置已处理集（被监控集合变化时）
	d.Reset()
	d.HandleEvents([]*domain.MarketplaceEvent{listedEvent("l1")})
	if len(d.Matched()) != 1 {
		t.Fatal("重置后同一挂单应重新处理")
	}
}

func TestClearMatchesClearsSentNotifications(t *testing.T) {
	reg := notifier.NewRegistry(nil)
	reg.Add(context.Background(), notifier.Input{Collection: testCollection()})

	sink := &chanSink{ch: make(chan Notification, 8), cleared: make(chan []string, 8)}
	d := NewDispatcher(reg, Config{Sink: sink})

	d.HandleEvents([]*domain.MarketplaceEvent{listedEvent("l1"), listedEvent("l2")})
	awaitNotification(t, sink.ch)
	awaitNotification(t, sink.ch)

	// 记住的通知 ID 在清空匹配列表时整批撤回
	d.ClearMatches()
	select {
	case ids := <-sink.cleared:
		if len(ids) != 2 {
			t.Fatalf("应撤回 2 条已发通知，实际 %v", ids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("等待撤回请求超时")
	}

	// 再次清空时没有待撤回的通知，不应再调用出口
	d.ClearMatches()
	select {
	case ids := <-sink.cleared:
		t.Fatalf("没有已发通知时不应发起撤回: %v", ids)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSoundThrottle(t *testing.T) {
	reg := notifier.NewRegistry(nil)
	reg.Add(context.Background(), notifier.Input{Collection: testCollection()})

	sound := &countingSound{}
	d := NewDispatcher(reg, Config{Sound: sound})

	// 两次命中几乎同时到达，提示音按最小间隔节流
	d.HandleEvents([]*domain.MarketplaceEvent{listedEvent("l1"), listedEvent("l2")})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&sound.plays) >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&sound.plays); got != 1 {
		t.Fatalf("节流窗口内提示音应只响一次，实际 %d 次", got)
	}
}
