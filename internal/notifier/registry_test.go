package notifier

import (
	"context"
	"fmt"
	"testing"

	"github.com/nftbot/gonft/internal/domain"
	"github.com/nftbot/gonft/internal/rarity"
)

// fakeEligibilitySource 可控的 eligibility 数据源
type fakeEligibilitySource struct {
	eligibility map[string]bool
	err         error
	calls       int
}

var _ rarity.Source = (*fakeEligibilitySource)(nil)

func (f *fakeEligibilitySource) FetchRarities(_ context.Context, _ string) (*rarity.Index, error) {
	return nil, nil
}

func (f *fakeEligibilitySource) FetchEligibility(_ context.Context, _ string, _ []string) (map[string]bool, error) {
	f.calls++
	return f.eligibility, f.err
}

func TestIDGeneratorSequence(t *testing.T) {
	g := &IDGenerator{}
	// A..Z 用完后带轮次后缀
	for i := 0; i < 26; i++ {
		want := string(idAlphabet[i])
		if got := g.Next(); got != want {
			t.Fatalf("第 %d 个 ID 期望 %s 实际 %s", i, want, got)
		}
	}
	if got := g.Next(); got != "A1" {
		t.Fatalf("第二轮首个 ID 期望 A1 实际 %s", got)
	}
	if got := g.Next(); got != "B1" {
		t.Fatalf("期望 B1 实际 %s", got)
	}
}

func TestRegistryAdd(t *testing.T) {
	r := NewRegistry(&fakeEligibilitySource{})

	n, err := r.Add(context.Background(), Input{Collection: testCollection()})
	if err != nil {
		t.Fatalf("添加规则失败: %v", err)
	}
	if n.ID != "A" {
		t.Fatalf("首条规则 ID 期望 A 实际 %s", n.ID)
	}
	// 稀有度下限缺省为 Common（不过滤）
	if n.LowestRarity != "Common" {
		t.Fatalf("稀有度缺省期望 Common 实际 %s", n.LowestRarity)
	}
	if len(r.Active()) != 1 {
		t.Fatalf("活跃规则数期望 1 实际 %d", len(r.Active()))
	}

	// 不绑定集合的规则拒绝创建
	if _, err := r.Add(context.Background(), Input{}); err == nil {
		t.Fatal("缺少集合应报错")
	}
}

func TestRegistryAddLoadsEligibility(t *testing.T) {
	src := &fakeEligibilitySource{eligibility: map[string]bool{"7": true}}
	r := NewRegistry(src)

	n, err := r.Add(context.Background(), Input{
		Collection: testCollection(),
		Traits:     []string{"Background:Gold"},
	})
	if err != nil {
		t.Fatalf("添加规则失败: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("应同步加载一次 eligibility，实际 %d 次", src.calls)
	}
	if !n.Eligibility["7"] {
		t.Fatal("eligibility 集合未挂到规则上")
	}
}

func TestRegistryAddEligibilityFailure(t *testing.T) {
	src := &fakeEligibilitySource{err: fmt.Errorf("接口超时")}
	r := NewRegistry(src)

	_, err := r.Add(context.Background(), Input{
		Collection: testCollection(),
		Traits:     []string{"Background:Gold"},
	})
	if err == nil {
		t.Fatal("eligibility 加载失败时规则不应生效")
	}
	if len(r.Active()) != 0 {
		t.Fatal("失败的规则不应进入活跃集")
	}
}

func TestRegistryRemoveAndReplace(t *testing.T) {
	r := NewRegistry(&fakeEligibilitySource{})
	ctx := context.Background()

	n, _ := r.Add(ctx, Input{Collection: testCollection()})
	if !r.Remove(n.ID) {
		t.Fatal("删除已存在规则应返回 true")
	}
	if r.Remove(n.ID) {
		t.Fatal("重复删除应返回 false")
	}

	// 编辑保留原 ID
	n2, _ := r.Add(ctx, Input{Collection: testCollection()})
	replaced, err := r.Replace(ctx, n2.ID, Input{
		Collection:   testCollection(),
		AutoQuickBuy: true,
	})
	if err != nil {
		t.Fatalf("编辑规则失败: %v", err)
	}
	if replaced.ID != n2.ID {
		t.Fatalf("编辑后 ID 期望 %s 实际 %s", n2.ID, replaced.ID)
	}
	if !replaced.AutoQuickBuy {
		t.Fatal("编辑后的字段未生效")
	}
	if _, err := r.Replace(ctx, "不存在", Input{Collection: testCollection()}); err == nil {
		t.Fatal("编辑不存在的规则应报错")
	}
}

func TestActiveByPriority(t *testing.T) {
	r := NewRegistry(&fakeEligibilitySource{})
	ctx := context.Background()
	col := testCollection()

	plain1, _ := r.Add(ctx, Input{Collection: col})
	buyLowGas, _ := r.Add(ctx, Input{
		Collection:   col,
		AutoQuickBuy: true,
		GasOverride:  &domain.GasOverride{Fee: 30, PriorityFee: 2},
	})
	plain2, _ := r.Add(ctx, Input{Collection: col})
	buyHighGas, _ := r.Add(ctx, Input{
		Collection:   col,
		AutoQuickBuy: true,
		GasOverride:  &domain.GasOverride{Fee: 80, PriorityFee: 5},
	})

	got := r.ActiveByPriority()
	wantOrder := []string{buyHighGas.ID, buyLowGas.ID, plain1.ID, plain2.ID}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Fatalf("优先级顺序第 %d 位期望 %s 实际 %s", i, want, got[i].ID)
		}
	}

	// 同分规则保持创建顺序（稳定排序）
	if got[2].ID != plain1.ID || got[3].ID != plain2.ID {
		t.Fatal("同分规则应保持创建顺序")
	}
}
