package rarity

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSource 可计数的稀有度数据源
type fakeSource struct {
	fetches int32
	index   *Index
	err     error
}

func (f *fakeSource) FetchRarities(_ context.Context, _ string) (*Index, error) {
	atomic.AddInt32(&f.fetches, 1)
	return f.index, f.err
}

func (f *fakeSource) FetchEligibility(_ context.Context, _ string, _ []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func TestLoaderCoalescesConcurrentLoads(t *testing.T) {
	src := &fakeSource{index: &Index{IsRanked: true, TokenCount: 10}}
	l := NewLoader(src, LoaderConfig{BatchWindow: 50 * time.Millisecond})

	// 窗口内的并发请求应合并成一次后端调用
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ix, err := l.Load(context.Background(), "0xabc")
			if err != nil {
				t.Errorf("Load 失败: %v", err)
				return
			}
			if !ix.IsRanked {
				t.Error("应返回已排名的索引")
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&src.fetches); n != 1 {
		t.Fatalf("并发请求应合并成 1 次后端调用，实际 %d 次", n)
	}

	// 缓存命中，不再调用后端
	if _, err := l.Load(context.Background(), "0xabc"); err != nil {
		t.Fatalf("缓存命中加载失败: %v", err)
	}
	if n := atomic.LoadInt32(&src.fetches); n != 1 {
		t.Fatalf("缓存命中不应触发后端调用，实际 %d 次", n)
	}
}

func TestLoaderUnranked(t *testing.T) {
	// 后端返回 nil 表示未排名，加载器应转换为空索引而不是报错
	src := &fakeSource{index: nil}
	l := NewLoader(src, LoaderConfig{BatchWindow: 10 * time.Millisecond})

	ix, err := l.Load(context.Background(), "0xdef")
	if err != nil {
		t.Fatalf("未排名集合不应报错: %v", err)
	}
	if ix == nil || ix.IsRanked {
		t.Fatalf("未排名集合应返回空索引，got %#v", ix)
	}
}

func TestLoaderCloseStopsBackgroundCleanup(t *testing.T) {
	base := runtime.NumGoroutine()

	loaders := make([]*Loader, 0, 20)
	for i := 0; i < 20; i++ {
		loaders = append(loaders, NewLoader(&fakeSource{}, LoaderConfig{}))
	}
	for _, l := range loaders {
		l.Close()
		l.Close() // 重复关闭安全
	}

	// 关闭后后台清理 goroutine 应全部退出
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= base+1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("关闭后仍有残留 goroutine: %d -> %d", base, runtime.NumGoroutine())
}

func TestLoaderInvalidate(t *testing.T) {
	src := &fakeSource{index: &Index{IsRanked: true}}
	l := NewLoader(src, LoaderConfig{BatchWindow: 10 * time.Millisecond})

	if _, err := l.Load(context.Background(), "0xabc"); err != nil {
		t.Fatal(err)
	}
	l.Invalidate("0xabc")
	if _, err := l.Load(context.Background(), "0xabc"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&src.fetches); n != 2 {
		t.Fatalf("Invalidate 后应重新调用后端，实际 %d 次", n)
	}
}
