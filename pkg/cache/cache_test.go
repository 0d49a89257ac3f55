package cache

import (
	"testing"
	"time"
)

// TestInMemoryCache_SetGet 测试基本的写入和读取
func TestInMemoryCache_SetGet(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)
	defer c.Close()

	c.Set("a", 1, 0)
	c.Set("b", 2, time.Minute)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("期望获取到 a=1，实际 v=%d ok=%v", v, ok)
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("期望获取到 b=2，实际 v=%d ok=%v", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("不存在的键不应命中")
	}
	if c.Size() != 2 {
		t.Fatalf("期望缓存大小 2，实际 %d", c.Size())
	}
}

// TestInMemoryCache_Expiry 测试过期项不再命中
func TestInMemoryCache_Expiry(t *testing.T) {
	c := NewInMemoryCache[string, string](time.Minute)
	defer c.Close()

	c.Set("short", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("short"); ok {
		t.Fatal("过期项不应命中")
	}
}

// TestInMemoryCache_DeleteClear 测试删除和清空
func TestInMemoryCache_DeleteClear(t *testing.T) {
	c := NewInMemoryCache[int, string](time.Minute)
	defer c.Close()

	c.Set(1, "a", 0)
	c.Set(2, "b", 0)

	c.Delete(1)
	if _, ok := c.Get(1); ok {
		t.Fatal("删除后不应命中")
	}

	c.Clear()
	if c.Size() != 0 {
		t.Fatalf("清空后期望大小 0，实际 %d", c.Size())
	}
}

// TestRankedCache 测试已排名状态缓存
func TestRankedCache(t *testing.T) {
	rc := NewRankedCache()

	if _, ok := rc.Get("0xabc"); ok {
		t.Fatal("未写入的合约不应命中")
	}

	rc.Set("0xabc", true)
	rc.Set("0xdef", false)

	if v, ok := rc.Get("0xabc"); !ok || !v {
		t.Fatalf("期望 0xabc 已排名，实际 v=%v ok=%v", v, ok)
	}
	if v, ok := rc.Get("0xdef"); !ok || v {
		t.Fatalf("期望 0xdef 未排名，实际 v=%v ok=%v", v, ok)
	}
}

// TestSlugCache 测试 slug 到合约地址的映射缓存
func TestSlugCache(t *testing.T) {
	sc := NewSlugCache()

	sc.Set("cool-apes", "0x1234")
	if addr, ok := sc.Get("cool-apes"); !ok || addr != "0x1234" {
		t.Fatalf("期望获取到 0x1234，实际 addr=%q ok=%v", addr, ok)
	}
}
