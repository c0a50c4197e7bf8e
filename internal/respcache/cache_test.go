package respcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// initTestDB 创建内存数据库用于测试
func initTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:respcache_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&AIResponseCache{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestHashPromptStable(t *testing.T) {
	h1 := HashPrompt("写一个快速排序")
	h2 := HashPrompt("写一个快速排序")
	if h1 != h2 {
		t.Fatal("same prompt should produce same hash")
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
	if h1 == HashPrompt("写一个冒泡排序") {
		t.Fatal("different prompts should produce different hashes")
	}
}

func TestCacheSaveAndFetch(t *testing.T) {
	db := initTestDB(t)
	cache := NewCache(db, nil, 24, 30)
	ctx := context.Background()

	entry := &AIResponseCache{
		Prompt:           "解释一下 goroutine",
		Response:         "goroutine 是 Go 运行时调度的轻量级线程",
		Provider:         "anthropic",
		ModelID:          "claude-3-5-sonnet-20240620",
		PromptTokens:     12,
		CompletionTokens: 30,
	}
	if err := cache.Save(ctx, entry); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := cache.Fetch(ctx, "解释一下 goroutine")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected cache hit")
	}
	if got.Response != entry.Response {
		t.Fatalf("unexpected response: %s", got.Response)
	}
	if got.HitCount != 1 {
		t.Fatalf("expected hit count 1, got %d", got.HitCount)
	}

	// 再次命中，计数递增
	got, err = cache.Fetch(ctx, "解释一下 goroutine")
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if got == nil || got.HitCount != 2 {
		t.Fatalf("expected hit count 2, got %+v", got)
	}
}

func TestCacheMiss(t *testing.T) {
	db := initTestDB(t)
	cache := NewCache(db, nil, 24, 30)

	got, err := cache.Fetch(context.Background(), "从未缓存过的提示词")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected miss, got %+v", got)
	}
}

func TestCacheExpiredEntryIsMiss(t *testing.T) {
	db := initTestDB(t)
	cache := NewCache(db, nil, 24, 30)
	ctx := context.Background()

	entry := &AIResponseCache{
		Prompt:    "即将过期的提示词",
		Response:  "旧响应",
		Provider:  "openai",
		ModelID:   "gpt-4-turbo",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := cache.Save(ctx, entry); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := cache.Fetch(ctx, "即将过期的提示词")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got != nil {
		t.Fatal("expired entry should be a miss")
	}
}

func TestCacheSaveOverwritesSamePrompt(t *testing.T) {
	db := initTestDB(t)
	cache := NewCache(db, nil, 24, 30)
	ctx := context.Background()

	first := &AIResponseCache{
		Prompt:   "重复提示词",
		Response: "第一版响应",
		Provider: "openai",
		ModelID:  "gpt-4-turbo",
	}
	if err := cache.Save(ctx, first); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	second := &AIResponseCache{
		Prompt:   "重复提示词",
		Response: "第二版响应",
		Provider: "anthropic",
		ModelID:  "claude-3-5-sonnet-20240620",
	}
	if err := cache.Save(ctx, second); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	got, err := cache.Fetch(ctx, "重复提示词")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if got == nil || got.Response != "第二版响应" {
		t.Fatalf("expected overwritten response, got %+v", got)
	}

	var count int64
	if err := db.Model(&AIResponseCache{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected single entry, got %d", count)
	}
}

func TestCacheStats(t *testing.T) {
	db := initTestDB(t)
	cache := NewCache(db, nil, 24, 30)
	ctx := context.Background()

	if err := cache.Save(ctx, &AIResponseCache{
		Prompt:   "统计用提示词",
		Response: "响应",
		Provider: "openai",
		ModelID:  "gpt-4-turbo",
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if _, err := cache.Fetch(ctx, "统计用提示词"); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if _, err := cache.Fetch(ctx, "未缓存的提示词"); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	stats, err := cache.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %+v", stats)
	}
	if stats.TotalEntries != 1 {
		t.Fatalf("expected 1 entry, got %d", stats.TotalEntries)
	}
	if stats.TotalHits != 1 {
		t.Fatalf("expected total hits 1, got %d", stats.TotalHits)
	}
}
