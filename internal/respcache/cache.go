package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"backend/internal/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const redisKeyPrefix = "resp_cache:"

// Cache 响应缓存
type Cache struct {
	db       *gorm.DB
	redis    *redis.Client // 可选热层，nil 时仅走数据库
	ttlHours int
	redisTTL time.Duration

	// 进程内统计
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache 创建响应缓存
// redisClient 允许为 nil（Redis 不可用时降级为纯数据库缓存）
func NewCache(db *gorm.DB, redisClient *redis.Client, ttlHours int, redisTTLMinutes int) *Cache {
	if ttlHours <= 0 {
		ttlHours = 24
	}
	if redisTTLMinutes <= 0 {
		redisTTLMinutes = 30
	}
	return &Cache{
		db:       db,
		redis:    redisClient,
		ttlHours: ttlHours,
		redisTTL: time.Duration(redisTTLMinutes) * time.Minute,
	}
}

// HashPrompt 计算提示词缓存键（原文 SHA-256，十六进制）
func HashPrompt(prompt string) string {
	hash := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(hash[:])
}

// Fetch 按提示词原文查询缓存
// 命中时原子递增 hit_count 并刷新 last_used_at；未命中或已过期返回 nil
func (c *Cache) Fetch(ctx context.Context, prompt string) (*AIResponseCache, error) {
	promptHash := HashPrompt(prompt)
	now := time.Now()

	// 热层快路径
	if entry := c.fetchFromRedis(ctx, promptHash); entry != nil {
		c.hits.Add(1)
		// 计数仍以数据库为准，异步补记即可
		go c.bumpHitCount(promptHash)
		return entry, nil
	}

	// RETURNING 让命中判定与计数递增合并为一条语句
	var entry AIResponseCache
	result := c.db.WithContext(ctx).Raw(
		`UPDATE ai_response_cache
		 SET hit_count = hit_count + 1, last_used_at = ?
		 WHERE prompt_hash = ? AND expires_at > ?
		 RETURNING *`,
		now, promptHash, now,
	).Scan(&entry)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		c.misses.Add(1)
		return nil, nil
	}

	c.hits.Add(1)
	c.saveToRedis(ctx, &entry)
	return &entry, nil
}

// Save 写入（或刷新）缓存条目
// 相同提示词重复写入时覆盖旧响应并重置过期时间
func (c *Cache) Save(ctx context.Context, entry *AIResponseCache) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.PromptHash == "" {
		entry.PromptHash = HashPrompt(entry.Prompt)
	}
	now := time.Now()
	if entry.LastUsedAt.IsZero() {
		entry.LastUsedAt = now
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = now.Add(time.Duration(c.ttlHours) * time.Hour)
	}

	err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "prompt_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"response", "provider", "model_id",
				"prompt_tokens", "completion_tokens",
				"last_used_at", "expires_at",
			}),
		}).
		Create(entry).Error
	if err != nil {
		return err
	}

	c.saveToRedis(ctx, entry)
	return nil
}

// PurgeExpired 清理过期条目，返回清理数量
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	result := c.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now()).
		Delete(&AIResponseCache{})
	return result.RowsAffected, result.Error
}

// Stats 缓存统计
type Stats struct {
	Hits         int64   `json:"hits"`         // 进程内命中数
	Misses       int64   `json:"misses"`       // 进程内未命中数
	HitRate      float64 `json:"hitRate"`      // 进程内命中率
	TotalEntries int64   `json:"totalEntries"` // 未过期条目数
	TotalHits    int64   `json:"totalHits"`    // 历史累计命中数（数据库口径）
}

// GetStats 返回缓存统计
func (c *Cache) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	err := c.db.WithContext(ctx).
		Model(&AIResponseCache{}).
		Where("expires_at > ?", time.Now()).
		Count(&stats.TotalEntries).Error
	if err != nil {
		return nil, err
	}

	var totalHits struct{ Total int64 }
	err = c.db.WithContext(ctx).
		Model(&AIResponseCache{}).
		Select("COALESCE(SUM(hit_count), 0) AS total").
		Scan(&totalHits).Error
	if err != nil {
		return nil, err
	}
	stats.TotalHits = totalHits.Total

	return stats, nil
}

// fetchFromRedis 热层读取，失败只记日志
func (c *Cache) fetchFromRedis(ctx context.Context, promptHash string) *AIResponseCache {
	if c.redis == nil {
		return nil
	}

	data, err := c.redis.Get(ctx, redisKeyPrefix+promptHash).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.WithContext(ctx).Warn("读取 Redis 缓存失败", zap.Error(err))
		}
		return nil
	}

	var entry AIResponseCache
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil
	}
	// 热层 TTL 可能长于条目剩余寿命，读取时仍需校验
	if time.Now().After(entry.ExpiresAt) {
		return nil
	}
	return &entry
}

// saveToRedis 热层写入，失败只记日志
func (c *Cache) saveToRedis(ctx context.Context, entry *AIResponseCache) {
	if c.redis == nil {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	ttl := c.redisTTL
	if remaining := time.Until(entry.ExpiresAt); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}

	if err := c.redis.Set(ctx, redisKeyPrefix+entry.PromptHash, data, ttl).Err(); err != nil {
		logger.WithContext(ctx).Warn("写入 Redis 缓存失败", zap.Error(err))
	}
}

// bumpHitCount 异步补记数据库命中计数
func (c *Cache) bumpHitCount(promptHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.db.WithContext(ctx).
		Model(&AIResponseCache{}).
		Where("prompt_hash = ?", promptHash).
		Updates(map[string]any{
			"hit_count":    gorm.Expr("hit_count + 1"),
			"last_used_at": time.Now(),
		}).Error
	if err != nil {
		logger.Get().Warn("补记缓存命中计数失败", zap.Error(err))
	}
}
