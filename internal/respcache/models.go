// Package respcache 提供 AI 响应的精确匹配缓存
// 数据库为权威存储，Redis 作为可选热层加速读取
package respcache

import "time"

// AIResponseCache 响应缓存条目
// PromptHash 是提示词原文的 SHA-256，相同提示词全局复用一条
type AIResponseCache struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	PromptHash string `json:"promptHash" gorm:"size:64;not null;uniqueIndex"`
	Prompt     string `json:"prompt" gorm:"type:text;not null"`
	Response   string `json:"response" gorm:"type:text;not null"`

	// 产生该响应的模型信息
	Provider string `json:"provider" gorm:"size:50;not null"`
	ModelID  string `json:"modelId" gorm:"size:255;not null"`

	// 原始调用的 Token 用量（命中时复用于展示，不再计费）
	PromptTokens     int `json:"promptTokens" gorm:"default:0"`
	CompletionTokens int `json:"completionTokens" gorm:"default:0"`

	HitCount   int64     `json:"hitCount" gorm:"default:0"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	ExpiresAt  time.Time `json:"expiresAt" gorm:"not null;index"`
	CreatedAt  time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 指定表名
func (AIResponseCache) TableName() string {
	return "ai_response_cache"
}
