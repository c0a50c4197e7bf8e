// Package usage 记录每次 AI 调用的用量流水
package usage

import "time"

// AIUsageLog 用量流水（只追加，不更新）
// 缓存命中也记一条，was_cached=true 且成本为 0
type AIUsageLog struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	UserID   string `json:"userId" gorm:"type:uuid;not null;index:idx_usage_user_time,priority:1"`
	Provider string `json:"provider" gorm:"size:50;not null;index"`
	ModelID  string `json:"modelId" gorm:"size:255;not null"`
	TaskType string `json:"taskType" gorm:"size:50;index"`

	// Token 用量与成本
	PromptTokens     int     `json:"promptTokens" gorm:"default:0"`
	CompletionTokens int     `json:"completionTokens" gorm:"default:0"`
	TotalTokens      int     `json:"totalTokens" gorm:"default:0"`
	Cost             float64 `json:"cost" gorm:"type:decimal(12,6);default:0"`

	// 调用特征
	DurationMs   int64 `json:"durationMs" gorm:"default:0"`
	WasCached    bool  `json:"wasCached" gorm:"default:false"`
	FallbackUsed bool  `json:"fallbackUsed" gorm:"default:false"`
	Segments     int   `json:"segments" gorm:"default:1"` // 含截断续写的响应分段数

	Success      bool   `json:"success" gorm:"default:true"`
	ErrorMessage string `json:"errorMessage" gorm:"type:text"`
	RequestID    string `json:"requestId" gorm:"size:64;index"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index:idx_usage_user_time,priority:2"`
}

// TableName 指定表名
func (AIUsageLog) TableName() string {
	return "ai_usage_logs"
}
