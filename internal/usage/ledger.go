package usage

import (
	"context"
	"time"

	"backend/internal/common"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Ledger 用量账本
type Ledger struct {
	db *gorm.DB
}

// NewLedger 创建用量账本
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Append 追加一条流水
func (l *Ledger) Append(ctx context.Context, log *AIUsageLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.TotalTokens == 0 {
		log.TotalTokens = log.PromptTokens + log.CompletionTokens
	}
	return l.db.WithContext(ctx).Create(log).Error
}

// List 分页查询用户流水（按时间倒序）
func (l *Ledger) List(ctx context.Context, userID string, dateRange *common.DateRange, page *common.PaginationRequest) ([]AIUsageLog, int64, error) {
	query := l.db.WithContext(ctx).
		Model(&AIUsageLog{}).
		Where("user_id = ?", userID)
	if dateRange != nil {
		if !dateRange.Start.IsZero() {
			query = query.Where("created_at >= ?", dateRange.Start)
		}
		if !dateRange.End.IsZero() {
			query = query.Where("created_at <= ?", dateRange.End)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []AIUsageLog
	err := query.
		Order("created_at DESC").
		Offset(page.GetOffset()).
		Limit(page.GetPageSize()).
		Find(&logs).Error
	return logs, total, err
}

// Summary 用户用量汇总
type Summary struct {
	TotalRequests    int64   `json:"totalRequests"`
	TotalTokens      int64   `json:"totalTokens"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalCost        float64 `json:"totalCost"`
	CachedRequests   int64   `json:"cachedRequests"`
	FallbackRequests int64   `json:"fallbackRequests"`
	FailedRequests   int64   `json:"failedRequests"`
}

// GetSummary 汇总用户用量
func (l *Ledger) GetSummary(ctx context.Context, userID string, dateRange *common.DateRange) (*Summary, error) {
	query := l.db.WithContext(ctx).
		Model(&AIUsageLog{}).
		Where("user_id = ?", userID)
	if dateRange != nil {
		if !dateRange.Start.IsZero() {
			query = query.Where("created_at >= ?", dateRange.Start)
		}
		if !dateRange.End.IsZero() {
			query = query.Where("created_at <= ?", dateRange.End)
		}
	}

	var summary Summary
	err := query.Select(
		`COUNT(*) AS total_requests,
		 COALESCE(SUM(total_tokens), 0) AS total_tokens,
		 COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
		 COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
		 COALESCE(SUM(cost), 0) AS total_cost,
		 COALESCE(SUM(CASE WHEN was_cached THEN 1 ELSE 0 END), 0) AS cached_requests,
		 COALESCE(SUM(CASE WHEN fallback_used THEN 1 ELSE 0 END), 0) AS fallback_requests,
		 COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) AS failed_requests`,
	).Scan(&summary).Error
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// ProviderBreakdown 按提供商分组的用量
type ProviderBreakdown struct {
	Provider    string  `json:"provider"`
	Requests    int64   `json:"requests"`
	TotalTokens int64   `json:"totalTokens"`
	TotalCost   float64 `json:"totalCost"`
}

// GetProviderBreakdown 按提供商汇总用户用量
func (l *Ledger) GetProviderBreakdown(ctx context.Context, userID string, since time.Time) ([]ProviderBreakdown, error) {
	var breakdown []ProviderBreakdown
	err := l.db.WithContext(ctx).
		Model(&AIUsageLog{}).
		Select(`provider,
			COUNT(*) AS requests,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(SUM(cost), 0) AS total_cost`).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Group("provider").
		Order("total_cost DESC").
		Scan(&breakdown).Error
	return breakdown, err
}
