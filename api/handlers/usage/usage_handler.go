// Package usage 用量查询 API 处理器
package usage

import (
	"time"

	"backend/internal/auth"
	"backend/internal/common"
	"backend/internal/logger"
	usagesvc "backend/internal/usage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 用量查询处理器
type Handler struct {
	ledger *usagesvc.Ledger
}

// NewHandler 创建用量查询处理器
func NewHandler(ledger *usagesvc.Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// statsQuery 统计查询参数
type statsQuery struct {
	StartDate string `form:"start_date" binding:"omitempty,datetime=2006-01-02"`
	EndDate   string `form:"end_date" binding:"omitempty,datetime=2006-01-02"`
	Days      int    `form:"days" binding:"omitempty,min=1,max=365"`
}

// Stats 当前用户的用量汇总
// GET /api/usage/stats
func (h *Handler) Stats(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		common.ResponseError(c, common.CodeUnauthorized, "未认证")
		return
	}

	var query statsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, "请求参数错误: "+err.Error())
		return
	}

	dateRange, err := parseDateRange(query.StartDate, query.EndDate)
	if err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, err.Error())
		return
	}

	summary, err := h.ledger.GetSummary(c.Request.Context(), userID, dateRange)
	if err != nil {
		logger.WithContext(c.Request.Context()).Error("查询用量汇总失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "查询用量汇总失败")
		return
	}

	// 默认统计最近 30 天的提供商分布
	days := query.Days
	if days <= 0 {
		days = 30
	}
	breakdown, err := h.ledger.GetProviderBreakdown(c.Request.Context(), userID, time.Now().AddDate(0, 0, -days))
	if err != nil {
		logger.WithContext(c.Request.Context()).Error("查询提供商用量分布失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "查询提供商用量分布失败")
		return
	}

	common.ResponseSuccess(c, gin.H{
		"summary":   summary,
		"providers": breakdown,
	})
}

// logsQuery 流水查询参数
type logsQuery struct {
	common.PaginationRequest
	StartDate string `form:"start_date" binding:"omitempty,datetime=2006-01-02"`
	EndDate   string `form:"end_date" binding:"omitempty,datetime=2006-01-02"`
}

// Logs 当前用户的用量流水（分页）
// GET /api/usage/logs
func (h *Handler) Logs(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		common.ResponseError(c, common.CodeUnauthorized, "未认证")
		return
	}

	var query logsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, "请求参数错误: "+err.Error())
		return
	}

	dateRange, err := parseDateRange(query.StartDate, query.EndDate)
	if err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, err.Error())
		return
	}

	logs, total, err := h.ledger.List(c.Request.Context(), userID, dateRange, &query.PaginationRequest)
	if err != nil {
		logger.WithContext(c.Request.Context()).Error("查询用量流水失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "查询用量流水失败")
		return
	}

	common.ResponseList(c, logs, total, &query.PaginationRequest)
}

// parseDateRange 把查询参数解析为日期范围，结束日期包含当天
func parseDateRange(startDate, endDate string) (*common.DateRange, error) {
	if startDate == "" && endDate == "" {
		return nil, nil
	}

	var dateRange common.DateRange
	if startDate != "" {
		start, err := time.Parse("2006-01-02", startDate)
		if err != nil {
			return nil, err
		}
		dateRange.Start = start
	}
	if endDate != "" {
		end, err := time.Parse("2006-01-02", endDate)
		if err != nil {
			return nil, err
		}
		dateRange.End = end.AddDate(0, 0, 1)
	}
	return &dateRange, nil
}
