// Package billing Token 账户 API 处理器
package billing

import (
	"errors"

	"backend/internal/auth"
	billingsvc "backend/internal/billing"
	"backend/internal/common"
	"backend/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler Token 账户处理器
type Handler struct {
	billing *billingsvc.Service
}

// NewHandler 创建 Token 账户处理器
func NewHandler(billingService *billingsvc.Service) *Handler {
	return &Handler{billing: billingService}
}

// Balance 查询当前用户的 Token 账户
// GET /api/billing/balance
func (h *Handler) Balance(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		common.ResponseError(c, common.CodeUnauthorized, "未认证")
		return
	}

	account, err := h.billing.GetOrCreateAccount(c.Request.Context(), userID)
	if err != nil {
		logger.WithContext(c.Request.Context()).Error("查询 Token 账户失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "查询 Token 账户失败")
		return
	}
	common.ResponseSuccess(c, account)
}

// RechargeRequest 充值请求
type RechargeRequest struct {
	Amount      int64  `json:"amount" binding:"required,min=1"`
	Description string `json:"description" binding:"omitempty,max=255"`
}

// Recharge 为当前用户充值 Token
// POST /api/billing/recharge
func (h *Handler) Recharge(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		common.ResponseError(c, common.CodeUnauthorized, "未认证")
		return
	}

	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, "请求参数错误: "+err.Error())
		return
	}

	description := req.Description
	if description == "" {
		description = "账户充值"
	}

	tx, err := h.billing.Recharge(c.Request.Context(), userID, req.Amount, description)
	if err != nil {
		if errors.Is(err, billingsvc.ErrInvalidAmount) {
			common.ResponseError(c, common.CodeInvalidRequest, "无效的充值金额")
			return
		}
		logger.WithContext(c.Request.Context()).Error("充值失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "充值失败")
		return
	}
	common.ResponseSuccess(c, tx)
}

// Transactions 当前用户的 Token 流水（分页）
// GET /api/billing/transactions
func (h *Handler) Transactions(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		common.ResponseError(c, common.CodeUnauthorized, "未认证")
		return
	}

	var page common.PaginationRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, "请求参数错误: "+err.Error())
		return
	}

	transactions, total, err := h.billing.ListTransactions(c.Request.Context(), userID, &page)
	if err != nil {
		logger.WithContext(c.Request.Context()).Error("查询 Token 流水失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "查询 Token 流水失败")
		return
	}
	common.ResponseList(c, transactions, total, &page)
}
