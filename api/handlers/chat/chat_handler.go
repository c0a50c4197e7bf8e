// Package chat 对话 API 处理器
package chat

import (
	"context"
	"errors"
	"io"

	"backend/internal/auth"
	"backend/internal/billing"
	"backend/internal/catalog"
	chatsvc "backend/internal/chat"
	"backend/internal/common"
	"backend/internal/config"
	"backend/internal/logger"
	"backend/internal/middleware"
	"backend/pkg/aiinterface"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 对话处理器
type Handler struct {
	orchestrator *chatsvc.Orchestrator
	billing      *billing.Service
	cfg          config.ChatConfig
}

// NewHandler 创建对话处理器
func NewHandler(orchestrator *chatsvc.Orchestrator, billingService *billing.Service, cfg config.ChatConfig) *Handler {
	cfg.ApplyDefaults()
	return &Handler{
		orchestrator: orchestrator,
		billing:      billingService,
		cfg:          cfg,
	}
}

// Stream 发起一轮流式对话
// POST /api/chat
// 响应为 SSE 流：message 事件携带增量内容，done 事件携带本轮元信息，error 事件表示异常终止
func (h *Handler) Stream(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		common.ResponseError(c, common.CodeUnauthorized, "未认证")
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, "请求参数错误: "+err.Error())
		return
	}

	// 余额闸门：低于最低余额直接拒绝，不消耗任何提供商配额
	if err := h.billing.CheckBalance(c.Request.Context(), userID, int64(h.cfg.MinTokenBalance)); err != nil {
		if errors.Is(err, billing.ErrInsufficientBalance) {
			common.ResponseError(c, common.CodeInsufficientBalance, "Token 余额不足，请充值后再试")
			return
		}
		logger.WithContext(c.Request.Context()).Error("余额检查失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "余额检查失败")
		return
	}

	taskType := catalog.TaskTypeChat
	if req.TaskType != "" {
		taskType = catalog.TaskType(req.TaskType)
	}

	history := make([]aiinterface.Message, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, aiinterface.Message{Role: m.Role, Content: m.Content})
	}

	chatReq := &chatsvc.Request{
		UserID:    userID,
		Message:   req.Message,
		History:   history,
		TaskType:  taskType,
		RequestID: middleware.GetRequestID(c),
	}

	// 设置 SSE 响应头
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	eventChan, errChan := h.orchestrator.Stream(c.Request.Context(), chatReq)

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventChan:
			if !ok {
				// 事件通道关闭但未收到终止事件，检查是否有滞留的错误
				if err := drainError(errChan); err != nil {
					h.sendError(c, err)
				}
				return false
			}

			if event.Done {
				c.SSEvent("done", event)
				return false
			}
			c.SSEvent("message", gin.H{"content": event.Content})
			return true

		case err, ok := <-errChan:
			if ok && err != nil {
				h.sendError(c, err)
			}
			return false
		}
	})
}

// sendError 把编排错误映射为 SSE error 事件
func (h *Handler) sendError(c *gin.Context, err error) {
	code := common.CodeModelCallFailed
	message := "模型调用失败"

	switch {
	case errors.Is(err, chatsvc.ErrNoProviderAvailable):
		code = common.CodeNoModelAvailable
		message = "当前无可用的 AI 提供商"
	case errors.Is(err, chatsvc.ErrMaxSegmentsExceeded):
		code = common.CodeMaxSegmentsReached
		message = "响应长度超出续写分段上限"
	case errors.Is(err, chatsvc.ErrStreamStartTimeout):
		code = common.CodeServiceUnavailable
		message = "等待提供商响应超时"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// 客户端断开或超时取消，不再回写
		return
	}

	logger.WithContext(c.Request.Context()).Warn("对话流异常终止", zap.Error(err))
	c.SSEvent("error", gin.H{"code": code, "error": message})
}

// drainError 非阻塞读取错误通道
func drainError(errChan <-chan error) error {
	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}
