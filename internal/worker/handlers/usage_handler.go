package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"backend/internal/usage"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// UsageHandler 用量流水任务处理器
type UsageHandler struct {
	ledger *usage.Ledger
	logger *zap.Logger
}

// NewUsageHandler 创建用量流水处理器
func NewUsageHandler(ledger *usage.Ledger, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{
		ledger: ledger,
		logger: logger,
	}
}

// HandleRecordUsage 处理用量记录任务
func (h *UsageHandler) HandleRecordUsage(ctx context.Context, task *asynq.Task) error {
	var payload tasks.RecordUsagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		// 载荷损坏无法通过重试恢复
		return fmt.Errorf("unmarshal payload failed: %v: %w", err, asynq.SkipRetry)
	}

	log := &usage.AIUsageLog{
		ID:               payload.ID,
		UserID:           payload.UserID,
		Provider:         payload.Provider,
		ModelID:          payload.ModelID,
		TaskType:         payload.TaskType,
		PromptTokens:     payload.PromptTokens,
		CompletionTokens: payload.CompletionTokens,
		TotalTokens:      payload.TotalTokens,
		Cost:             payload.Cost,
		DurationMs:       payload.DurationMs,
		WasCached:        payload.WasCached,
		FallbackUsed:     payload.FallbackUsed,
		Segments:         payload.Segments,
		Success:          payload.Success,
		ErrorMessage:     payload.ErrorMessage,
		RequestID:        payload.RequestID,
	}
	if !payload.OccurredAt.IsZero() {
		log.CreatedAt = payload.OccurredAt
	}

	if err := h.ledger.Append(ctx, log); err != nil {
		h.logger.Error("写入用量流水失败",
			zap.String("user_id", payload.UserID),
			zap.String("request_id", payload.RequestID),
			zap.Error(err),
		)
		return err
	}

	return nil
}
