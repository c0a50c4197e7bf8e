package usage

import (
	"context"
	"time"

	"backend/internal/infra/queue"
	"backend/internal/logger"
	"backend/internal/worker/tasks"

	"go.uber.org/zap"
)

// Recorder 用量流水记录器
// 编排层只依赖该接口，不关心流水是同步落库还是异步入队
type Recorder interface {
	Record(ctx context.Context, log *AIUsageLog) error
}

// DirectRecorder 同步落库的记录器
type DirectRecorder struct {
	ledger *Ledger
}

// NewDirectRecorder 创建同步记录器
func NewDirectRecorder(ledger *Ledger) *DirectRecorder {
	return &DirectRecorder{ledger: ledger}
}

// Record 直接写入账本
func (r *DirectRecorder) Record(ctx context.Context, log *AIUsageLog) error {
	return r.ledger.Append(ctx, log)
}

// AsyncRecorder 经任务队列异步落库的记录器
// 入队失败时回退为同步写，保证流水不丢
type AsyncRecorder struct {
	queue    queue.Client
	fallback *Ledger
}

// NewAsyncRecorder 创建异步记录器
func NewAsyncRecorder(queueClient queue.Client, fallback *Ledger) *AsyncRecorder {
	return &AsyncRecorder{
		queue:    queueClient,
		fallback: fallback,
	}
}

// Record 入队用量记录任务
func (r *AsyncRecorder) Record(ctx context.Context, log *AIUsageLog) error {
	payload := tasks.RecordUsagePayload{
		ID:               log.ID,
		UserID:           log.UserID,
		Provider:         log.Provider,
		ModelID:          log.ModelID,
		TaskType:         log.TaskType,
		PromptTokens:     log.PromptTokens,
		CompletionTokens: log.CompletionTokens,
		TotalTokens:      log.TotalTokens,
		Cost:             log.Cost,
		DurationMs:       log.DurationMs,
		WasCached:        log.WasCached,
		FallbackUsed:     log.FallbackUsed,
		Segments:         log.Segments,
		Success:          log.Success,
		ErrorMessage:     log.ErrorMessage,
		RequestID:        log.RequestID,
		OccurredAt:       time.Now(),
	}

	if err := r.queue.EnqueueRecordUsage(payload); err != nil {
		logger.WithContext(ctx).Warn("用量流水入队失败，回退为同步写入",
			zap.String("request_id", log.RequestID),
			zap.Error(err),
		)
		return r.fallback.Append(ctx, log)
	}
	return nil
}
