package tasks

import "time"

// Task Types
const (
	TypeRecordUsage = "usage:record"
)

// RecordUsagePayload 用量流水记录任务载荷
type RecordUsagePayload struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Provider         string    `json:"provider"`
	ModelID          string    `json:"model_id"`
	TaskType         string    `json:"task_type"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	DurationMs       int64     `json:"duration_ms"`
	WasCached        bool      `json:"was_cached"`
	FallbackUsed     bool      `json:"fallback_used"`
	Segments         int       `json:"segments"`
	Success          bool      `json:"success"`
	ErrorMessage     string    `json:"error_message"`
	RequestID        string    `json:"request_id"`
	OccurredAt       time.Time `json:"occurred_at"`
}
