package chat

// HistoryMessage 历史消息
type HistoryMessage struct {
	Role    string `json:"role" binding:"required,oneof=system user assistant"`
	Content string `json:"content" binding:"required"`
}

// ChatRequest 对话请求
type ChatRequest struct {
	Message  string           `json:"message" binding:"required"`
	History  []HistoryMessage `json:"history" binding:"omitempty,dive"`
	TaskType string           `json:"taskType" binding:"omitempty,oneof=chat code_generation debugging analysis refactoring documentation testing"`
}
