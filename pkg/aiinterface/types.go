package aiinterface

import "context"

// Message 对话消息
type Message struct {
	Role    string `json:"role"`    // system, user, assistant
	Content string `json:"content"` // 消息内容
}

// ChatCompletionRequest 对话补全请求
type ChatCompletionRequest struct {
	ModelID     string    `json:"model"`       // 提供商侧的模型标识符
	Messages    []Message `json:"messages"`    // 消息列表
	System      string    `json:"system"`      // 系统提示词
	Temperature float64   `json:"temperature"` // 温度参数（0-2）
	MaxTokens   int       `json:"max_tokens"`  // 单次生成的最大输出 Token 数
	TopP        float64   `json:"top_p"`       // Top P 采样
	Stream      bool      `json:"stream"`      // 是否流式响应
}

// ChatCompletionResponse 对话补全响应
type ChatCompletionResponse struct {
	ID           string `json:"id"`            // 响应 ID
	Model        string `json:"model"`         // 使用的模型
	Content      string `json:"content"`       // 生成的内容
	FinishReason string `json:"finish_reason"` // 结束原因（stop, length）
	Usage        Usage  `json:"usage"`         // Token 使用情况
}

// Usage Token 使用情况
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`     // 输入 Token 数
	CompletionTokens int `json:"completion_tokens"` // 输出 Token 数
	TotalTokens      int `json:"total_tokens"`      // 总 Token 数
}

// 结束原因常量
const (
	FinishReasonStop   = "stop"   // 自然结束
	FinishReasonLength = "length" // 达到输出 Token 上限被截断
)

// StreamChunk 流式响应块
// Done=true 的终止块携带 FinishReason；Usage 仅在提供方上报时非 nil
type StreamChunk struct {
	ID           string `json:"id"`                      // 响应 ID
	Model        string `json:"model"`                   // 使用的模型
	Content      string `json:"content"`                 // 增量内容
	Done         bool   `json:"done"`                    // 是否结束
	FinishReason string `json:"finish_reason,omitempty"` // 结束原因（仅终止块）
	Usage        *Usage `json:"usage,omitempty"`         // Token 使用情况（仅终止块，可能缺失）
}

// ModelClient AI 模型客户端统一接口
type ModelClient interface {
	// ChatCompletion 对话补全（非流式）
	ChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)

	// ChatCompletionStream 对话补全（流式）
	// 返回的 channel 会持续发送响应块，直到完成或出错
	ChatCompletionStream(ctx context.Context, req *ChatCompletionRequest) (<-chan StreamChunk, <-chan error)

	// Name 返回客户端名称（如 "openai", "anthropic"）
	Name() string

	// Close 关闭客户端连接
	Close() error
}

// ClientConfig 客户端配置
type ClientConfig struct {
	Provider   string // 提供商（openai, anthropic, google, mistral）
	APIKey     string // API Key
	BaseURL    string // 基础 URL
	OrgID      string // 组织 ID（OpenAI）
	MaxRetries int    // 最大重试次数
	Timeout    int    // 超时时间（秒）
}

// ErrorType 错误类型
type ErrorType string

const (
	ErrorTypeAuth          ErrorType = "auth"           // 认证错误
	ErrorTypeRateLimit     ErrorType = "rate_limit"     // 速率限制
	ErrorTypeInvalidParams ErrorType = "invalid_params" // 参数错误
	ErrorTypeServerError   ErrorType = "server_error"   // 服务器错误
	ErrorTypeNetwork       ErrorType = "network"        // 网络错误
	ErrorTypeUnknown       ErrorType = "unknown"        // 未知错误
)

// ClientError 客户端错误
type ClientError struct {
	Type    ErrorType // 错误类型
	Message string    // 错误消息
	Err     error     // 原始错误
}

// Error 实现error接口
func (e *ClientError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 返回原始错误
func (e *ClientError) Unwrap() error {
	return e.Err
}

// IsRetryable 判断错误是否可重试
func (e *ClientError) IsRetryable() bool {
	return e.Type == ErrorTypeRateLimit || e.Type == ErrorTypeNetwork || e.Type == ErrorTypeServerError
}
