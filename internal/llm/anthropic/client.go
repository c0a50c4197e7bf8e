// Package anthropic 适配 Anthropic Claude Messages API
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"backend/pkg/aiinterface"
)

const apiVersion = "2023-06-01"

// Client Anthropic Claude 客户端适配器
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// NewClient 创建 Anthropic 客户端
func NewClient(config *aiinterface.ClientConfig) (*Client, error) {
	// 验证配置
	if config.APIKey == "" {
		return nil, &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeAuth,
			Message: "Anthropic API Key 不能为空",
		}
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	maxRetries := config.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 120
	}

	return &Client{
		apiKey:  config.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
		maxRetries: maxRetries,
	}, nil
}

// anthropicRequest Anthropic API 请求
type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	System      string             `json:"system,omitempty"`
}

// anthropicMessage Anthropic 消息
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse Anthropic API 响应
type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

// anthropicContent Anthropic 内容块
type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// anthropicUsage Anthropic Token 使用
type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// buildRequest 转换为 Anthropic 请求格式
// system 消息不允许出现在 messages 中，统一并入 system 字段
func buildRequest(req *aiinterface.ChatCompletionRequest, stream bool) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	systemPrompt := req.System

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if systemPrompt == "" {
				systemPrompt = msg.Content
			}
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096 // Anthropic 要求 max_tokens 必填
	}

	return anthropicRequest{
		Model:       req.ModelID,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
		System:      systemPrompt,
	}
}

// ChatCompletion 对话补全（非流式）
func (c *Client) ChatCompletion(ctx context.Context, req *aiinterface.ChatCompletionRequest) (*aiinterface.ChatCompletionResponse, error) {
	anthropicReq := buildRequest(req, false)

	// 调用 API（带重试）
	var resp *anthropicResponse
	var err error
	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.doRequest(ctx, anthropicReq)
		if err == nil {
			break
		}

		// 判断是否可重试
		if clientErr, ok := err.(*aiinterface.ClientError); ok && !clientErr.IsRetryable() {
			break
		}

		// 指数退避
		if i < c.maxRetries {
			backoff := time.Duration(1<<uint(i)) * time.Second
			select {
			case <-ctx.Done():
				return nil, &aiinterface.ClientError{
					Type:    aiinterface.ErrorTypeNetwork,
					Message: "请求被取消",
					Err:     ctx.Err(),
				}
			case <-time.After(backoff):
			}
		}
	}

	if err != nil {
		return nil, err
	}

	// 转换响应
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &aiinterface.ChatCompletionResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content.String(),
		FinishReason: normalizeStopReason(resp.StopReason),
		Usage: aiinterface.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// ChatCompletionStream 对话补全（流式）
func (c *Client) ChatCompletionStream(ctx context.Context, req *aiinterface.ChatCompletionRequest) (<-chan aiinterface.StreamChunk, <-chan error) {
	chunkChan := make(chan aiinterface.StreamChunk, 10)
	errChan := make(chan error, 1)

	go func() {
		defer close(chunkChan)
		defer close(errChan)

		anthropicReq := buildRequest(req, true)
		if err := c.doStreamRequest(ctx, anthropicReq, chunkChan); err != nil {
			errChan <- err
		}
	}()

	return chunkChan, errChan
}

// Name 返回客户端名称
func (c *Client) Name() string {
	return "anthropic"
}

// Close 关闭客户端
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// newHTTPRequest 构造带鉴权头的消息请求
func (c *Client) newHTTPRequest(ctx context.Context, req anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeInvalidParams,
			Message: "序列化请求失败",
			Err:     err,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeNetwork,
			Message: "创建请求失败",
			Err:     err,
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

// doRequest 执行 HTTP 请求
func (c *Client) doRequest(ctx context.Context, req anthropicRequest) (*anthropicResponse, error) {
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeNetwork,
			Message: "请求失败",
			Err:     err,
		}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeNetwork,
			Message: "读取响应失败",
			Err:     err,
		}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, c.parseError(httpResp.StatusCode, respBody)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeServerError,
			Message: "解析响应失败",
			Err:     err,
		}
	}

	return &resp, nil
}

// streamEvent SSE 事件载荷（按需解析的字段并集）
type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string         `json:"id"`
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// doStreamRequest 执行流式请求并解析 SSE 事件
func (c *Client) doStreamRequest(ctx context.Context, req anthropicRequest, chunkChan chan<- aiinterface.StreamChunk) error {
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeNetwork,
			Message: "请求失败",
			Err:     err,
		}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return c.parseError(httpResp.StatusCode, respBody)
	}

	var (
		messageID  string
		model      string
		usage      anthropicUsage
		stopReason string
	)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		// SSE 格式：只关心 data 行，event 行的类型已冗余在载荷 type 字段中
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // 跳过无法解析的事件
		}

		switch event.Type {
		case "message_start":
			messageID = event.Message.ID
			model = event.Message.Model
			usage.InputTokens = event.Message.Usage.InputTokens

		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				chunkChan <- aiinterface.StreamChunk{
					ID:      messageID,
					Model:   model,
					Content: event.Delta.Text,
					Done:    false,
				}
			}

		case "message_delta":
			// 终态事件携带 stop_reason 与输出 Token 数
			if event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			chunkChan <- aiinterface.StreamChunk{
				ID:           messageID,
				Model:        model,
				Done:         true,
				FinishReason: normalizeStopReason(stopReason),
				Usage: &aiinterface.Usage{
					PromptTokens:     usage.InputTokens,
					CompletionTokens: usage.OutputTokens,
					TotalTokens:      usage.InputTokens + usage.OutputTokens,
				},
			}
			return nil

		case "error":
			return &aiinterface.ClientError{
				Type:    aiinterface.ErrorTypeServerError,
				Message: "Anthropic 流式错误: " + event.Error.Message,
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeNetwork,
			Message: "读取流失败",
			Err:     err,
		}
	}

	// 流在 message_stop 前结束，补发终止块避免调用方悬挂
	chunkChan <- aiinterface.StreamChunk{
		ID:           messageID,
		Model:        model,
		Done:         true,
		FinishReason: normalizeStopReason(stopReason),
	}
	return nil
}

// normalizeStopReason 归一化结束原因
func normalizeStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return aiinterface.FinishReasonLength
	case "", "end_turn", "stop_sequence":
		return aiinterface.FinishReasonStop
	default:
		return reason
	}
}

// parseError 解析错误
func (c *Client) parseError(statusCode int, body []byte) *aiinterface.ClientError {
	var errType aiinterface.ErrorType

	switch statusCode {
	case 401, 403:
		errType = aiinterface.ErrorTypeAuth
	case 429:
		errType = aiinterface.ErrorTypeRateLimit
	case 400:
		errType = aiinterface.ErrorTypeInvalidParams
	case 500, 502, 503, 504, 529:
		errType = aiinterface.ErrorTypeServerError
	default:
		errType = aiinterface.ErrorTypeUnknown
	}

	return &aiinterface.ClientError{
		Type:    errType,
		Message: fmt.Sprintf("Anthropic API 错误 (HTTP %d): %s", statusCode, string(body)),
	}
}
