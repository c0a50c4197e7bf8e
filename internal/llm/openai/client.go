// Package openai 适配 OpenAI 协议的提供商（OpenAI、Mistral、Google 兼容端点）
package openai

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"backend/pkg/aiinterface"

	openai "github.com/sashabaranov/go-openai"
)

// Client OpenAI 协议客户端适配器
type Client struct {
	client     *openai.Client
	provider   string
	maxRetries int
}

// NewClient 创建 OpenAI 协议客户端
func NewClient(config *aiinterface.ClientConfig) (*Client, error) {
	// 验证配置
	if config.APIKey == "" {
		return nil, &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeAuth,
			Message: "API Key 不能为空",
		}
	}

	// 创建配置
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	// 设置默认值
	maxRetries := config.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	provider := config.Provider
	if provider == "" {
		provider = "openai"
	}

	return &Client{
		client:     openai.NewClientWithConfig(clientConfig),
		provider:   provider,
		maxRetries: maxRetries,
	}, nil
}

// buildMessages 转换消息格式，系统提示词放在首位
func buildMessages(req *aiinterface.ChatCompletionRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return messages
}

// ChatCompletion 对话补全（非流式）
func (c *Client) ChatCompletion(ctx context.Context, req *aiinterface.ChatCompletionRequest) (*aiinterface.ChatCompletionResponse, error) {
	openaiReq := openai.ChatCompletionRequest{
		Model:       req.ModelID,
		Messages:    buildMessages(req),
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		TopP:        float32(req.TopP),
	}

	// 调用 API（带重试）
	var resp openai.ChatCompletionResponse
	var err error
	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.client.CreateChatCompletion(ctx, openaiReq)
		if err == nil {
			break
		}

		// 判断是否可重试
		if !isRetryableError(err) {
			break
		}

		// 指数退避
		if i < c.maxRetries {
			backoff := time.Duration(1<<uint(i)) * time.Second
			select {
			case <-ctx.Done():
				return nil, wrapError(c.provider, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	if err != nil {
		return nil, wrapError(c.provider, err)
	}

	// 转换响应
	if len(resp.Choices) == 0 {
		return nil, &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeServerError,
			Message: "API 返回空响应",
		}
	}

	choice := resp.Choices[0]
	return &aiinterface.ChatCompletionResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      choice.Message.Content,
		FinishReason: normalizeFinishReason(string(choice.FinishReason)),
		Usage: aiinterface.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
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

		openaiReq := openai.ChatCompletionRequest{
			Model:       req.ModelID,
			Messages:    buildMessages(req),
			Temperature: float32(req.Temperature),
			MaxTokens:   req.MaxTokens,
			TopP:        float32(req.TopP),
			Stream:      true,
			StreamOptions: &openai.StreamOptions{
				IncludeUsage: true, // 终止块携带用量，便于计量
			},
		}

		// 创建流
		stream, err := c.client.CreateChatCompletionStream(ctx, openaiReq)
		if err != nil {
			errChan <- wrapError(c.provider, err)
			return
		}
		defer stream.Close()

		// 读取流
		var finishReason string
		var usage *aiinterface.Usage
		for {
			response, err := stream.Recv()
			if err != nil {
				// EOF 表示正常结束
				if errors.Is(err, io.EOF) {
					chunkChan <- aiinterface.StreamChunk{
						Done:         true,
						FinishReason: normalizeFinishReason(finishReason),
						Usage:        usage,
					}
					return
				}
				errChan <- wrapError(c.provider, err)
				return
			}

			// 带用量的终止块没有 choices
			if response.Usage != nil {
				usage = &aiinterface.Usage{
					PromptTokens:     response.Usage.PromptTokens,
					CompletionTokens: response.Usage.CompletionTokens,
					TotalTokens:      response.Usage.TotalTokens,
				}
			}

			if len(response.Choices) > 0 {
				choice := response.Choices[0]
				if choice.FinishReason != "" {
					finishReason = string(choice.FinishReason)
				}
				if choice.Delta.Content != "" {
					chunkChan <- aiinterface.StreamChunk{
						ID:      response.ID,
						Model:   response.Model,
						Content: choice.Delta.Content,
						Done:    false,
					}
				}
			}
		}
	}()

	return chunkChan, errChan
}

// Name 返回客户端名称
func (c *Client) Name() string {
	return c.provider
}

// Close 关闭客户端
func (c *Client) Close() error {
	// OpenAI 客户端无需显式关闭
	return nil
}

// normalizeFinishReason 归一化结束原因
func normalizeFinishReason(reason string) string {
	switch reason {
	case "length", "max_tokens":
		return aiinterface.FinishReasonLength
	case "", "stop", "end_turn":
		return aiinterface.FinishReasonStop
	default:
		return reason
	}
}

// isRetryableError 判断错误是否可重试
func isRetryableError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection")
}

// wrapError 包装错误
func wrapError(provider string, err error) *aiinterface.ClientError {
	errType := aiinterface.ErrorTypeUnknown

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			errType = aiinterface.ErrorTypeAuth
		case apiErr.HTTPStatusCode == 429:
			errType = aiinterface.ErrorTypeRateLimit
		case apiErr.HTTPStatusCode == 400:
			errType = aiinterface.ErrorTypeInvalidParams
		case apiErr.HTTPStatusCode >= 500:
			errType = aiinterface.ErrorTypeServerError
		}
	} else {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") ||
			errors.Is(err, context.DeadlineExceeded) {
			errType = aiinterface.ErrorTypeNetwork
		}
	}

	return &aiinterface.ClientError{
		Type:    errType,
		Message: provider + " API 错误",
		Err:     err,
	}
}
