package chat

import (
	"sync"

	"backend/internal/logger"
	"backend/pkg/aiinterface"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// getEncoding 惰性加载 cl100k_base 编码表
// 加载失败（如离线环境）时返回 nil，调用方退化为按字节估算
func getEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			logger.Get().Warn("加载 tiktoken 编码表失败，退化为字节估算", zap.Error(err))
			return
		}
		encoding = enc
	})
	return encoding
}

// EstimateTokens 估算文本的 Token 数
// 提供商未上报流式用量时用于计量，精确值以提供商返回为准
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := getEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	// 粗略估算：约 4 字节一个 Token
	estimate := len(text) / 4
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// EstimateMessagesTokens 估算一组消息的输入 Token 数
func EstimateMessagesTokens(system string, messages []aiinterface.Message) int {
	total := EstimateTokens(system)
	for _, msg := range messages {
		// 每条消息的角色与分隔符按 4 Token 计
		total += EstimateTokens(msg.Content) + 4
	}
	return total
}
