// Package llm 管理已接入提供商的客户端注册表与回退选择
package llm

import (
	"context"
	"fmt"
	"sync"

	"backend/internal/config"
	"backend/internal/llm/anthropic"
	"backend/internal/llm/openai"
	"backend/internal/logger"
	"backend/pkg/aiinterface"

	"go.uber.org/zap"
)

// ProviderName 提供商名称（封闭枚举）
// 新增提供商必须同时补充构造映射，未知名称在边界处被拒绝
type ProviderName string

const (
	ProviderOpenAI    ProviderName = "openai"
	ProviderAnthropic ProviderName = "anthropic"
	ProviderGoogle    ProviderName = "google"
	ProviderMistral   ProviderName = "mistral"
)

// AllProviders 全部已接入的提供商（按默认回退顺序）
var AllProviders = []ProviderName{
	ProviderAnthropic,
	ProviderOpenAI,
	ProviderGoogle,
	ProviderMistral,
}

// ParseProviderName 解析提供商名称，未知名称返回错误
func ParseProviderName(name string) (ProviderName, error) {
	switch ProviderName(name) {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderMistral:
		return ProviderName(name), nil
	default:
		return "", fmt.Errorf("未知的提供商: %s", name)
	}
}

// OpenAI 兼容提供商的默认端点
var defaultBaseURLs = map[ProviderName]string{
	ProviderOpenAI:  "https://api.openai.com/v1",
	ProviderGoogle:  "https://generativelanguage.googleapis.com/v1beta/openai",
	ProviderMistral: "https://api.mistral.ai/v1",
}

// Registry 客户端注册表
// 客户端按提供商惰性创建并缓存，凭证缺失的提供商视为不可用
type Registry struct {
	credentials map[ProviderName]config.ProviderCredential
	clients     map[ProviderName]aiinterface.ModelClient
	mu          sync.RWMutex
}

// NewRegistry 从配置创建注册表
func NewRegistry(cfg *config.AIConfig) *Registry {
	return &Registry{
		credentials: map[ProviderName]config.ProviderCredential{
			ProviderOpenAI:    cfg.OpenAI,
			ProviderAnthropic: cfg.Anthropic,
			ProviderGoogle:    cfg.Google,
			ProviderMistral:   cfg.Mistral,
		},
		clients: make(map[ProviderName]aiinterface.ModelClient),
	}
}

// IsAvailable 判断提供商是否可用（已配置凭证）
func (r *Registry) IsAvailable(provider ProviderName) bool {
	cred, ok := r.credentials[provider]
	return ok && cred.APIKey != ""
}

// ListAvailableProviders 列出已配置凭证的提供商
func (r *Registry) ListAvailableProviders() []ProviderName {
	available := make([]ProviderName, 0, len(AllProviders))
	for _, provider := range AllProviders {
		if r.IsAvailable(provider) {
			available = append(available, provider)
		}
	}
	return available
}

// GetClient 获取提供商客户端，不可用时返回 nil
func (r *Registry) GetClient(provider ProviderName) aiinterface.ModelClient {
	// 检查缓存
	r.mu.RLock()
	if client, ok := r.clients[provider]; ok {
		r.mu.RUnlock()
		return client
	}
	r.mu.RUnlock()

	if !r.IsAvailable(provider) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查，避免并发重复创建
	if client, ok := r.clients[provider]; ok {
		return client
	}

	client, err := r.createClient(provider)
	if err != nil {
		logger.Get().Warn("创建提供商客户端失败",
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
		return nil
	}

	r.clients[provider] = client
	return client
}

// createClient 按提供商创建客户端
// Google/Mistral 走 OpenAI 兼容端点，Anthropic 走原生 Messages API
func (r *Registry) createClient(provider ProviderName) (aiinterface.ModelClient, error) {
	cred := r.credentials[provider]
	clientConfig := &aiinterface.ClientConfig{
		Provider:   string(provider),
		APIKey:     cred.APIKey,
		BaseURL:    cred.BaseURL,
		OrgID:      cred.OrgID,
		MaxRetries: cred.MaxRetries,
		Timeout:    cred.Timeout,
	}

	switch provider {
	case ProviderAnthropic:
		return anthropic.NewClient(clientConfig)
	case ProviderOpenAI, ProviderGoogle, ProviderMistral:
		if clientConfig.BaseURL == "" {
			clientConfig.BaseURL = defaultBaseURLs[provider]
		}
		return openai.NewClient(clientConfig)
	default:
		return nil, fmt.Errorf("未知的提供商: %s", provider)
	}
}

// Selection 回退选择结果
type Selection struct {
	Client       aiinterface.ModelClient
	Provider     ProviderName
	ModelID      string // 提供商侧的模型标识符
	UsedFallback bool   // 是否未命中首选而使用了回退项
}

// FallbackOption 回退候选项
type FallbackOption struct {
	Provider ProviderName
	ModelID  string
}

// SelectWithFallback 按首选项与回退列表选择可用客户端
// 首选项可用则直接使用；否则依序尝试回退列表，全部不可用时返回 nil
func (r *Registry) SelectWithFallback(ctx context.Context, preferred FallbackOption, fallbacks []FallbackOption) *Selection {
	if client := r.GetClient(preferred.Provider); client != nil {
		return &Selection{
			Client:   client,
			Provider: preferred.Provider,
			ModelID:  preferred.ModelID,
		}
	}

	for _, option := range fallbacks {
		// 跳过与首选项相同的候选，避免重复尝试
		if option.Provider == preferred.Provider && option.ModelID == preferred.ModelID {
			continue
		}
		if client := r.GetClient(option.Provider); client != nil {
			logger.WithContext(ctx).Info("首选提供商不可用，使用回退项",
				zap.String("preferred", string(preferred.Provider)),
				zap.String("fallback_provider", string(option.Provider)),
				zap.String("fallback_model", option.ModelID),
			)
			return &Selection{
				Client:       client,
				Provider:     option.Provider,
				ModelID:      option.ModelID,
				UsedFallback: true,
			}
		}
	}

	return nil
}

// Close 关闭全部缓存的客户端
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for provider, client := range r.clients {
		if err := client.Close(); err != nil {
			logger.Get().Warn("关闭客户端失败",
				zap.String("provider", string(provider)),
				zap.Error(err),
			)
		}
	}
	r.clients = make(map[ProviderName]aiinterface.ModelClient)
}
