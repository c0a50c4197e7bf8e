package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"backend/internal/billing"
	"backend/internal/catalog"
	"backend/internal/config"
	"backend/internal/llm"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/pricing"
	"backend/internal/respcache"
	"backend/internal/usage"
	"backend/pkg/aiinterface"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoProviderAvailable 无任何可用提供商
	ErrNoProviderAvailable = errors.New("当前无可用的 AI 提供商")
	// ErrMaxSegmentsExceeded 续写分段达到上限后响应仍被截断
	ErrMaxSegmentsExceeded = errors.New("续写分段已达上限")
	// ErrStreamStartTimeout 等待首个响应块超时
	ErrStreamStartTimeout = errors.New("等待提供商响应超时")
)

// 回退链与兜底目标沿用线上验证过的组合，不做配置化
var defaultFallbacks = []llm.FallbackOption{
	{Provider: llm.ProviderAnthropic, ModelID: "claude-3-5-sonnet-20240620"},
	{Provider: llm.ProviderOpenAI, ModelID: "gpt-4-turbo"},
	{Provider: llm.ProviderGoogle, ModelID: "gemini-1.5-pro"},
}

var lastResortOption = llm.FallbackOption{
	Provider: llm.ProviderAnthropic,
	ModelID:  "claude-3-5-sonnet-20240620",
}

// ProviderRegistry 编排层依赖的注册表能力
type ProviderRegistry interface {
	GetClient(provider llm.ProviderName) aiinterface.ModelClient
	SelectWithFallback(ctx context.Context, preferred llm.FallbackOption, fallbacks []llm.FallbackOption) *llm.Selection
}

// Request 对话请求
type Request struct {
	UserID    string                // 发起用户
	Message   string                // 本轮用户消息
	History   []aiinterface.Message // 此前的对话历史（可选）
	TaskType  catalog.TaskType      // 任务类型，影响模型选择
	RequestID string                // 请求追踪 ID
}

// Event 流式事件
// Content 非空表示增量内容；Done=true 的终止事件携带本轮元信息
type Event struct {
	Content  string             `json:"content,omitempty"`
	Done     bool               `json:"done"`
	Provider string             `json:"provider,omitempty"`
	ModelID  string             `json:"modelId,omitempty"`
	Cached   bool               `json:"cached,omitempty"`
	Fallback bool               `json:"fallback,omitempty"`
	Segments int                `json:"segments,omitempty"`
	Usage    *aiinterface.Usage `json:"usage,omitempty"`
}

// Orchestrator 对话流式编排器
type Orchestrator struct {
	registry ProviderRegistry
	selector *catalog.Selector
	catalog  *catalog.Service
	cache    *respcache.Cache
	pricing  *pricing.Calculator
	recorder usage.Recorder
	billing  *billing.Service
	cfg      config.ChatConfig
}

// NewOrchestrator 创建编排器
func NewOrchestrator(
	registry ProviderRegistry,
	selector *catalog.Selector,
	catalogService *catalog.Service,
	cache *respcache.Cache,
	calculator *pricing.Calculator,
	recorder usage.Recorder,
	billingService *billing.Service,
	cfg config.ChatConfig,
) *Orchestrator {
	cfg.ApplyDefaults()
	return &Orchestrator{
		registry: registry,
		selector: selector,
		catalog:  catalogService,
		cache:    cache,
		pricing:  calculator,
		recorder: recorder,
		billing:  billingService,
		cfg:      cfg,
	}
}

// Stream 执行一轮对话
// 事件通道在结束时关闭；错误通道收到值表示流异常终止，终止事件不再发送
func (o *Orchestrator) Stream(ctx context.Context, req *Request) (<-chan Event, <-chan error) {
	eventChan := make(chan Event, 10)
	errChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errChan)
		o.run(ctx, req, eventChan, errChan)
	}()

	return eventChan, errChan
}

func (o *Orchestrator) run(ctx context.Context, req *Request, eventChan chan<- Event, errChan chan<- error) {
	startedAt := time.Now()
	log := logger.WithContext(ctx)

	// 1. 缓存查询
	if o.cacheEnabled(ctx, req.UserID) {
		if o.serveFromCache(ctx, req, eventChan) {
			return
		}
	}

	// 2. 模型选择与回退解析
	preferred, multiplier, modelMaxTokens := o.resolvePreferred(ctx, req)
	selection := o.registry.SelectWithFallback(ctx, preferred, o.fallbackChain(preferred))
	if selection == nil {
		metrics.ChatRequestsTotal.WithLabelValues("none", "error").Inc()
		errChan <- ErrNoProviderAvailable
		return
	}

	// 单段输出上限取模型上限与全局上限的较小值；回退目标不在目录中，只用全局上限
	maxTokens := o.cfg.MaxTokens
	if selection.ModelID != preferred.ModelID {
		// 回退目标不在目录中，不叠加成本系数
		multiplier = 1
	} else if modelMaxTokens > 0 && modelMaxTokens < maxTokens {
		maxTokens = modelMaxTokens
	}

	// 3. 流式生成（含首块超时回退与截断续写）
	result, err := o.streamSegments(ctx, req, selection, maxTokens, eventChan)
	durationMs := time.Since(startedAt).Milliseconds()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			// 取消的请求不记流水
			metrics.ChatRequestsTotal.WithLabelValues(string(selection.Provider), "cancelled").Inc()
			errChan <- err
			return
		}

		metrics.ChatRequestsTotal.WithLabelValues(string(selection.Provider), "error").Inc()
		o.recordUsage(req, &usage.AIUsageLog{
			UserID:       req.UserID,
			Provider:     string(selection.Provider),
			ModelID:      selection.ModelID,
			TaskType:     string(req.TaskType),
			DurationMs:   durationMs,
			FallbackUsed: selection.UsedFallback,
			Success:      false,
			ErrorMessage: err.Error(),
			RequestID:    req.RequestID,
		})
		errChan <- err
		return
	}

	// 4. Finished：补全用量、记账、写缓存、发终止事件
	promptTokens := result.usage.PromptTokens
	completionTokens := result.usage.CompletionTokens
	if promptTokens == 0 {
		promptTokens = EstimateMessagesTokens(DefaultSystemPrompt, result.messages)
	}
	if completionTokens == 0 {
		completionTokens = EstimateTokens(result.content)
	}
	totalTokens := promptTokens + completionTokens

	if result.modelID != preferred.ModelID {
		// 流中途切换到目录外的回退目标，不叠加首选模型的成本系数
		multiplier = 1
	}
	cost := o.pricing.CalculateForProvider(ctx, string(result.provider), multiplier, promptTokens, completionTokens)

	// 预生成流水 ID，便于扣费流水关联（异步入队时 ID 随载荷传递）
	usageLog := &usage.AIUsageLog{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Provider:         string(result.provider),
		ModelID:          result.modelID,
		TaskType:         string(req.TaskType),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		Cost:             cost,
		DurationMs:       durationMs,
		FallbackUsed:     result.usedFallback,
		Segments:         result.segments,
		Success:          true,
		RequestID:        req.RequestID,
	}
	o.recordUsage(req, usageLog)

	if _, err := o.billing.ConsumeTokens(ctx, req.UserID, totalTokens, usageLog.ID, string(result.provider), result.modelID); err != nil {
		log.Warn("扣费失败",
			zap.String("user_id", req.UserID),
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	}

	if o.cacheEnabled(ctx, req.UserID) {
		// 缓存键是触发本轮的用户消息原文
		if err := o.cache.Save(ctx, &respcache.AIResponseCache{
			Prompt:           req.Message,
			Response:         result.content,
			Provider:         string(result.provider),
			ModelID:          result.modelID,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
		}); err != nil {
			log.Warn("写入响应缓存失败", zap.Error(err))
		}
	}

	metrics.ChatRequestsTotal.WithLabelValues(string(result.provider), "ok").Inc()
	metrics.ChatSegmentsPerResponse.Observe(float64(result.segments))
	metrics.ChatTokensTotal.WithLabelValues(string(result.provider), "prompt").Add(float64(promptTokens))
	metrics.ChatTokensTotal.WithLabelValues(string(result.provider), "completion").Add(float64(completionTokens))
	metrics.ChatStreamDuration.WithLabelValues(string(result.provider)).Observe(time.Since(startedAt).Seconds())

	eventChan <- Event{
		Done:     true,
		Provider: string(result.provider),
		ModelID:  result.modelID,
		Fallback: result.usedFallback,
		Segments: result.segments,
		Usage: &aiinterface.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      totalTokens,
		},
	}
}

// cacheEnabled 系统开关与用户偏好都允许时才使用缓存
func (o *Orchestrator) cacheEnabled(ctx context.Context, userID string) bool {
	if !o.cfg.EnableResponseCache {
		return false
	}
	prefs, err := o.catalog.GetUserPreferences(ctx, userID)
	if err != nil {
		logger.WithContext(ctx).Warn("查询缓存偏好失败，按启用处理", zap.Error(err))
		return true
	}
	if prefs == nil {
		return true
	}
	return prefs.EnableCache
}

// serveFromCache 命中缓存时直接回放，返回是否命中
func (o *Orchestrator) serveFromCache(ctx context.Context, req *Request, eventChan chan<- Event) bool {
	entry, err := o.cache.Fetch(ctx, req.Message)
	if err != nil {
		logger.WithContext(ctx).Warn("查询响应缓存失败", zap.Error(err))
		return false
	}
	if entry == nil {
		metrics.ChatCacheLookupsTotal.WithLabelValues("miss").Inc()
		return false
	}

	metrics.ChatCacheLookupsTotal.WithLabelValues("hit").Inc()
	metrics.ChatRequestsTotal.WithLabelValues(entry.Provider, "ok").Inc()

	eventChan <- Event{Content: entry.Response}
	eventChan <- Event{
		Done:     true,
		Provider: entry.Provider,
		ModelID:  entry.ModelID,
		Cached:   true,
		Segments: 1,
		Usage: &aiinterface.Usage{
			PromptTokens:     entry.PromptTokens,
			CompletionTokens: entry.CompletionTokens,
			TotalTokens:      entry.PromptTokens + entry.CompletionTokens,
		},
	}

	// 命中也记一条流水，保证用量视图完整；未发生提供商调用，Token 与成本均记零
	o.recordUsage(req, &usage.AIUsageLog{
		UserID:    req.UserID,
		Provider:  entry.Provider,
		ModelID:   entry.ModelID,
		TaskType:  string(req.TaskType),
		WasCached: true,
		Segments:  1,
		Success:   true,
		RequestID: req.RequestID,
	})
	return true
}

// resolvePreferred 通过选择器确定首选提供商/模型
// 目录查询失败或提供商名未知时退化为兜底目标
func (o *Orchestrator) resolvePreferred(ctx context.Context, req *Request) (llm.FallbackOption, float64, int) {
	log := logger.WithContext(ctx)

	model, err := o.selector.SelectBestModel(ctx, req.TaskType, req.UserID)
	if err != nil {
		log.Warn("模型选择失败，使用兜底目标", zap.Error(err))
		return lastResortOption, 1, 0
	}
	if model == nil {
		log.Info("目录中无候选模型，使用兜底目标")
		return lastResortOption, 1, 0
	}

	provider, err := o.catalog.GetProviderByID(ctx, model.ProviderID)
	if err != nil || provider == nil {
		log.Warn("查询模型所属提供商失败，使用兜底目标",
			zap.String("model_id", model.ID),
			zap.Error(err),
		)
		return lastResortOption, 1, 0
	}

	providerName, err := llm.ParseProviderName(provider.Name)
	if err != nil {
		log.Warn("目录中的提供商未接入，使用兜底目标",
			zap.String("provider", provider.Name),
		)
		return lastResortOption, 1, 0
	}

	multiplier := model.CostMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	return llm.FallbackOption{Provider: providerName, ModelID: model.ModelID}, multiplier, model.MaxTokens
}

// fallbackChain 构造回退列表（去掉与首选项重复的候选，追加兜底目标）
func (o *Orchestrator) fallbackChain(preferred llm.FallbackOption) []llm.FallbackOption {
	chain := make([]llm.FallbackOption, 0, len(defaultFallbacks)+1)
	for _, option := range defaultFallbacks {
		if option == preferred {
			continue
		}
		chain = append(chain, option)
	}
	if lastResortOption != preferred && !containsOption(chain, lastResortOption) {
		chain = append(chain, lastResortOption)
	}
	return chain
}

func containsOption(options []llm.FallbackOption, target llm.FallbackOption) bool {
	for _, option := range options {
		if option == target {
			return true
		}
	}
	return false
}

// streamResult 流式生成的终态
type streamResult struct {
	content      string
	segments     int
	usedFallback bool
	provider     llm.ProviderName
	modelID      string
	usage        aiinterface.Usage
	messages     []aiinterface.Message // 最终发给提供商的消息，用于估算输入 Token
}

// streamSegments 执行流式生成
// 首段允许在首块超时/出错时切换到后续回退项；内容开始输出后锁定提供商
func (o *Orchestrator) streamSegments(ctx context.Context, req *Request, selection *llm.Selection, maxTokens int, eventChan chan<- Event) (*streamResult, error) {
	messages := make([]aiinterface.Message, 0, len(req.History)+1+2*o.cfg.MaxResponseSegments)
	messages = append(messages, req.History...)
	messages = append(messages, aiinterface.Message{Role: "user", Content: req.Message})

	result := &streamResult{
		usedFallback: selection.UsedFallback,
		provider:     selection.Provider,
		modelID:      selection.ModelID,
	}

	client := selection.Client
	remaining := o.remainingOptions(selection)

	var fullResponse strings.Builder
	for {
		result.segments++

		segment, err := o.streamOneSegment(ctx, client, result.modelID, messages, maxTokens, eventChan, result.segments == 1)

		// 首段未产出任何内容时尝试回退
		if err != nil && result.segments == 1 && segment.content == "" && ctx.Err() == nil {
			switched := false
			for len(remaining) > 0 {
				next := remaining[0]
				remaining = remaining[1:]

				nextClient := o.registry.GetClient(next.Provider)
				if nextClient == nil {
					continue
				}

				logger.WithContext(ctx).Warn("提供商无响应，切换回退项",
					zap.String("from", string(result.provider)),
					zap.String("to", string(next.Provider)),
					zap.Error(err),
				)
				metrics.ChatFallbacksTotal.WithLabelValues(string(next.Provider)).Inc()

				client = nextClient
				result.provider = next.Provider
				result.modelID = next.ModelID
				result.usedFallback = true

				segment, err = o.streamOneSegment(ctx, client, result.modelID, messages, maxTokens, eventChan, true)
				if err == nil || segment.content != "" {
					switched = true
					break
				}
			}
			if !switched && err != nil {
				return nil, err
			}
		}
		if err != nil {
			// 内容已部分输出后的失败不再回退，原样上抛
			return nil, err
		}

		fullResponse.WriteString(segment.content)
		result.usage.PromptTokens += segment.usage.PromptTokens
		result.usage.CompletionTokens += segment.usage.CompletionTokens

		if segment.finishReason != aiinterface.FinishReasonLength {
			break
		}
		if result.segments >= o.cfg.MaxResponseSegments {
			// 分段上限后仍被截断视为致命错误，不再发起任何提供商调用
			logger.WithContext(ctx).Warn("续写分段达到上限，响应仍被截断",
				zap.Int("segments", result.segments),
				zap.String("request_id", req.RequestID),
			)
			return nil, ErrMaxSegmentsExceeded
		}

		// 截断续写：回填已生成内容，追加续写指令
		messages = append(messages,
			aiinterface.Message{Role: "assistant", Content: segment.content},
			aiinterface.Message{Role: "user", Content: ContinuePrompt},
		)
	}

	result.content = fullResponse.String()
	result.usage.TotalTokens = result.usage.PromptTokens + result.usage.CompletionTokens
	result.messages = messages
	return result, nil
}

// remainingOptions 当前选择之后还可尝试的回退项
func (o *Orchestrator) remainingOptions(selection *llm.Selection) []llm.FallbackOption {
	options := append([]llm.FallbackOption{}, defaultFallbacks...)
	if !containsOption(options, lastResortOption) {
		options = append(options, lastResortOption)
	}

	current := llm.FallbackOption{Provider: selection.Provider, ModelID: selection.ModelID}
	remaining := make([]llm.FallbackOption, 0, len(options))
	for _, option := range options {
		if option == current {
			continue
		}
		remaining = append(remaining, option)
	}
	return remaining
}

// segmentResult 单个分段的结果
type segmentResult struct {
	content      string
	finishReason string
	usage        aiinterface.Usage
}

// streamOneSegment 流式执行单个分段并向下游转发增量内容
// firstSegment=true 时对首块施加启动超时
func (o *Orchestrator) streamOneSegment(
	ctx context.Context,
	client aiinterface.ModelClient,
	modelID string,
	messages []aiinterface.Message,
	maxTokens int,
	eventChan chan<- Event,
	firstSegment bool,
) (segmentResult, error) {
	result := segmentResult{finishReason: aiinterface.FinishReasonStop}

	streamReq := &aiinterface.ChatCompletionRequest{
		ModelID:   modelID,
		Messages:  messages,
		System:    DefaultSystemPrompt,
		MaxTokens: maxTokens,
		Stream:    true,
	}

	chunkChan, errChan := client.ChatCompletionStream(ctx, streamReq)

	var startTimer *time.Timer
	var startTimeout <-chan time.Time
	if firstSegment {
		startTimer = time.NewTimer(time.Duration(o.cfg.StreamStartTimeout) * time.Second)
		startTimeout = startTimer.C
		defer startTimer.Stop()
	}

	var content strings.Builder
	received := false
	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()

		case <-startTimeout:
			if !received {
				return result, ErrStreamStartTimeout
			}
			startTimeout = nil

		case err, ok := <-errChan:
			if ok && err != nil {
				result.content = content.String()
				return result, err
			}
			errChan = nil

		case chunk, ok := <-chunkChan:
			if !ok {
				// 通道关闭且未见终止块，按已收内容自然结束
				result.content = content.String()
				return result, nil
			}
			received = true
			if startTimeout != nil {
				startTimer.Stop()
				startTimeout = nil
			}

			if chunk.Content != "" {
				content.WriteString(chunk.Content)
				eventChan <- Event{Content: chunk.Content}
			}
			if chunk.Done {
				result.content = content.String()
				if chunk.FinishReason != "" {
					result.finishReason = chunk.FinishReason
				}
				if chunk.Usage != nil {
					result.usage = *chunk.Usage
				}
				return result, nil
			}
		}
	}
}

// recordUsage 写用量流水，失败只记日志
func (o *Orchestrator) recordUsage(req *Request, log *usage.AIUsageLog) {
	// 流水写入不受请求取消影响
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.recorder.Record(ctx, log); err != nil {
		logger.Get().Warn("记录用量流水失败",
			zap.String("user_id", req.UserID),
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
	}
}
