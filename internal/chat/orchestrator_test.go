package chat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"backend/internal/billing"
	"backend/internal/catalog"
	"backend/internal/config"
	"backend/internal/llm"
	"backend/internal/pricing"
	"backend/internal/respcache"
	"backend/internal/usage"
	"backend/pkg/aiinterface"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// scriptedSegment 脚本化的流式分段
type scriptedSegment struct {
	chunks []aiinterface.StreamChunk
	err    error
}

// fakeClient 按脚本逐段返回的假客户端
type fakeClient struct {
	name          string
	segments      []scriptedSegment
	mu            sync.Mutex
	calls         int
	lastMaxTokens int
}

func (f *fakeClient) ChatCompletion(ctx context.Context, req *aiinterface.ChatCompletionRequest) (*aiinterface.ChatCompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) ChatCompletionStream(ctx context.Context, req *aiinterface.ChatCompletionRequest) (<-chan aiinterface.StreamChunk, <-chan error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.lastMaxTokens = req.MaxTokens
	f.mu.Unlock()

	chunkChan := make(chan aiinterface.StreamChunk, 10)
	errChan := make(chan error, 1)
	go func() {
		defer close(chunkChan)
		defer close(errChan)

		if idx >= len(f.segments) {
			errChan <- errors.New("no scripted segment left")
			return
		}
		segment := f.segments[idx]
		if segment.err != nil {
			errChan <- segment.err
			return
		}
		for _, chunk := range segment.chunks {
			chunkChan <- chunk
		}
	}()
	return chunkChan, errChan
}

func (f *fakeClient) Name() string { return f.name }
func (f *fakeClient) Close() error { return nil }

// fakeRegistry 以内存映射模拟注册表
type fakeRegistry struct {
	clients map[llm.ProviderName]aiinterface.ModelClient
}

func (r *fakeRegistry) GetClient(provider llm.ProviderName) aiinterface.ModelClient {
	return r.clients[provider]
}

func (r *fakeRegistry) SelectWithFallback(ctx context.Context, preferred llm.FallbackOption, fallbacks []llm.FallbackOption) *llm.Selection {
	if client := r.clients[preferred.Provider]; client != nil {
		return &llm.Selection{Client: client, Provider: preferred.Provider, ModelID: preferred.ModelID}
	}
	for _, option := range fallbacks {
		if client := r.clients[option.Provider]; client != nil {
			return &llm.Selection{
				Client: client, Provider: option.Provider,
				ModelID: option.ModelID, UsedFallback: true,
			}
		}
	}
	return nil
}

// testEnv 编排器测试环境
type testEnv struct {
	db           *gorm.DB
	orchestrator *Orchestrator
	ledger       *usage.Ledger
	billing      *billing.Service
	cache        *respcache.Cache
}

func newTestEnv(t *testing.T, registry ProviderRegistry) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:chat_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&catalog.Provider{}, &catalog.Model{}, &catalog.UserAIPreferences{},
		&respcache.AIResponseCache{}, &usage.AIUsageLog{},
		&billing.TokenAccount{}, &billing.TokenTransaction{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	catalogService := catalog.NewService(db)
	ledger := usage.NewLedger(db)
	billingService := billing.NewService(db)
	cache := respcache.NewCache(db, nil, 24, 30)

	cfg := config.ChatConfig{
		MaxTokens:             100,
		MaxResponseSegments:   3,
		StreamStartTimeout:    5,
		MinTokenBalance:       10,
		ResponseCacheTTLHours: 24,
		EnableResponseCache:   true,
	}

	orchestrator := NewOrchestrator(
		registry,
		catalog.NewSelector(catalogService, nil),
		catalogService,
		cache,
		pricing.NewCalculator(catalogService),
		usage.NewDirectRecorder(ledger),
		billingService,
		cfg,
	)

	// 预充值，保证扣费链路可用
	if _, err := billingService.Recharge(context.Background(), "user-1", 100, ""); err != nil {
		t.Fatalf("recharge failed: %v", err)
	}

	return &testEnv{
		db:           db,
		orchestrator: orchestrator,
		ledger:       ledger,
		billing:      billingService,
		cache:        cache,
	}
}

// collect 排空事件与错误通道
func collect(t *testing.T, eventChan <-chan Event, errChan <-chan error) ([]Event, error) {
	t.Helper()
	var events []Event
	var streamErr error

	timeout := time.After(10 * time.Second)
	for eventChan != nil || errChan != nil {
		select {
		case event, ok := <-eventChan:
			if !ok {
				eventChan = nil
				continue
			}
			events = append(events, event)
		case err, ok := <-errChan:
			if !ok {
				errChan = nil
				continue
			}
			if err != nil {
				streamErr = err
			}
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
	return events, streamErr
}

// streamAndCollect 发起一轮对话并排空两个通道
func streamAndCollect(t *testing.T, o *Orchestrator, req *Request) ([]Event, error) {
	t.Helper()
	eventChan, errChan := o.Stream(context.Background(), req)
	return collect(t, eventChan, errChan)
}

func spliceContent(events []Event) string {
	var sb strings.Builder
	for _, event := range events {
		sb.WriteString(event.Content)
	}
	return sb.String()
}

func doneEvent(t *testing.T, events []Event) Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events received")
	}
	last := events[len(events)-1]
	if !last.Done {
		t.Fatalf("last event is not terminal: %+v", last)
	}
	return last
}

func TestStreamSingleSegment(t *testing.T) {
	client := &fakeClient{
		name: "anthropic",
		segments: []scriptedSegment{
			{chunks: []aiinterface.StreamChunk{
				{Content: "你好"},
				{Content: "，世界"},
				{Done: true, FinishReason: aiinterface.FinishReasonStop,
					Usage: &aiinterface.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
			}},
		},
	}
	env := newTestEnv(t, &fakeRegistry{clients: map[llm.ProviderName]aiinterface.ModelClient{
		llm.ProviderAnthropic: client,
	}})

	events, err := streamAndCollect(t, env.orchestrator, &Request{
		UserID: "user-1", Message: "打个招呼", TaskType: catalog.TaskTypeChat, RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	if got := spliceContent(events); got != "你好，世界" {
		t.Fatalf("unexpected content: %q", got)
	}
	done := doneEvent(t, events)
	if done.Segments != 1 || done.Fallback || done.Cached {
		t.Fatalf("unexpected terminal event: %+v", done)
	}
	if done.Usage == nil || done.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", done.Usage)
	}

	// 恰好一条流水
	var count int64
	if err := env.db.Model(&usage.AIUsageLog{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one usage log, got %d", count)
	}

	// 15 Token 扣 1 点
	balance, err := env.billing.GetBalance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if balance != 99 {
		t.Fatalf("expected balance 99, got %d", balance)
	}
}

func TestStreamContinuationSplicesSegments(t *testing.T) {
	client := &fakeClient{
		name: "anthropic",
		segments: []scriptedSegment{
			{chunks: []aiinterface.StreamChunk{
				{Content: "第一段"},
				{Done: true, FinishReason: aiinterface.FinishReasonLength},
			}},
			{chunks: []aiinterface.StreamChunk{
				{Content: "第二段"},
				{Done: true, FinishReason: aiinterface.FinishReasonLength},
			}},
			{chunks: []aiinterface.StreamChunk{
				{Content: "第三段"},
				{Done: true, FinishReason: aiinterface.FinishReasonStop},
			}},
		},
	}
	env := newTestEnv(t, &fakeRegistry{clients: map[llm.ProviderName]aiinterface.ModelClient{
		llm.ProviderAnthropic: client,
	}})

	events, err := streamAndCollect(t, env.orchestrator, &Request{
		UserID: "user-1", Message: "写一篇长文", TaskType: catalog.TaskTypeChat, RequestID: "req-2",
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	if got := spliceContent(events); got != "第一段第二段第三段" {
		t.Fatalf("segments not spliced: %q", got)
	}
	done := doneEvent(t, events)
	if done.Segments != 3 {
		t.Fatalf("expected 3 segments, got %d", done.Segments)
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", client.calls)
	}
}

func TestStreamFailsAtSegmentLimit(t *testing.T) {
	// 每段都以 length 结束，第 3 段后必须以错误终止且不再发起调用
	truncatedSegment := scriptedSegment{chunks: []aiinterface.StreamChunk{
		{Content: "片段"},
		{Done: true, FinishReason: aiinterface.FinishReasonLength},
	}}
	client := &fakeClient{
		name:     "anthropic",
		segments: []scriptedSegment{truncatedSegment, truncatedSegment, truncatedSegment, truncatedSegment},
	}
	env := newTestEnv(t, &fakeRegistry{clients: map[llm.ProviderName]aiinterface.ModelClient{
		llm.ProviderAnthropic: client,
	}})

	events, err := streamAndCollect(t, env.orchestrator, &Request{
		UserID: "user-1", Message: "无穷尽的任务", TaskType: catalog.TaskTypeChat, RequestID: "req-3",
	})
	if !errors.Is(err, ErrMaxSegmentsExceeded) {
		t.Fatalf("expected ErrMaxSegmentsExceeded, got %v", err)
	}
	for _, event := range events {
		if event.Done {
			t.Fatal("failed stream should not emit terminal event")
		}
	}
	if client.calls != 3 {
		t.Fatalf("expected exactly 3 upstream calls, got %d", client.calls)
	}

	// 失败流水一条，标记错误原因
	var log usage.AIUsageLog
	if err := env.db.First(&log).Error; err != nil {
		t.Fatalf("load usage log failed: %v", err)
	}
	if log.Success {
		t.Fatal("segment-limit failure should write an unsuccessful ledger entry")
	}
	if log.ErrorMessage == "" {
		t.Fatal("expected error message on failed ledger entry")
	}

	// 失败的响应不写缓存
	cached, err := env.cache.Fetch(context.Background(), "无穷尽的任务")
	if err != nil {
		t.Fatalf("cache fetch failed: %v", err)
	}
	if cached != nil {
		t.Fatal("failed response should not be cached")
	}

	// 失败不扣费
	balance, err := env.billing.GetBalance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected untouched balance 100, got %d", balance)
	}
}

func TestStreamFallbackWhenPreferredUnavailable(t *testing.T) {
	client := &fakeClient{
		name: "openai",
		segments: []scriptedSegment{
			{chunks: []aiinterface.StreamChunk{
				{Content: "来自回退提供商"},
				{Done: true, FinishReason: aiinterface.FinishReasonStop},
			}},
		},
	}
	// 首选 anthropic 未配置，仅 openai 可用
	env := newTestEnv(t, &fakeRegistry{clients: map[llm.ProviderName]aiinterface.ModelClient{
		llm.ProviderOpenAI: client,
	}})

	events, err := streamAndCollect(t, env.orchestrator, &Request{
		UserID: "user-1", Message: "回退测试", TaskType: catalog.TaskTypeChat, RequestID: "req-4",
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	done := doneEvent(t, events)
	if !done.Fallback {
		t.Fatal("expected fallback flag")
	}
	if done.Provider != "openai" || done.ModelID != "gpt-4-turbo" {
		t.Fatalf("unexpected selection: %+v", done)
	}

	var log usage.AIUsageLog
	if err := env.db.First(&log).Error; err != nil {
		t.Fatalf("load usage log failed: %v", err)
	}
	if !log.FallbackUsed {
		t.Fatal("usage log should mark fallback")
	}
}

func TestStreamFallbackOnStartupError(t *testing.T) {
	failing := &fakeClient{
		name:     "anthropic",
		segments: []scriptedSegment{{err: errors.New("connection refused")}},
	}
	healthy := &fakeClient{
		name: "openai",
		segments: []scriptedSegment{
			{chunks: []aiinterface.StreamChunk{
				{Content: "备用响应"},
				{Done: true, FinishReason: aiinterface.FinishReasonStop},
			}},
		},
	}
	env := newTestEnv(t, &fakeRegistry{clients: map[llm.ProviderName]aiinterface.ModelClient{
		llm.ProviderAnthropic: failing,
		llm.ProviderOpenAI:    healthy,
	}})

	events, err := streamAndCollect(t, env.orchestrator, &Request{
		UserID: "user-1", Message: "启动失败切换", TaskType: catalog.TaskTypeChat, RequestID: "req-5",
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	if got := spliceContent(events); got != "备用响应" {
		t.Fatalf("unexpected content: %q", got)
	}
	done := doneEvent(t, events)
	if !done.Fallback || done.Provider != "openai" {
		t.Fatalf("expected openai fallback, got %+v", done)
	}
}

func TestStreamFallbackDropsCostMultiplier(t *testing.T) {
	failing := &fakeClient{
		name:     "anthropic",
		segments: []scriptedSegment{{err: errors.New("connection refused")}},
	}
	healthy := &fakeClient{
		name: "openai",
		segments: []scriptedSegment{
			{chunks: []aiinterface.StreamChunk{
				{Content: "备用响应"},
				{Done: true, FinishReason: aiinterface.FinishReasonStop,
					Usage: &aiinterface.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000}},
			}},
		},
	}
	env := newTestEnv(t, &fakeRegistry{clients: map[llm.ProviderName]aiinterface.ModelClient{
		llm.ProviderAnthropic: failing,
		llm.ProviderOpenAI:    healthy,
	}})

	// 目录首选模型带 3 倍成本系数；回退目标 openai 只入库费率
	anthropic := &catalog.Provider{
		ID: "prov-anthropic", Name: "anthropic", DisplayName: "Anthropic",
		IsActive: true, Priority: 30, CostPer1KInput: 0.003, CostPer1KOutput: 0.015,
	}
	openai := &catalog.Provider{
		ID: "prov-openai", Name: "openai", DisplayName: "OpenAI",
		IsActive: true, Priority: 20, CostPer1KInput: 0.01, CostPer1KOutput: 0.03,
	}
	model := &catalog.Model{
		ID: "model-sonnet", ProviderID: anthropic.ID, ModelID: "claude-3-5-sonnet-20240620",
		DisplayName: "Claude 3.5 Sonnet", IsActive: true, MaxTokens: 4096, CostMultiplier: 3,
	}
	for _, record := range []interface{}{anthropic, openai, model} {
		if err := env.db.Create(record).Error; err != nil {
			t.Fatalf("seed catalog failed: %v", err)
		}
	}

	_, err := streamAndCollect(t, env.orchestrator, &Request{
		UserID: "user-1", Message: "系数重置", TaskType: catalog.TaskTypeChat, RequestID: "req-mult",
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	var log usage.AIUsageLog
	if err := env.db.First(&log).Error; err != nil {
		t.Fatalf("load usage log failed: %v", err)
	}
	if log.Provider != "openai" || !log.FallbackUsed {
		t.Fatalf("expected openai fallback log, got %+v", log)
	}
	// 流中途切到回退目标后按 openai 费率乘系数 1 计费
	want := 0.04
	if math.Abs(log.Cost-want) > 1e-9 {
		t.Fatalf("expected cost %f without preferred-model multiplier, got %f", want, log.Cost)
	}
}

func TestStreamAppliesModelTokenCeiling(t *testing.T) {
	client := &fakeClient{
		name: "anthropic",
		segments: []scriptedSegment{
			{chunks: []aiinterface.StreamChunk{
				{Content: "受限输出"},
				{Done: true, FinishReason: aiinterface.FinishReasonStop},
			}},
		},
	}
	env := newTestEnv(t, &fakeRegistry{clients: map[llm.ProviderName]aiinterface.ModelClient{
		llm.ProviderAnthropic: client,
	}})

	// 目录中的首选模型单段上限低于全局上限
	provider := &catalog.Provider{ID: "prov-1", Name: "anthropic", DisplayName: "Anthropic", IsActive: true, Priority: 10}
	if err := env.db.Create(provider).Error; err != nil {
		t.Fatalf("seed provider failed: %v", err)
	}
	model := &catalog.Model{
		ID: "model-1", ProviderID: provider.ID, ModelID: "claude-3-5-sonnet-20240620",
		DisplayName: "Claude 3.5 Sonnet", IsActive: true, MaxTokens: 40, CostMultiplier: 1,
	}
	if err := env.db.Create(model).Error; err != nil {
		t.Fatalf("seed model failed: %v", err)
	}

	_, err := streamAndCollect(t, env.orchestrator, &Request{
		UserID: "user-1", Message: "上限测试", TaskType: catalog.TaskTypeChat, RequestID: "req-cap",
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	client.mu.Lock()
	got := client.lastMaxTokens
	client.mu.Unlock()
	if got != 40 {
		t.Fatalf("expected model ceiling 40, got %d", got)
	}
}

func TestStreamNoProviderAvailable(t *testing.T) {
	env := newTestEnv(t, &fakeRegistry{clients: map[llm.ProviderName]aiinterface.ModelClient{}})

	events, err := streamAndCollect(t, env.orchestrator, &Request{
		UserID: "user-1", Message: "没有提供商", TaskType: catalog.TaskTypeChat, RequestID: "req-6",
	})
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestStreamCacheHitSkipsProvider(t *testing.T) {
	client := &fakeClient{
		name: "anthropic",
		segments: []scriptedSegment{
			{chunks: []aiinterface.StreamChunk{
				{Content: "新生成的响应"},
				{Done: true, FinishReason: aiinterface.FinishReasonStop,
					Usage: &aiinterface.Usage{PromptTokens: 8, CompletionTokens: 12, TotalTokens: 20}},
			}},
		},
	}
	env := newTestEnv(t, &fakeRegistry{clients: map[llm.ProviderName]aiinterface.ModelClient{
		llm.ProviderAnthropic: client,
	}})
	ctx := context.Background()

	// 第一轮：真实生成并写缓存
	if _, err := streamAndCollect(t, env.orchestrator, &Request{
		UserID: "user-1", Message: "缓存这个问题", TaskType: catalog.TaskTypeChat, RequestID: "req-7",
	}); err != nil {
		t.Fatalf("first stream failed: %v", err)
	}

	// 第二轮：同一提示词应命中缓存，不再调用提供商
	events, err := streamAndCollect(t, env.orchestrator, &Request{
		UserID: "user-1", Message: "缓存这个问题", TaskType: catalog.TaskTypeChat, RequestID: "req-8",
	})
	if err != nil {
		t.Fatalf("second stream failed: %v", err)
	}

	if got := spliceContent(events); got != "新生成的响应" {
		t.Fatalf("unexpected cached content: %q", got)
	}
	done := doneEvent(t, events)
	if !done.Cached {
		t.Fatal("expected cached flag")
	}
	if client.calls != 1 {
		t.Fatalf("provider should be called once, got %d", client.calls)
	}

	// 两轮各一条流水，第二条标记缓存命中且零成本
	var logs []usage.AIUsageLog
	if err := env.db.Order("created_at").Find(&logs).Error; err != nil {
		t.Fatalf("load logs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 usage logs, got %d", len(logs))
	}
	var cachedLog *usage.AIUsageLog
	for i := range logs {
		if logs[i].RequestID == "req-8" {
			cachedLog = &logs[i]
		}
	}
	if cachedLog == nil || !cachedLog.WasCached {
		t.Fatalf("expected cached usage log, got %+v", logs)
	}
	if cachedLog.Cost != 0 {
		t.Fatalf("cached hit should cost 0, got %f", cachedLog.Cost)
	}
	// 命中未发生提供商调用，Token 计数全部记零
	if cachedLog.PromptTokens != 0 || cachedLog.CompletionTokens != 0 || cachedLog.TotalTokens != 0 {
		t.Fatalf("cached hit should log zero tokens, got %+v", cachedLog)
	}

	// 缓存命中不扣费：只有第一轮的 1 点
	balance, err := env.billing.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if balance != 99 {
		t.Fatalf("expected balance 99, got %d", balance)
	}
}

func TestStreamCancelledWritesNoLedgerEntry(t *testing.T) {
	blocking := &blockingClient{release: make(chan struct{})}
	env := newTestEnv(t, &fakeRegistry{clients: map[llm.ProviderName]aiinterface.ModelClient{
		llm.ProviderAnthropic: blocking,
	}})

	ctx, cancel := context.WithCancel(context.Background())
	eventChan, errChan := env.orchestrator.Stream(ctx, &Request{
		UserID: "user-1", Message: "会被取消的请求", TaskType: catalog.TaskTypeChat, RequestID: "req-9",
	})

	cancel()
	events, err := collect(t, eventChan, errChan)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for _, event := range events {
		if event.Done {
			t.Fatal("cancelled stream should not emit terminal event")
		}
	}
	close(blocking.release)

	var count int64
	if err := env.db.Model(&usage.AIUsageLog{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("cancelled request should write no ledger entry, got %d", count)
	}
}

// blockingClient 在 release 关闭前不产出任何块
type blockingClient struct {
	release chan struct{}
}

func (b *blockingClient) ChatCompletion(ctx context.Context, req *aiinterface.ChatCompletionRequest) (*aiinterface.ChatCompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (b *blockingClient) ChatCompletionStream(ctx context.Context, req *aiinterface.ChatCompletionRequest) (<-chan aiinterface.StreamChunk, <-chan error) {
	chunkChan := make(chan aiinterface.StreamChunk)
	errChan := make(chan error, 1)
	go func() {
		defer close(chunkChan)
		defer close(errChan)
		select {
		case <-b.release:
		case <-ctx.Done():
		}
	}()
	return chunkChan, errChan
}

func (b *blockingClient) Name() string { return "blocking" }
func (b *blockingClient) Close() error { return nil }
