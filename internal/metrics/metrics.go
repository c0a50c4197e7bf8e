// Package metrics 定义 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aihub_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aihub_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 对话编排指标
var (
	// ChatRequestsTotal 对话请求总数
	ChatRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aihub_chat_requests_total",
			Help: "对话请求总数",
		},
		[]string{"provider", "status"}, // status: ok, error, cancelled
	)

	// ChatCacheLookupsTotal 响应缓存查询总数
	ChatCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aihub_chat_cache_lookups_total",
			Help: "响应缓存查询总数",
		},
		[]string{"result"}, // hit, miss
	)

	// ChatFallbacksTotal 回退到备选提供商的次数
	ChatFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aihub_chat_fallbacks_total",
			Help: "回退到备选提供商的次数",
		},
		[]string{"provider"},
	)

	// ChatSegmentsPerResponse 每次响应的续写分段数
	ChatSegmentsPerResponse = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aihub_chat_segments_per_response",
			Help:    "每次响应的续写分段数分布",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	// ChatTokensTotal 消耗的 Token 总数
	ChatTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aihub_chat_tokens_total",
			Help: "消耗的 Token 总数",
		},
		[]string{"provider", "direction"}, // direction: prompt, completion
	)

	// ChatStreamDuration 对话流式响应总耗时（秒）
	ChatStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aihub_chat_stream_duration_seconds",
			Help:    "对话流式响应总耗时分布",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider"},
	)
)
