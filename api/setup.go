package api

import (
	"os"
	"strings"

	authHandlers "backend/api/handlers/auth"
	billingHandlers "backend/api/handlers/billing"
	cacheHandlers "backend/api/handlers/cache"
	chatHandlers "backend/api/handlers/chat"
	modelHandlers "backend/api/handlers/models"
	usageHandlers "backend/api/handlers/usage"

	"backend/internal/auth"
	"backend/internal/billing"
	"backend/internal/catalog"
	chatsvc "backend/internal/chat"
	"backend/internal/config"
	"backend/internal/infra"
	"backend/internal/infra/queue"
	"backend/internal/llm"
	"backend/internal/logger"
	"backend/internal/metrics"
	middlewarepkg "backend/internal/middleware"
	"backend/internal/pricing"
	"backend/internal/respcache"
	"backend/internal/usage"
	"backend/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handlers 各业务域处理器集合
type Handlers struct {
	Auth    *authHandlers.Handler
	Chat    *chatHandlers.Handler
	Models  *modelHandlers.Handler
	Usage   *usageHandlers.Handler
	Billing *billingHandlers.Handler
	Cache   *cacheHandlers.Handler
}

// SetupRouter 设置并返回 Gin 路由和 Worker 服务器
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *worker.Server) {
	router := gin.New()

	// 统一归一化 Redis 配置
	redisCfg := normalizeRedisConfig(cfg.Redis)
	cfg.Redis = redisCfg

	// 初始化 Redis 客户端（缓存热层、异步队列）；不可用时相关能力降级
	redisClient, err := infra.InitRedis(&redisCfg)
	if err != nil {
		logger.Warn("Redis 不可用，响应缓存退回纯数据库实现，用量流水退回同步写入", zap.Error(err))
		redisClient = nil
	}

	// 初始化 JWT 服务
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	jwtSecretKey := strings.TrimSpace(cfg.JWT.Secret)
	if jwtSecretKey == "" {
		jwtSecretKey = strings.TrimSpace(os.Getenv("JWT_SECRET_KEY"))
	}
	if jwtSecretKey == "" {
		// 生产模式必须显式配置密钥，防止使用弱默认值
		if strings.EqualFold(cfg.Server.Mode, "release") || strings.EqualFold(appEnv, "prod") || strings.EqualFold(appEnv, "production") {
			logger.Fatal("JWT 密钥未配置，生产环境禁止使用默认密钥")
		}
		jwtSecretKey = "default_jwt_secret_key_change_in_production" // 本地/测试默认值，需明确提示
		logger.Warn("JWT 密钥未配置，已回退为开发默认值，请在生产环境设置强随机密钥")
	}
	jwtIssuer := cfg.JWT.Issuer
	if jwtIssuer == "" {
		jwtIssuer = "ai-router"
	}
	jwtService := auth.NewJWTService(jwtSecretKey, jwtIssuer)

	// 模型目录与选择器
	catalogService := catalog.NewService(db)
	selector := catalog.NewSelector(catalogService, catalog.CapabilityScorer{})

	// 提供商注册表（凭证缺失的提供商自动不可用）
	registry := llm.NewRegistry(&cfg.AI)
	if available := registry.ListAvailableProviders(); len(available) == 0 {
		logger.Warn("未配置任何 AI 提供商凭证，对话请求将全部失败")
	} else {
		logger.Info("AI 提供商注册表初始化完成", zap.Any("providers", available))
	}

	// 响应缓存（Redis 热层可选）
	responseCache := respcache.NewCache(db, redisClient, cfg.Chat.ResponseCacheTTLHours, cfg.Cache.RedisTTLMinutes)

	// 成本计算与用量流水
	calculator := pricing.NewCalculator(catalogService)
	ledger := usage.NewLedger(db)

	// 用量记录器：Redis 可用时走 asynq 异步队列，否则同步写库
	var recorder usage.Recorder
	var workerServer *worker.Server
	if redisClient != nil {
		queueClient := queue.NewClient(redisCfg)
		recorder = usage.NewAsyncRecorder(queueClient, ledger)
		workerServer = worker.NewServer(redisCfg, ledger, logger.Get())
	} else {
		recorder = usage.NewDirectRecorder(ledger)
	}

	// Token 账户
	billingService := billing.NewService(db)

	// 对话编排器
	orchestrator := chatsvc.NewOrchestrator(
		registry,
		selector,
		catalogService,
		responseCache,
		calculator,
		recorder,
		billingService,
		cfg.Chat,
	)

	handlers := &Handlers{
		Auth:    authHandlers.NewHandler(jwtService),
		Chat:    chatHandlers.NewHandler(orchestrator, billingService, cfg.Chat),
		Models:  modelHandlers.NewHandler(catalogService),
		Usage:   usageHandlers.NewHandler(ledger),
		Billing: billingHandlers.NewHandler(billingService),
		Cache:   cacheHandlers.NewHandler(responseCache),
	}

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(CORS())
	router.Use(metrics.PrometheusMiddleware())

	RegisterRoutes(router, db, jwtService, handlers)

	return router, workerServer
}
