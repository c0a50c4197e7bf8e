package api

import (
	"backend/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, db *gorm.DB, jwtService *auth.JWTService, h *Handlers) {
	// 系统探针与指标（公开）
	router.GET("/health", HealthCheck())
	router.GET("/ready", ReadinessCheck(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 认证 API（公开，不需要 JWT）
	authGroup := router.Group("/api/auth")
	{
		authGroup.POST("/refresh", h.Auth.Refresh)
	}

	// 业务 API（需要 JWT）
	api := router.Group("/api")
	api.Use(auth.AuthMiddleware(jwtService))
	{
		// 对话
		api.POST("/chat", h.Chat.Stream)

		// 模型目录与偏好
		api.GET("/providers", h.Models.ListProviders)
		api.GET("/models", h.Models.ListModels)
		api.GET("/models/preferences", h.Models.GetPreferences)
		api.PUT("/models/preferences", h.Models.UpdatePreferences)

		// 用量
		api.GET("/usage/stats", h.Usage.Stats)
		api.GET("/usage/logs", h.Usage.Logs)

		// Token 账户
		api.GET("/billing/balance", h.Billing.Balance)
		api.GET("/billing/transactions", h.Billing.Transactions)
		api.POST("/billing/recharge", h.Billing.Recharge)

		// 响应缓存
		api.GET("/cache/stats", h.Cache.Stats)
		api.POST("/cache/purge", h.Cache.Purge)
	}
}
