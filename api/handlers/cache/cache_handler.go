// Package cache 响应缓存 API 处理器
package cache

import (
	"backend/internal/common"
	"backend/internal/logger"
	"backend/internal/respcache"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 响应缓存处理器
type Handler struct {
	cache *respcache.Cache
}

// NewHandler 创建响应缓存处理器
func NewHandler(cache *respcache.Cache) *Handler {
	return &Handler{cache: cache}
}

// Stats 缓存统计
// GET /api/cache/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.cache.GetStats(c.Request.Context())
	if err != nil {
		logger.WithContext(c.Request.Context()).Error("查询缓存统计失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "查询缓存统计失败")
		return
	}
	common.ResponseSuccess(c, stats)
}

// Purge 清理过期缓存条目
// POST /api/cache/purge
func (h *Handler) Purge(c *gin.Context) {
	purged, err := h.cache.PurgeExpired(c.Request.Context())
	if err != nil {
		logger.WithContext(c.Request.Context()).Error("清理过期缓存失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "清理过期缓存失败")
		return
	}
	common.ResponseSuccess(c, gin.H{"purged": purged})
}
