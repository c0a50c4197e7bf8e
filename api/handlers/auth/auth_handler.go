// Package auth 认证 API 处理器
// 登录与用户体系由外部身份服务承担（共享 JWT 密钥），这里只提供令牌刷新
package auth

import (
	authsvc "backend/internal/auth"
	"backend/internal/common"
	"backend/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 认证处理器
type Handler struct {
	jwt *authsvc.JWTService
}

// NewHandler 创建认证处理器
func NewHandler(jwtService *authsvc.JWTService) *Handler {
	return &Handler{jwt: jwtService}
}

// RefreshRequest 刷新令牌请求
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Refresh 用刷新令牌换取新的令牌对
// POST /api/auth/refresh
func (h *Handler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, "请求参数错误: "+err.Error())
		return
	}

	pair, err := h.jwt.RefreshAccessToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		logger.WithContext(c.Request.Context()).Warn("刷新令牌失败", zap.Error(err))
		common.ResponseError(c, common.CodeUnauthorized, "刷新令牌无效或已过期")
		return
	}
	common.ResponseSuccess(c, pair)
}
