// Package models 模型目录与用户偏好 API 处理器
package models

import (
	"backend/internal/auth"
	"backend/internal/catalog"
	"backend/internal/common"
	"backend/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 模型目录处理器
type Handler struct {
	catalog *catalog.Service
}

// NewHandler 创建模型目录处理器
func NewHandler(catalogService *catalog.Service) *Handler {
	return &Handler{catalog: catalogService}
}

// ListProviders 列出启用的提供商
// GET /api/providers
func (h *Handler) ListProviders(c *gin.Context) {
	providers, err := h.catalog.ListActiveProviders(c.Request.Context())
	if err != nil {
		logger.WithContext(c.Request.Context()).Error("查询提供商列表失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "查询提供商列表失败")
		return
	}
	common.ResponseSuccess(c, providers)
}

// ListModels 列出启用的模型
// GET /api/models?provider_id=xxx
func (h *Handler) ListModels(c *gin.Context) {
	providerID := c.Query("provider_id")

	models, err := h.catalog.ListActiveModels(c.Request.Context(), providerID)
	if err != nil {
		logger.WithContext(c.Request.Context()).Error("查询模型列表失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "查询模型列表失败")
		return
	}
	common.ResponseSuccess(c, models)
}

// GetPreferences 查询当前用户的模型偏好
// GET /api/models/preferences
func (h *Handler) GetPreferences(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		common.ResponseError(c, common.CodeUnauthorized, "未认证")
		return
	}

	prefs, err := h.catalog.GetUserPreferences(c.Request.Context(), userID)
	if err != nil {
		logger.WithContext(c.Request.Context()).Error("查询用户偏好失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "查询用户偏好失败")
		return
	}

	// 未设置过偏好时返回默认值
	if prefs == nil {
		prefs = &catalog.UserAIPreferences{
			UserID:              userID,
			EnableAutoSelection: true,
			EnableCache:         true,
		}
	}
	common.ResponseSuccess(c, prefs)
}

// UpdatePreferences 更新当前用户的模型偏好
// PUT /api/models/preferences
func (h *Handler) UpdatePreferences(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		common.ResponseError(c, common.CodeUnauthorized, "未认证")
		return
	}

	var req UpdatePreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, "请求参数错误: "+err.Error())
		return
	}

	// 固定模型必须真实存在且可选
	if req.PreferredModelID != nil && *req.PreferredModelID != "" {
		model, err := h.catalog.GetSelectableModel(c.Request.Context(), *req.PreferredModelID)
		if err != nil {
			logger.WithContext(c.Request.Context()).Error("校验固定模型失败", zap.Error(err))
			common.ResponseError(c, common.CodeInternalError, "校验固定模型失败")
			return
		}
		if model == nil {
			common.ResponseError(c, common.CodeModelNotFound, "指定的模型不存在或未启用")
			return
		}
	}

	// 以现有记录为基线做部分更新
	existing, err := h.catalog.GetUserPreferences(c.Request.Context(), userID)
	if err != nil {
		logger.WithContext(c.Request.Context()).Error("查询用户偏好失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "查询用户偏好失败")
		return
	}
	if existing == nil {
		existing = &catalog.UserAIPreferences{
			UserID:              userID,
			EnableAutoSelection: true,
			EnableCache:         true,
		}
	}

	if req.PreferredProvider != "" {
		existing.PreferredProvider = req.PreferredProvider
	}
	if req.PreferredModelID != nil {
		existing.PreferredModelID = req.PreferredModelID
	}
	if req.EnableAutoSelection != nil {
		existing.EnableAutoSelection = *req.EnableAutoSelection
	}
	if req.EnableCache != nil {
		existing.EnableCache = *req.EnableCache
	}
	if req.MaxCostPerRequest > 0 {
		existing.MaxCostPerRequest = req.MaxCostPerRequest
	}

	if err := h.catalog.UpsertUserPreferences(c.Request.Context(), existing); err != nil {
		logger.WithContext(c.Request.Context()).Error("保存用户偏好失败", zap.Error(err))
		common.ResponseError(c, common.CodeInternalError, "保存用户偏好失败")
		return
	}
	common.ResponseSuccess(c, existing)
}
