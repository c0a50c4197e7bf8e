package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service 目录服务，提供 Provider/Model/偏好 的读取与偏好更新
type Service struct {
	db *gorm.DB
}

// NewService 创建目录服务
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// ListActiveProviders 列出激活的提供商（按优先级降序）
func (s *Service) ListActiveProviders(ctx context.Context) ([]Provider, error) {
	var providers []Provider
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("priority DESC").
		Find(&providers).Error
	return providers, err
}

// GetProviderByID 按 ID 查询提供商
func (s *Service) GetProviderByID(ctx context.Context, providerID string) (*Provider, error) {
	var provider Provider
	err := s.db.WithContext(ctx).
		Where("id = ?", providerID).
		First(&provider).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &provider, nil
}

// GetProviderByName 按名称查询提供商
func (s *Service) GetProviderByName(ctx context.Context, name string) (*Provider, error) {
	var provider Provider
	err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&provider).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &provider, nil
}

// ListActiveModels 列出激活的模型，providerID 为空时不过滤提供商
func (s *Service) ListActiveModels(ctx context.Context, providerID string) ([]Model, error) {
	query := s.db.WithContext(ctx).Where("is_active = ?", true)
	if providerID != "" {
		query = query.Where("provider_id = ?", providerID)
	}

	var models []Model
	err := query.Find(&models).Error
	return models, err
}

// GetModelByID 按 ID 查询模型（不校验激活状态）
func (s *Service) GetModelByID(ctx context.Context, modelID string) (*Model, error) {
	var model Model
	err := s.db.WithContext(ctx).
		Where("id = ?", modelID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// GetSelectableModel 按 ID 查询可被选中的模型
// 可选中要求：模型激活且所属提供商激活
func (s *Service) GetSelectableModel(ctx context.Context, modelID string) (*Model, error) {
	var model Model
	err := s.db.WithContext(ctx).
		Joins("JOIN ai_providers ON ai_providers.id = ai_models.provider_id").
		Where("ai_models.id = ? AND ai_models.is_active = ? AND ai_providers.is_active = ?",
			modelID, true, true).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// ModelCandidate 带提供商信息的候选模型（选择器排序与成本预估用）
type ModelCandidate struct {
	Model
	ProviderName            string  `json:"providerName"`
	ProviderPriority        int     `json:"providerPriority"`
	ProviderCostPer1KInput  float64 `json:"providerCostPer1kInput" gorm:"column:provider_cost_per_1k_input"`
	ProviderCostPer1KOutput float64 `json:"providerCostPer1kOutput" gorm:"column:provider_cost_per_1k_output"`
}

// ListSelectableCandidates 列出全部可被选中的候选模型（含提供商名称、优先级与费率）
func (s *Service) ListSelectableCandidates(ctx context.Context) ([]ModelCandidate, error) {
	var candidates []ModelCandidate
	err := s.db.WithContext(ctx).
		Table("ai_models").
		Select("ai_models.*, ai_providers.name AS provider_name, ai_providers.priority AS provider_priority, " +
			"ai_providers.cost_per_1k_input_tokens AS provider_cost_per_1k_input, " +
			"ai_providers.cost_per_1k_output_tokens AS provider_cost_per_1k_output").
		Joins("JOIN ai_providers ON ai_providers.id = ai_models.provider_id").
		Where("ai_models.is_active = ? AND ai_providers.is_active = ?", true, true).
		Find(&candidates).Error
	return candidates, err
}

// GetUserPreferences 查询用户偏好，不存在时返回 nil
func (s *Service) GetUserPreferences(ctx context.Context, userID string) (*UserAIPreferences, error) {
	var prefs UserAIPreferences
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&prefs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prefs, nil
}

// UpsertUserPreferences 更新（或创建）用户偏好
func (s *Service) UpsertUserPreferences(ctx context.Context, prefs *UserAIPreferences) error {
	if prefs.ID == "" {
		prefs.ID = uuid.New().String()
	}
	// 显式列出写入列，避免 false/0 被默认值规则跳过
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"preferred_provider", "preferred_model_id",
				"enable_auto_selection", "enable_cache", "max_cost_per_request",
				"updated_at",
			}),
		}).
		Select("id", "user_id", "preferred_provider", "preferred_model_id",
			"enable_auto_selection", "enable_cache", "max_cost_per_request",
			"created_at", "updated_at").
		Create(prefs).Error
}
