package catalog

import (
	"context"
	"sort"

	"backend/internal/logger"

	"go.uber.org/zap"
)

// AffinityScorer 任务亲和度打分器
// 打分逻辑由持久层提供，对选择器而言是不透明的排序函数
type AffinityScorer interface {
	// Score 返回模型对指定任务类型的亲和度，越大越匹配
	Score(ctx context.Context, taskType TaskType, candidate *ModelCandidate) float64
}

// CapabilityScorer 基于能力标签的默认打分器
// 能力标签中包含任务类型时得 1 分，否则 0 分
type CapabilityScorer struct{}

// Score 实现 AffinityScorer
func (CapabilityScorer) Score(_ context.Context, taskType TaskType, candidate *ModelCandidate) float64 {
	for _, capability := range candidate.Capabilities {
		if capability == string(taskType) {
			return 1
		}
	}
	return 0
}

// Selector 模型选择器
type Selector struct {
	catalog *Service
	scorer  AffinityScorer
}

// NewSelector 创建模型选择器
func NewSelector(catalog *Service, scorer AffinityScorer) *Selector {
	if scorer == nil {
		scorer = CapabilityScorer{}
	}
	return &Selector{catalog: catalog, scorer: scorer}
}

// SelectBestModel 为任务选择最优模型
// 1. 用户关闭自动选择且固定了模型时，直接返回该模型（显式覆盖优先，不受成本上限约束）
// 2. 否则剔除预估成本超出用户单次成本上限的候选，
//    按 提供商优先级降序 → 任务亲和度降序 → 成本系数升序 排序取首位
// 3. 无候选时返回 nil，由调用方回退到兜底提供商/模型
// 偏好或排序查询失败只降级为排序路径，不中断请求
func (s *Selector) SelectBestModel(ctx context.Context, taskType TaskType, userID string) (*Model, error) {
	var prefs *UserAIPreferences
	if userID != "" {
		loaded, err := s.catalog.GetUserPreferences(ctx, userID)
		if err != nil {
			logger.WithContext(ctx).Warn("查询用户偏好失败，降级为自动选择",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		} else {
			prefs = loaded
		}
	}

	if prefs != nil && !prefs.EnableAutoSelection && prefs.PreferredModelID != nil {
		model, err := s.catalog.GetSelectableModel(ctx, *prefs.PreferredModelID)
		if err != nil {
			logger.WithContext(ctx).Warn("查询固定模型失败，降级为自动选择",
				zap.String("model_id", *prefs.PreferredModelID),
				zap.Error(err),
			)
		} else if model != nil {
			return model, nil
		}
	}

	candidates, err := s.catalog.ListSelectableCandidates(ctx)
	if err != nil {
		return nil, err
	}
	if prefs != nil && prefs.MaxCostPerRequest > 0 {
		candidates = filterByCostCeiling(ctx, candidates, prefs.MaxCostPerRequest)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// 预先打分，避免排序比较时重复计算
	type rankedCandidate struct {
		candidate ModelCandidate
		score     float64
	}
	ranked := make([]rankedCandidate, len(candidates))
	for i := range candidates {
		ranked[i] = rankedCandidate{
			candidate: candidates[i],
			score:     s.scorer.Score(ctx, taskType, &candidates[i]),
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].candidate.ProviderPriority != ranked[j].candidate.ProviderPriority {
			return ranked[i].candidate.ProviderPriority > ranked[j].candidate.ProviderPriority
		}
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].candidate.CostMultiplier < ranked[j].candidate.CostMultiplier
	})

	best := ranked[0].candidate.Model
	return &best, nil
}

// filterByCostCeiling 剔除预估成本超出单次成本上限的候选
// 以整段输出打满的最坏情况估算；模型未配置输出上限时估算为 0，始终通过
func filterByCostCeiling(ctx context.Context, candidates []ModelCandidate, maxCost float64) []ModelCandidate {
	kept := make([]ModelCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		if estimateWorstCaseCost(&candidate) <= maxCost {
			kept = append(kept, candidate)
		}
	}
	if len(kept) < len(candidates) {
		logger.WithContext(ctx).Info("部分候选模型超出单次成本上限被剔除",
			zap.Float64("max_cost", maxCost),
			zap.Int("dropped", len(candidates)-len(kept)),
		)
	}
	return kept
}

func estimateWorstCaseCost(candidate *ModelCandidate) float64 {
	multiplier := candidate.CostMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	return float64(candidate.MaxTokens) / 1000 * candidate.ProviderCostPer1KOutput * multiplier
}
