// Package pricing 负责单次调用的成本估算
package pricing

import (
	"context"

	"backend/internal/catalog"
	"backend/internal/logger"

	"go.uber.org/zap"
)

// Calculator 成本计算器
// 费率来自提供商目录，模型可叠加成本系数
type Calculator struct {
	catalog *catalog.Service
}

// NewCalculator 创建成本计算器
func NewCalculator(catalogService *catalog.Service) *Calculator {
	return &Calculator{catalog: catalogService}
}

// Calculate 按 Token 用量计算成本
// 公式：(输入 Token / 1000 × 输入费率 + 输出 Token / 1000 × 输出费率) × 成本系数
func Calculate(promptTokens, completionTokens int, costPer1KInput, costPer1KOutput, multiplier float64) float64 {
	if multiplier <= 0 {
		multiplier = 1
	}
	inputCost := float64(promptTokens) / 1000 * costPer1KInput
	outputCost := float64(completionTokens) / 1000 * costPer1KOutput
	return (inputCost + outputCost) * multiplier
}

// CalculateForProvider 按提供商名称计算成本
// 费率查询失败或提供商未入库时成本记为 0，调用链路不受影响
func (c *Calculator) CalculateForProvider(ctx context.Context, providerName string, modelMultiplier float64, promptTokens, completionTokens int) float64 {
	provider, err := c.catalog.GetProviderByName(ctx, providerName)
	if err != nil {
		logger.WithContext(ctx).Warn("查询提供商费率失败，成本记为 0",
			zap.String("provider", providerName),
			zap.Error(err),
		)
		return 0
	}
	if provider == nil {
		logger.WithContext(ctx).Warn("提供商未入库，成本记为 0",
			zap.String("provider", providerName),
		)
		return 0
	}

	return Calculate(promptTokens, completionTokens,
		provider.CostPer1KInput, provider.CostPer1KOutput, modelMultiplier)
}
