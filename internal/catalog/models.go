// Package catalog 管理 AI 提供商/模型目录与用户偏好
package catalog

import "time"

// TaskType 任务类型，用于模型选择的偏好打分
type TaskType string

const (
	TaskTypeChat           TaskType = "chat"
	TaskTypeCodeGeneration TaskType = "code_generation"
	TaskTypeDebugging      TaskType = "debugging"
	TaskTypeAnalysis       TaskType = "analysis"
	TaskTypeRefactoring    TaskType = "refactoring"
	TaskTypeDocumentation  TaskType = "documentation"
	TaskTypeTesting        TaskType = "testing"
)

// Provider AI 提供商
// 由管理端维护，核心链路只读
type Provider struct {
	ID             string         `json:"id" gorm:"primaryKey;type:uuid"`
	Name           string         `json:"name" gorm:"size:50;not null;uniqueIndex"` // openai, anthropic, google, mistral
	DisplayName    string         `json:"displayName" gorm:"size:100;not null"`
	IsActive       bool           `json:"isActive" gorm:"default:true"`
	APIKeyRequired bool           `json:"apiKeyRequired" gorm:"default:true"`

	// 成本（按 1000 tokens 计算）
	CostPer1KInput  float64 `json:"costPer1kInput" gorm:"column:cost_per_1k_input_tokens;type:decimal(10,6)"`
	CostPer1KOutput float64 `json:"costPer1kOutput" gorm:"column:cost_per_1k_output_tokens;type:decimal(10,6)"`

	// 多提供商可服务同一任务时的优先级（越大越优先）
	Priority int            `json:"priority" gorm:"default:0;index"`
	Metadata map[string]any `json:"metadata" gorm:"type:jsonb;default:'{}';serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (Provider) TableName() string {
	return "ai_providers"
}

// Model AI 模型
// 不变量：模型可被选中要求其 ProviderID 指向一个激活的 Provider
type Model struct {
	ID          string `json:"id" gorm:"primaryKey;type:uuid"`
	ProviderID  string `json:"providerId" gorm:"type:uuid;not null;index"`
	ModelID     string `json:"modelId" gorm:"size:255;not null;index"` // 提供商侧的模型标识符
	DisplayName string `json:"displayName" gorm:"size:100;not null"`
	Description string `json:"description" gorm:"type:text"`
	IsActive    bool   `json:"isActive" gorm:"default:true"`

	// 能力描述
	MaxTokens     int      `json:"maxTokens" gorm:"default:0"`     // 单次生成的输出 Token 上限
	ContextWindow int      `json:"contextWindow" gorm:"default:0"` // 上下文窗口大小
	Capabilities  []string `json:"capabilities" gorm:"type:jsonb;serializer:json"` // supports-tools, supports-vision 等

	// 叠加在提供商费率之上的成本系数
	CostMultiplier float64 `json:"costMultiplier" gorm:"type:decimal(10,4);default:1"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (Model) TableName() string {
	return "ai_models"
}

// UserAIPreferences 用户级 AI 偏好，一人一条
type UserAIPreferences struct {
	ID                string  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID            string  `json:"userId" gorm:"type:uuid;not null;uniqueIndex"`
	PreferredProvider string  `json:"preferredProvider" gorm:"size:50"`
	PreferredModelID  *string `json:"preferredModelId" gorm:"type:uuid"`

	// 关闭自动选择时必须固定模型，选择器直接返回该模型
	EnableAutoSelection bool    `json:"enableAutoSelection" gorm:"default:true"`
	EnableCache         bool    `json:"enableCache" gorm:"default:true"`
	MaxCostPerRequest   float64 `json:"maxCostPerRequest" gorm:"type:decimal(10,4);default:0"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (UserAIPreferences) TableName() string {
	return "user_ai_preferences"
}
