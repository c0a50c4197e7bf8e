package models

// UpdatePreferencesRequest 更新用户模型偏好请求
type UpdatePreferencesRequest struct {
	PreferredProvider   string  `json:"preferredProvider" binding:"omitempty,oneof=openai anthropic google mistral"`
	PreferredModelID    *string `json:"preferredModelId"`
	EnableAutoSelection *bool   `json:"enableAutoSelection"`
	EnableCache         *bool   `json:"enableCache"`
	MaxCostPerRequest   float64 `json:"maxCostPerRequest" binding:"omitempty,min=0"`
}
