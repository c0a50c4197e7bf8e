package catalog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func initTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:catalog_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Provider{}, &Model{}, &UserAIPreferences{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func createProvider(t *testing.T, db *gorm.DB, name string, priority int, active bool) *Provider {
	t.Helper()
	provider := &Provider{
		ID:          "prov-" + name,
		Name:        name,
		DisplayName: name,
		IsActive:    active,
		Priority:    priority,
	}
	if err := db.Create(provider).Error; err != nil {
		t.Fatalf("create provider failed: %v", err)
	}
	return provider
}

func createModel(t *testing.T, db *gorm.DB, providerID, modelID string, multiplier float64, capabilities []string, active bool) *Model {
	t.Helper()
	model := &Model{
		ID:             "model-" + modelID,
		ProviderID:     providerID,
		ModelID:        modelID,
		DisplayName:    modelID,
		IsActive:       active,
		MaxTokens:      4096,
		Capabilities:   capabilities,
		CostMultiplier: multiplier,
	}
	if err := db.Create(model).Error; err != nil {
		t.Fatalf("create model failed: %v", err)
	}
	return model
}

func TestSelectBestModelByProviderPriority(t *testing.T) {
	db := initTestDB(t)
	high := createProvider(t, db, "anthropic", 30, true)
	low := createProvider(t, db, "mistral", 5, true)
	createModel(t, db, high.ID, "claude-3-5-sonnet-20240620", 1, []string{"chat"}, true)
	createModel(t, db, low.ID, "mistral-large-latest", 0.5, []string{"chat"}, true)

	selector := NewSelector(NewService(db), nil)
	model, err := selector.SelectBestModel(context.Background(), TaskTypeChat, "user-1")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if model == nil || model.ModelID != "claude-3-5-sonnet-20240620" {
		t.Fatalf("expected highest-priority provider model, got %+v", model)
	}
}

func TestSelectBestModelAffinityBreaksPriorityTie(t *testing.T) {
	db := initTestDB(t)
	provider := createProvider(t, db, "openai", 10, true)
	createModel(t, db, provider.ID, "gpt-4-turbo", 1, []string{"chat", "code_generation"}, true)
	createModel(t, db, provider.ID, "gpt-3.5-turbo", 0.1, []string{"chat"}, true)

	selector := NewSelector(NewService(db), nil)
	model, err := selector.SelectBestModel(context.Background(), TaskTypeCodeGeneration, "user-1")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if model == nil || model.ModelID != "gpt-4-turbo" {
		t.Fatalf("expected affinity match to win, got %+v", model)
	}
}

func TestSelectBestModelCheapestWinsFinalTie(t *testing.T) {
	db := initTestDB(t)
	provider := createProvider(t, db, "openai", 10, true)
	createModel(t, db, provider.ID, "expensive", 2, []string{"chat"}, true)
	createModel(t, db, provider.ID, "cheap", 0.5, []string{"chat"}, true)

	selector := NewSelector(NewService(db), nil)
	model, err := selector.SelectBestModel(context.Background(), TaskTypeChat, "user-1")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if model == nil || model.ModelID != "cheap" {
		t.Fatalf("expected lowest multiplier to win, got %+v", model)
	}
}

func TestSelectBestModelPinnedOverrideWins(t *testing.T) {
	db := initTestDB(t)
	high := createProvider(t, db, "anthropic", 30, true)
	low := createProvider(t, db, "mistral", 5, true)
	createModel(t, db, high.ID, "claude-3-5-sonnet-20240620", 1, []string{"chat"}, true)
	pinned := createModel(t, db, low.ID, "mistral-large-latest", 1, []string{"chat"}, true)

	service := NewService(db)
	err := service.UpsertUserPreferences(context.Background(), &UserAIPreferences{
		UserID:              "user-1",
		EnableAutoSelection: false,
		PreferredModelID:    &pinned.ID,
	})
	if err != nil {
		t.Fatalf("upsert preferences failed: %v", err)
	}

	selector := NewSelector(service, nil)
	model, err := selector.SelectBestModel(context.Background(), TaskTypeChat, "user-1")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	// 显式固定的模型优先，无视提供商优先级
	if model == nil || model.ID != pinned.ID {
		t.Fatalf("expected pinned model, got %+v", model)
	}
}

func TestSelectBestModelHonorsCostCeiling(t *testing.T) {
	db := initTestDB(t)
	provider := &Provider{
		ID: "prov-openai", Name: "openai", DisplayName: "openai",
		IsActive: true, Priority: 10, CostPer1KInput: 0.01, CostPer1KOutput: 0.03,
	}
	if err := db.Create(provider).Error; err != nil {
		t.Fatalf("create provider failed: %v", err)
	}
	// 最坏情况估算：8192/1000 × 0.03 × 2 ≈ 0.49 对比 1000/1000 × 0.03 × 1 = 0.03
	big := &Model{
		ID: "model-big", ProviderID: provider.ID, ModelID: "gpt-4-turbo", DisplayName: "gpt-4-turbo",
		IsActive: true, MaxTokens: 8192, Capabilities: []string{"chat"}, CostMultiplier: 2,
	}
	small := &Model{
		ID: "model-small", ProviderID: provider.ID, ModelID: "gpt-3.5-turbo", DisplayName: "gpt-3.5-turbo",
		IsActive: true, MaxTokens: 1000, Capabilities: []string{"chat"}, CostMultiplier: 1,
	}
	for _, model := range []*Model{big, small} {
		if err := db.Create(model).Error; err != nil {
			t.Fatalf("create model failed: %v", err)
		}
	}

	service := NewService(db)
	err := service.UpsertUserPreferences(context.Background(), &UserAIPreferences{
		UserID:              "user-1",
		EnableAutoSelection: true,
		MaxCostPerRequest:   0.05,
	})
	if err != nil {
		t.Fatalf("upsert preferences failed: %v", err)
	}

	selector := NewSelector(service, nil)
	model, err := selector.SelectBestModel(context.Background(), TaskTypeChat, "user-1")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if model == nil || model.ID != small.ID {
		t.Fatalf("expected candidate within cost ceiling, got %+v", model)
	}
}

func TestSelectBestModelCostCeilingExcludesAll(t *testing.T) {
	db := initTestDB(t)
	provider := &Provider{
		ID: "prov-openai", Name: "openai", DisplayName: "openai",
		IsActive: true, Priority: 10, CostPer1KInput: 0.01, CostPer1KOutput: 0.03,
	}
	if err := db.Create(provider).Error; err != nil {
		t.Fatalf("create provider failed: %v", err)
	}
	model := &Model{
		ID: "model-big", ProviderID: provider.ID, ModelID: "gpt-4-turbo", DisplayName: "gpt-4-turbo",
		IsActive: true, MaxTokens: 8192, Capabilities: []string{"chat"}, CostMultiplier: 1,
	}
	if err := db.Create(model).Error; err != nil {
		t.Fatalf("create model failed: %v", err)
	}

	service := NewService(db)
	err := service.UpsertUserPreferences(context.Background(), &UserAIPreferences{
		UserID:              "user-1",
		EnableAutoSelection: true,
		MaxCostPerRequest:   0.01,
	})
	if err != nil {
		t.Fatalf("upsert preferences failed: %v", err)
	}

	// 全部候选都超限时交回兜底路径
	selector := NewSelector(service, nil)
	got, err := selector.SelectBestModel(context.Background(), TaskTypeChat, "user-1")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil when every candidate exceeds the ceiling, got %+v", got)
	}
}

func TestSelectBestModelPinnedIgnoresCostCeiling(t *testing.T) {
	db := initTestDB(t)
	provider := &Provider{
		ID: "prov-openai", Name: "openai", DisplayName: "openai",
		IsActive: true, Priority: 10, CostPer1KInput: 0.01, CostPer1KOutput: 0.03,
	}
	if err := db.Create(provider).Error; err != nil {
		t.Fatalf("create provider failed: %v", err)
	}
	pinned := &Model{
		ID: "model-big", ProviderID: provider.ID, ModelID: "gpt-4-turbo", DisplayName: "gpt-4-turbo",
		IsActive: true, MaxTokens: 8192, Capabilities: []string{"chat"}, CostMultiplier: 2,
	}
	if err := db.Create(pinned).Error; err != nil {
		t.Fatalf("create model failed: %v", err)
	}

	service := NewService(db)
	err := service.UpsertUserPreferences(context.Background(), &UserAIPreferences{
		UserID:              "user-1",
		EnableAutoSelection: false,
		PreferredModelID:    &pinned.ID,
		MaxCostPerRequest:   0.01,
	})
	if err != nil {
		t.Fatalf("upsert preferences failed: %v", err)
	}

	// 显式固定是用户的明确选择，不受成本上限约束
	selector := NewSelector(service, nil)
	model, err := selector.SelectBestModel(context.Background(), TaskTypeChat, "user-1")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if model == nil || model.ID != pinned.ID {
		t.Fatalf("expected pinned model regardless of ceiling, got %+v", model)
	}
}

func TestSelectBestModelSkipsInactiveProvider(t *testing.T) {
	db := initTestDB(t)
	inactive := createProvider(t, db, "anthropic", 30, false)
	active := createProvider(t, db, "mistral", 5, true)
	createModel(t, db, inactive.ID, "claude-3-5-sonnet-20240620", 1, []string{"chat"}, true)
	createModel(t, db, active.ID, "mistral-large-latest", 1, []string{"chat"}, true)

	selector := NewSelector(NewService(db), nil)
	model, err := selector.SelectBestModel(context.Background(), TaskTypeChat, "user-1")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if model == nil || model.ModelID != "mistral-large-latest" {
		t.Fatalf("expected inactive provider to be skipped, got %+v", model)
	}
}

func TestSelectBestModelEmptyCatalog(t *testing.T) {
	db := initTestDB(t)

	selector := NewSelector(NewService(db), nil)
	model, err := selector.SelectBestModel(context.Background(), TaskTypeChat, "user-1")
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if model != nil {
		t.Fatalf("expected nil for empty catalog, got %+v", model)
	}
}
