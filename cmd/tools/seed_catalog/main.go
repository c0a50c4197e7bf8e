// seed_catalog 初始化模型目录：写入内置的提供商与模型记录
// 已存在同名提供商/同标识模型时跳过，可重复执行
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"backend/internal/catalog"
	"backend/internal/config"
	"backend/internal/infra"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type seedModel struct {
	ModelID        string
	DisplayName    string
	MaxTokens      int
	ContextWindow  int
	Capabilities   []string
	CostMultiplier float64
}

type seedProvider struct {
	Name            string
	DisplayName     string
	CostPer1KInput  float64
	CostPer1KOutput float64
	Priority        int
	Models          []seedModel
}

// 默认目录，费率单位为美元/1K tokens
var seedData = []seedProvider{
	{
		Name: "anthropic", DisplayName: "Anthropic", CostPer1KInput: 0.003, CostPer1KOutput: 0.015, Priority: 30,
		Models: []seedModel{
			{ModelID: "claude-3-5-sonnet-20240620", DisplayName: "Claude 3.5 Sonnet", MaxTokens: 8192, ContextWindow: 200000,
				Capabilities: []string{"chat", "code_generation", "debugging", "analysis", "refactoring"}, CostMultiplier: 1},
		},
	},
	{
		Name: "openai", DisplayName: "OpenAI", CostPer1KInput: 0.01, CostPer1KOutput: 0.03, Priority: 20,
		Models: []seedModel{
			{ModelID: "gpt-4-turbo", DisplayName: "GPT-4 Turbo", MaxTokens: 4096, ContextWindow: 128000,
				Capabilities: []string{"chat", "code_generation", "analysis", "documentation"}, CostMultiplier: 1},
		},
	},
	{
		Name: "google", DisplayName: "Google", CostPer1KInput: 0.0035, CostPer1KOutput: 0.0105, Priority: 10,
		Models: []seedModel{
			{ModelID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", MaxTokens: 8192, ContextWindow: 1000000,
				Capabilities: []string{"chat", "analysis", "documentation"}, CostMultiplier: 1},
		},
	},
	{
		Name: "mistral", DisplayName: "Mistral", CostPer1KInput: 0.002, CostPer1KOutput: 0.006, Priority: 5,
		Models: []seedModel{
			{ModelID: "mistral-large-latest", DisplayName: "Mistral Large", MaxTokens: 4096, ContextWindow: 128000,
				Capabilities: []string{"chat", "code_generation"}, CostMultiplier: 1},
		},
	},
}

func main() {
	env := flag.String("env", "dev", "配置环境 dev/prod/test")
	dryRun := flag.Bool("dry-run", false, "仅打印不写入数据库")
	flag.Parse()

	cfg, err := config.Load(*env, "")
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	db, err := infra.InitDatabase(&cfg.Database)
	if err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer infra.CloseDatabase()

	if err := db.AutoMigrate(&catalog.Provider{}, &catalog.Model{}); err != nil {
		log.Fatalf("迁移目录表失败: %v", err)
	}

	ctx := context.Background()
	service := catalog.NewService(db)

	for _, sp := range seedData {
		provider, err := service.GetProviderByName(ctx, sp.Name)
		if err != nil {
			log.Fatalf("查询提供商 %s 失败: %v", sp.Name, err)
		}

		if provider == nil {
			provider = &catalog.Provider{
				ID:              uuid.New().String(),
				Name:            sp.Name,
				DisplayName:     sp.DisplayName,
				IsActive:        true,
				APIKeyRequired:  true,
				CostPer1KInput:  sp.CostPer1KInput,
				CostPer1KOutput: sp.CostPer1KOutput,
				Priority:        sp.Priority,
			}
			if *dryRun {
				fmt.Printf("[dry-run] 创建提供商 %s\n", sp.Name)
			} else if err := db.Create(provider).Error; err != nil {
				log.Fatalf("创建提供商 %s 失败: %v", sp.Name, err)
			} else {
				fmt.Printf("已创建提供商 %s\n", sp.Name)
			}
		} else {
			fmt.Printf("提供商 %s 已存在，跳过\n", sp.Name)
		}

		for _, sm := range sp.Models {
			if err := seedOneModel(db, provider.ID, sm, *dryRun); err != nil {
				log.Fatalf("写入模型 %s 失败: %v", sm.ModelID, err)
			}
		}
	}

	fmt.Println("目录初始化完成")
}

func seedOneModel(db *gorm.DB, providerID string, sm seedModel, dryRun bool) error {
	var count int64
	if err := db.Model(&catalog.Model{}).
		Where("provider_id = ? AND model_id = ?", providerID, sm.ModelID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		fmt.Printf("模型 %s 已存在，跳过\n", sm.ModelID)
		return nil
	}

	model := &catalog.Model{
		ID:             uuid.New().String(),
		ProviderID:     providerID,
		ModelID:        sm.ModelID,
		DisplayName:    sm.DisplayName,
		IsActive:       true,
		MaxTokens:      sm.MaxTokens,
		ContextWindow:  sm.ContextWindow,
		Capabilities:   sm.Capabilities,
		CostMultiplier: sm.CostMultiplier,
	}
	if dryRun {
		fmt.Printf("[dry-run] 创建模型 %s\n", sm.ModelID)
		return nil
	}
	if err := db.Create(model).Error; err != nil {
		return err
	}
	fmt.Printf("已创建模型 %s\n", sm.ModelID)
	return nil
}
