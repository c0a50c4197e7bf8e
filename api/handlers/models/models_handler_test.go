package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"backend/internal/auth"
	"backend/internal/catalog"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func initTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:modelsapi_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&catalog.Provider{}, &catalog.Model{}, &catalog.UserAIPreferences{}))
	return db
}

// newTestRouter 构建带伪认证的测试路由
func newTestRouter(db *gorm.DB, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(catalog.NewService(db))

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(auth.UserIDKey, userID)
		c.Next()
	})
	router.GET("/api/providers", handler.ListProviders)
	router.GET("/api/models", handler.ListModels)
	router.GET("/api/models/preferences", handler.GetPreferences)
	router.PUT("/api/models/preferences", handler.UpdatePreferences)
	return router
}

func seedProviderWithModel(t *testing.T, db *gorm.DB) (*catalog.Provider, *catalog.Model) {
	t.Helper()
	provider := &catalog.Provider{
		ID:          uuid.New().String(),
		Name:        "anthropic",
		DisplayName: "Anthropic",
		IsActive:    true,
		Priority:    30,
	}
	require.NoError(t, db.Create(provider).Error)

	model := &catalog.Model{
		ID:             uuid.New().String(),
		ProviderID:     provider.ID,
		ModelID:        "claude-3-5-sonnet-20240620",
		DisplayName:    "Claude 3.5 Sonnet",
		IsActive:       true,
		MaxTokens:      8192,
		CostMultiplier: 1,
	}
	require.NoError(t, db.Create(model).Error)
	return provider, model
}

func TestListProvidersHTTP(t *testing.T) {
	db := initTestDB(t)
	seedProviderWithModel(t, db)
	router := newTestRouter(db, "user-1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/providers", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool               `json:"success"`
		Data    []catalog.Provider `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "anthropic", resp.Data[0].Name)
}

func TestListModelsFilteredByProvider(t *testing.T) {
	db := initTestDB(t)
	provider, _ := seedProviderWithModel(t, db)
	router := newTestRouter(db, "user-1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/models?provider_id="+provider.ID, nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []catalog.Model `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "claude-3-5-sonnet-20240620", resp.Data[0].ModelID)
}

func TestGetPreferencesReturnsDefaults(t *testing.T) {
	db := initTestDB(t)
	router := newTestRouter(db, "user-1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/models/preferences", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data catalog.UserAIPreferences `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.Data.UserID)
	assert.True(t, resp.Data.EnableAutoSelection)
	assert.True(t, resp.Data.EnableCache)
}

func TestUpdatePreferencesUpsert(t *testing.T) {
	db := initTestDB(t)
	_, model := seedProviderWithModel(t, db)
	router := newTestRouter(db, "user-1")

	disabled := false
	body, _ := json.Marshal(UpdatePreferencesRequest{
		PreferredProvider:   "anthropic",
		PreferredModelID:    &model.ID,
		EnableAutoSelection: &disabled,
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/models/preferences", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	// 再次读取应返回持久化后的偏好
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/models/preferences", nil)
	router.ServeHTTP(w, req)

	var resp struct {
		Data catalog.UserAIPreferences `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "anthropic", resp.Data.PreferredProvider)
	require.NotNil(t, resp.Data.PreferredModelID)
	assert.Equal(t, model.ID, *resp.Data.PreferredModelID)
	assert.False(t, resp.Data.EnableAutoSelection)
}

func TestUpdatePreferencesRejectsUnknownModel(t *testing.T) {
	db := initTestDB(t)
	router := newTestRouter(db, "user-1")

	unknown := uuid.New().String()
	body, _ := json.Marshal(UpdatePreferencesRequest{PreferredModelID: &unknown})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/models/preferences", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
