package auth

import (
	"context"
	"testing"
)

func TestGenerateAndValidateToken(t *testing.T) {
	service := NewJWTService("test-secret", "aihub")

	pair, err := service.GenerateTokenPair("user-1")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected non-empty tokens")
	}

	claims, err := service.ValidateToken(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("expected user-1, got %s", claims.UserID)
	}
	if claims.TokenType != "access" {
		t.Fatalf("expected access token, got %s", claims.TokenType)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	service := NewJWTService("secret-a", "aihub")
	other := NewJWTService("secret-b", "aihub")

	pair, err := service.GenerateTokenPair("user-1")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if _, err := other.ValidateToken(context.Background(), pair.AccessToken); err == nil {
		t.Fatal("expected validation failure with wrong secret")
	}
}

func TestRefreshAccessToken(t *testing.T) {
	service := NewJWTService("test-secret", "aihub")

	pair, err := service.GenerateTokenPair("user-1")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	refreshed, err := service.RefreshAccessToken(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.AccessToken == "" {
		t.Fatal("expected new access token")
	}

	// 访问令牌不能用于刷新
	if _, err := service.RefreshAccessToken(context.Background(), pair.AccessToken); err == nil {
		t.Fatal("expected refresh to reject access token")
	}
}

func TestExtractTokenFromBearer(t *testing.T) {
	if got := ExtractTokenFromBearer("Bearer abc123"); got != "abc123" {
		t.Fatalf("expected abc123, got %s", got)
	}
	if got := ExtractTokenFromBearer("abc123"); got != "abc123" {
		t.Fatalf("expected raw token passthrough, got %s", got)
	}
}
