package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"backend/internal/common"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func initTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:billing_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&TokenAccount{}, &TokenTransaction{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestCheckBalanceBelowThreshold(t *testing.T) {
	db := initTestDB(t)
	service := NewService(db)
	ctx := context.Background()

	// 账户不存在视为余额 0
	err := service.CheckBalance(ctx, "user-1", 10)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if _, err := service.Recharge(ctx, "user-1", 9, ""); err != nil {
		t.Fatalf("recharge failed: %v", err)
	}
	err = service.CheckBalance(ctx, "user-1", 10)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance at 9 points, got %v", err)
	}

	if _, err := service.Recharge(ctx, "user-1", 1, ""); err != nil {
		t.Fatalf("recharge failed: %v", err)
	}
	if err := service.CheckBalance(ctx, "user-1", 10); err != nil {
		t.Fatalf("expected balance check to pass at 10 points, got %v", err)
	}
}

func TestConsumeTokensRoundsUp(t *testing.T) {
	db := initTestDB(t)
	service := NewService(db)
	ctx := context.Background()

	if _, err := service.Recharge(ctx, "user-1", 100, ""); err != nil {
		t.Fatalf("recharge failed: %v", err)
	}

	// 2500 Token 按 1000 向上取整应扣 3 点
	tx, err := service.ConsumeTokens(ctx, "user-1", 2500, "usage-1", "anthropic", "claude-3-5-sonnet-20240620")
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if tx.Amount != -3 {
		t.Fatalf("expected -3, got %d", tx.Amount)
	}
	if tx.BalanceAfter != 97 {
		t.Fatalf("expected balance 97, got %d", tx.BalanceAfter)
	}

	// 不足 1000 Token 按 1 点计
	tx, err = service.ConsumeTokens(ctx, "user-1", 1, "usage-2", "openai", "gpt-4-turbo")
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if tx.Amount != -1 {
		t.Fatalf("expected -1, got %d", tx.Amount)
	}

	balance, err := service.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if balance != 96 {
		t.Fatalf("expected balance 96, got %d", balance)
	}
}

func TestConsumeTokensAllowsNegativeBalance(t *testing.T) {
	db := initTestDB(t)
	service := NewService(db)
	ctx := context.Background()

	if _, err := service.Recharge(ctx, "user-1", 10, ""); err != nil {
		t.Fatalf("recharge failed: %v", err)
	}

	// 门槛校验在请求发起时完成，完成后的扣费不拒绝
	tx, err := service.ConsumeTokens(ctx, "user-1", 15000, "usage-1", "anthropic", "claude-3-5-sonnet-20240620")
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if tx.BalanceAfter != -5 {
		t.Fatalf("expected balance -5, got %d", tx.BalanceAfter)
	}
}

func TestConsumeTokensRequiresAccount(t *testing.T) {
	db := initTestDB(t)
	service := NewService(db)

	_, err := service.ConsumeTokens(context.Background(), "ghost", 1000, "usage-1", "openai", "gpt-4-turbo")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestConsumeTokensRejectsInvalidAmount(t *testing.T) {
	db := initTestDB(t)
	service := NewService(db)

	if _, err := service.ConsumeTokens(context.Background(), "user-1", 0, "", "", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestListTransactions(t *testing.T) {
	db := initTestDB(t)
	service := NewService(db)
	ctx := context.Background()

	if _, err := service.Recharge(ctx, "user-1", 50, ""); err != nil {
		t.Fatalf("recharge failed: %v", err)
	}
	if _, err := service.ConsumeTokens(ctx, "user-1", 1200, "usage-1", "openai", "gpt-4-turbo"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	transactions, total, err := service.ListTransactions(ctx, "user-1", &common.PaginationRequest{Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(transactions) != 2 {
		t.Fatalf("expected 2 transactions, got total=%d len=%d", total, len(transactions))
	}
}
