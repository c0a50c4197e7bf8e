package billing

import (
	"context"
	"errors"
	"fmt"

	"backend/internal/common"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientBalance = errors.New("Token 余额不足")
	ErrAccountNotFound     = errors.New("Token 账户不存在")
	ErrInvalidAmount       = errors.New("无效的 Token 金额")
)

// Service Token 计费服务
type Service struct {
	db *gorm.DB
}

// lockForUpdate 在支持的方言上加行锁（SQLite 单写者，无需也不支持 FOR UPDATE）
func lockForUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// NewService 创建计费服务
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// GetOrCreateAccount 获取或创建 Token 账户
func (s *Service) GetOrCreateAccount(ctx context.Context, userID string) (*TokenAccount, error) {
	var account TokenAccount
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&account).Error

	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	account = TokenAccount{
		ID:     uuid.New().String(),
		UserID: userID,
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// GetBalance 获取余额，账户不存在视为 0
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	var account TokenAccount
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// CheckBalance 校验余额是否达到发起请求的门槛
// 不足时返回 ErrInsufficientBalance
func (s *Service) CheckBalance(ctx context.Context, userID string, minBalance int64) error {
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	if balance < minBalance {
		return ErrInsufficientBalance
	}
	return nil
}

// ConsumeTokens 按实际用量扣费
// 扣费额 = ceil(totalTokens / 1000)，不足 1000 Token 按 1 计
// 余额允许被扣成负数：请求发起时已做门槛校验，完成后的扣费不再拒绝
func (s *Service) ConsumeTokens(ctx context.Context, userID string, totalTokens int, usageLogID, provider, modelID string) (*TokenTransaction, error) {
	if totalTokens <= 0 {
		return nil, ErrInvalidAmount
	}
	amount := int64((totalTokens + 999) / 1000)

	var tx *TokenTransaction
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		// 锁定账户行，避免并发扣费丢更新
		var account TokenAccount
		if err := lockForUpdate(db).
			Where("user_id = ?", userID).
			First(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}

		tx = &TokenTransaction{
			ID:            uuid.New().String(),
			UserID:        userID,
			AccountID:     account.ID,
			Type:          TransactionTypeConsume,
			Amount:        -amount,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance - amount,
			UsageLogID:    usageLogID,
			Provider:      provider,
			ModelID:       modelID,
			Description:   fmt.Sprintf("AI 调用消耗 %d Token（计 %d 点）", totalTokens, amount),
		}
		if err := db.Create(tx).Error; err != nil {
			return err
		}

		return db.Model(&account).Updates(map[string]any{
			"balance":    gorm.Expr("balance - ?", amount),
			"total_used": gorm.Expr("total_used + ?", amount),
		}).Error
	})

	return tx, err
}

// Recharge 充值
func (s *Service) Recharge(ctx context.Context, userID string, amount int64, description string) (*TokenTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if description == "" {
		description = fmt.Sprintf("充值 %d 点", amount)
	}

	var tx *TokenTransaction
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		account, err := s.getOrCreateAccountTx(db, userID)
		if err != nil {
			return err
		}

		tx = &TokenTransaction{
			ID:            uuid.New().String(),
			UserID:        userID,
			AccountID:     account.ID,
			Type:          TransactionTypeRecharge,
			Amount:        amount,
			BalanceBefore: account.Balance,
			BalanceAfter:  account.Balance + amount,
			Description:   description,
		}
		if err := db.Create(tx).Error; err != nil {
			return err
		}

		return db.Model(account).Updates(map[string]any{
			"balance":     gorm.Expr("balance + ?", amount),
			"total_added": gorm.Expr("total_added + ?", amount),
		}).Error
	})

	return tx, err
}

// ListTransactions 分页查询用户流水（按时间倒序）
func (s *Service) ListTransactions(ctx context.Context, userID string, page *common.PaginationRequest) ([]TokenTransaction, int64, error) {
	query := s.db.WithContext(ctx).
		Model(&TokenTransaction{}).
		Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var transactions []TokenTransaction
	err := query.
		Order("created_at DESC").
		Offset(page.GetOffset()).
		Limit(page.GetPageSize()).
		Find(&transactions).Error
	return transactions, total, err
}

// getOrCreateAccountTx 事务内获取或创建账户（带行锁）
func (s *Service) getOrCreateAccountTx(db *gorm.DB, userID string) (*TokenAccount, error) {
	var account TokenAccount
	err := lockForUpdate(db).
		Where("user_id = ?", userID).
		First(&account).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	account = TokenAccount{
		ID:     uuid.New().String(),
		UserID: userID,
	}
	if err := db.Create(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}
