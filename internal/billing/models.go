// Package billing 管理用户 Token 余额与扣费流水
package billing

import "time"

// TokenAccount Token 余额账户
type TokenAccount struct {
	ID         string    `json:"id" gorm:"primaryKey;type:uuid"`
	UserID     string    `json:"userId" gorm:"type:uuid;not null;uniqueIndex"`
	Balance    int64     `json:"balance" gorm:"not null;default:0"`    // 当前余额
	TotalUsed  int64     `json:"totalUsed" gorm:"not null;default:0"`  // 累计消耗
	TotalAdded int64     `json:"totalAdded" gorm:"not null;default:0"` // 累计充值
	CreatedAt  time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt  time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 指定表名
func (TokenAccount) TableName() string {
	return "token_accounts"
}

// TransactionType 交易类型
type TransactionType string

const (
	TransactionTypeRecharge TransactionType = "recharge" // 充值
	TransactionTypeConsume  TransactionType = "consume"  // AI 调用消费
	TransactionTypeGift     TransactionType = "gift"     // 赠送
	TransactionTypeAdjust   TransactionType = "adjust"   // 管理员调整
)

// TokenTransaction Token 流水
type TokenTransaction struct {
	ID            string          `json:"id" gorm:"primaryKey;type:uuid"`
	UserID        string          `json:"userId" gorm:"type:uuid;not null;index:idx_token_tx_user"`
	AccountID     string          `json:"accountId" gorm:"type:uuid;not null;index"`
	Type          TransactionType `json:"type" gorm:"size:20;not null;index"`
	Amount        int64           `json:"amount" gorm:"not null"`        // 变动金额（正负）
	BalanceBefore int64           `json:"balanceBefore" gorm:"not null"` // 变动前余额
	BalanceAfter  int64           `json:"balanceAfter" gorm:"not null"`  // 变动后余额

	// 关联信息
	UsageLogID string `json:"usageLogId" gorm:"type:uuid;index"` // 关联的用量流水
	Provider   string `json:"provider" gorm:"size:50"`
	ModelID    string `json:"modelId" gorm:"size:255"`

	Description string `json:"description" gorm:"size:500"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index:idx_token_tx_time"`
}

// TableName 指定表名
func (TokenTransaction) TableName() string {
	return "token_transactions"
}
