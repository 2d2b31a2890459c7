package domain

import "time"

// PaymentStatus 支付状态
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING" // 已签发支付要求，等待结算
	PaymentStatusSettled PaymentStatus = "SETTLED" // 链上结算完成
	PaymentStatusFailed  PaymentStatus = "FAILED"  // 过期或结算失败
)

// Payment 表示绑定到单条 Message 的一次支付。
//
// 同一 Message 同时最多存在一条非 FAILED 的 Payment；重试只在上一条
// 进入 FAILED/过期之后创建新记录，并复用 Message 的幂等键防止重复扣款。
// TransactionHash 全局唯一，用于拒绝交易回放。
type Payment struct {
	ID        string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID string `json:"messageId" gorm:"type:varchar(36);index;not null"`
	// Resource 将支付要求绑定到具体 Message，阻止跨消息回放。
	// 过期重发会产生同 Resource 的新记录，按资源查询取最新的非 FAILED 一条。
	Resource     string        `json:"resource" gorm:"type:varchar(255);index;not null"`
	AmountUSD    string        `json:"amountUsd" gorm:"type:varchar(16);not null"`
	AmountAtomic string        `json:"amountAtomic" gorm:"type:varchar(32);not null"`
	Network      string        `json:"network" gorm:"type:varchar(32);not null"`
	Asset        string        `json:"asset" gorm:"type:varchar(42);not null"`
	PayTo        string        `json:"payTo" gorm:"type:varchar(42);not null"`
	PayerAddress string        `json:"payerAddress" gorm:"type:varchar(42)"`
	Status       PaymentStatus `json:"status" gorm:"type:varchar(16);index;not null;default:'PENDING'"`
	// TransactionHash 结算交易引用，结算前为空；唯一索引承担回放拒绝。
	TransactionHash *string    `json:"transactionHash" gorm:"type:varchar(128);uniqueIndex"`
	IdempotencyKey  string     `json:"-" gorm:"type:varchar(128);index;not null"`
	ExpiresAt       time.Time  `json:"expiresAt" gorm:"not null"`
	SettledAt       *time.Time `json:"settledAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsExpired 判断支付要求是否已过期。
func (p *Payment) IsExpired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// IsOutstanding 判断是否仍是有效的未结算支付要求。
func (p *Payment) IsOutstanding(now time.Time) bool {
	return p.Status == PaymentStatusPending && !p.IsExpired(now)
}
