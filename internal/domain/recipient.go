package domain

import "time"

// DefaultPriceUSD 未显式定价时的默认单价。
const DefaultPriceUSD = "0.10"

// Recipient 表示一个已接入的收件人账户。
//
// Slug 是对外公开的唯一标识（收件链接中使用），发布后不可修改；
// 删除采用软停用（IsActive=false），保证历史 Message 的引用完整。
type Recipient struct {
	ID              string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Slug            string    `json:"slug" gorm:"type:varchar(50);uniqueIndex;not null"`
	Email           string    `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash    string    `json:"-" gorm:"type:varchar(255)"`
	WalletAddress   string    `json:"walletAddress" gorm:"type:varchar(42);not null"`
	DefaultPriceUSD string    `json:"defaultPriceUsd" gorm:"type:varchar(16);not null;default:'0.10'"`
	IsActive        bool      `json:"isActive" gorm:"default:true;index"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// PublicView 返回可公开暴露的收件人信息（不含钱包与联系方式）。
func (r *Recipient) PublicView() map[string]interface{} {
	return map[string]interface{}{
		"slug":            r.Slug,
		"defaultPriceUsd": r.DefaultPriceUSD,
	}
}
