package domain

import "time"

// DeliveryAttempt 记录一次邮箱写入尝试，供运维排查使用。
//
// FAILED 消息的尝试历史必须完整保留，特别是已结算支付对应的
// 投递失败（需要人工跟进，退款明确不在系统职责内）。
type DeliveryAttempt struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID     string    `json:"messageId" gorm:"type:varchar(36);index;not null"`
	AttemptNumber int       `json:"attemptNumber" gorm:"not null"`
	Success       bool      `json:"success" gorm:"default:false"`
	Transient     bool      `json:"transient" gorm:"default:false"`
	Error         string    `json:"error" gorm:"type:text"`
	ProviderRef   string    `json:"providerRef" gorm:"type:varchar(255)"`
	Duration      int64     `json:"duration"` // 毫秒
	CreatedAt     time.Time `json:"createdAt"`
}
