package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// IdempotencyRecord 将幂等键映射到它唯一允许产生的 Message。
//
// Key 上的唯一索引是整条流水线并发安全的基石：同一键的并发提交
// 只有一个 INSERT 成功，其余请求读回首个 Message。记录在保留窗口
// 过期后清理，之后相同输入视为全新提交。
type IdempotencyRecord struct {
	Key       string    `json:"key" gorm:"primaryKey;type:varchar(128)"`
	MessageID string    `json:"messageId" gorm:"type:varchar(36);not null"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"index;not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeriveIdempotencyKey 在客户端未提供幂等键时按请求内容推导。
//
// 时间桶使重复点击/自动重试落在同一个键上，窗口过后相同内容
// 视为新的提交。
func DeriveIdempotencyKey(recipientSlug, senderEmail, subject, body string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = 5 * time.Minute
	}
	window := at.UTC().Truncate(bucket).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", recipientSlug, senderEmail, subject, body, window)))
	return hex.EncodeToString(sum[:])
}
