package domain

import "time"

// AllowlistKind 免付费名单条目类型
type AllowlistKind string

const (
	AllowlistKindEmail  AllowlistKind = "EMAIL"  // 精确邮箱匹配
	AllowlistKindDomain AllowlistKind = "DOMAIN" // 精确域名匹配（不含子域名）
)

// AllowlistEntry 表示收件人的一条免付费名单记录。
//
// value 存储时统一转为小写；(recipient_id, kind, value) 唯一。
// 条目只增删不改，修改通过删除后重建完成。
type AllowlistEntry struct {
	ID          string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RecipientID string        `json:"recipientId" gorm:"type:varchar(36);index;not null;uniqueIndex:idx_allowlist_entry,priority:1"`
	Kind        AllowlistKind `json:"kind" gorm:"type:varchar(10);not null;uniqueIndex:idx_allowlist_entry,priority:2"`
	Value       string        `json:"value" gorm:"type:varchar(255);not null;uniqueIndex:idx_allowlist_entry,priority:3"`
	CreatedAt   time.Time     `json:"createdAt"`
}
