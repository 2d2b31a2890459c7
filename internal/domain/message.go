package domain

import "time"

// MessageStatus 消息投递状态
type MessageStatus string

const (
	// MessageStatusPending 已创建且需要付费，等待结算
	MessageStatusPending MessageStatus = "PENDING"
	// MessageStatusFree 发件人在免付费名单内，直接进入投递队列
	MessageStatusFree MessageStatus = "FREE"
	// MessageStatusPaid 对应 Payment 已结算，进入投递队列
	MessageStatusPaid MessageStatus = "PAID"
	// MessageStatusDelivered 已写入收件人邮箱，回执已记录
	MessageStatusDelivered MessageStatus = "DELIVERED"
	// MessageStatusFailed 终态失败（投递重试耗尽或不可恢复错误）
	MessageStatusFailed MessageStatus = "FAILED"
)

// messageTransitions 定义合法的状态迁移。
// DELIVERED 只能由 FREE 或 PAID 进入；任何状态都可进入 FAILED。
var messageTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusPending: {MessageStatusFree, MessageStatusPaid, MessageStatusFailed},
	MessageStatusFree:    {MessageStatusDelivered, MessageStatusFailed},
	MessageStatusPaid:    {MessageStatusDelivered, MessageStatusFailed},
}

// CanTransition 判断 from -> to 是否为合法状态迁移。
func CanTransition(from, to MessageStatus) bool {
	for _, next := range messageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsDeliverable 判断消息当前是否可以投递。
func (s MessageStatus) IsDeliverable() bool {
	return s == MessageStatusFree || s == MessageStatusPaid
}

// IsTerminal 判断状态是否为终态。
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusDelivered || s == MessageStatusFailed
}

// Message 是整条付费投递流水线的聚合根。
//
// 状态只能由固定的组件推进：PreflightEngine 负责 PENDING->FREE，
// 支付结算负责 PENDING->PAID，投递 worker 负责 ->DELIVERED/FAILED。
// 消息永不删除，作为审计记录保留。
type Message struct {
	ID             string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RecipientID    string        `json:"-" gorm:"type:varchar(36);index;not null"`
	RecipientSlug  string        `json:"recipientSlug" gorm:"type:varchar(50);index;not null"`
	SenderEmail    *string       `json:"senderEmail" gorm:"type:varchar(255)"`
	Subject        string        `json:"subject" gorm:"type:varchar(200);not null"`
	Body           string        `json:"body" gorm:"type:text;not null"`
	Status         MessageStatus `json:"status" gorm:"type:varchar(16);index;not null;default:'PENDING'"`
	IdempotencyKey string        `json:"-" gorm:"type:varchar(128);index;not null"`
	// ReceiptRef 是邮箱服务商返回的消息标识，仅在 DELIVERED 时非空。
	ReceiptRef *string `json:"receiptRef" gorm:"type:varchar(255)"`
	// 投递重试簿记
	DeliveryAttempts  int        `json:"deliveryAttempts" gorm:"default:0"`
	NextAttemptAt     *time.Time `json:"-" gorm:"index"`
	LastDeliveryError string     `json:"-" gorm:"type:text"`
	CreatedAt         time.Time  `json:"createdAt"`
	DeliveredAt       *time.Time `json:"deliveredAt"`
}

// SenderOrAnonymous 返回发件人地址，未提供时返回占位标识。
func (m *Message) SenderOrAnonymous() string {
	if m.SenderEmail != nil && *m.SenderEmail != "" {
		return *m.SenderEmail
	}
	return "anonymous"
}
