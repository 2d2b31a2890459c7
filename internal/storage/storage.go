package storage

import (
	"context"
	"errors"
	"time"

	"sinmail/backend/internal/domain"
)

var (
	// ErrRecipientNotFound 收件人不存在
	ErrRecipientNotFound = errors.New("recipient not found")
	// ErrSlugTaken 收件人标识已被占用
	ErrSlugTaken = errors.New("slug already taken")
	// ErrEmailTaken 邮箱已注册
	ErrEmailTaken = errors.New("email already registered")
	// ErrAllowlistEntryNotFound 名单条目不存在
	ErrAllowlistEntryNotFound = errors.New("allowlist entry not found")
	// ErrAllowlistEntryExists 名单条目已存在
	ErrAllowlistEntryExists = errors.New("allowlist entry already exists")
	// ErrMessageNotFound 消息不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrPaymentNotFound 支付不存在
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrDuplicateTransaction 交易引用已被其他结算占用（回放）
	ErrDuplicateTransaction = errors.New("transaction already settled")
	// ErrConflict 条件更新失败（当前状态与期望不符）
	ErrConflict = errors.New("state transition conflict")
)

// RecipientRepository 定义收件人数据存取操作。
type RecipientRepository interface {
	CreateRecipient(ctx context.Context, recipient *domain.Recipient) error
	GetRecipient(ctx context.Context, id string) (*domain.Recipient, error)
	GetRecipientBySlug(ctx context.Context, slug string) (*domain.Recipient, error)
	GetRecipientByEmail(ctx context.Context, email string) (*domain.Recipient, error)
	UpdateRecipient(ctx context.Context, recipient *domain.Recipient) error
}

// AllowlistRepository 定义免付费名单数据存取操作。
type AllowlistRepository interface {
	CreateAllowlistEntry(ctx context.Context, entry *domain.AllowlistEntry) error
	ListAllowlistEntries(ctx context.Context, recipientID string) ([]domain.AllowlistEntry, error)
	DeleteAllowlistEntry(ctx context.Context, recipientID, entryID string) error
}

// MessageRepository 定义消息数据存取操作。
//
// 状态迁移一律通过 TransitionMessage 的单行条件更新完成，
// 竞争失败返回 ErrConflict，由调用方重读收敛。
type MessageRepository interface {
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	ListMessagesByRecipient(ctx context.Context, recipientID string, limit int) ([]domain.Message, error)
	// TransitionMessage 在 expected 状态成立时原子推进到 next。
	TransitionMessage(ctx context.Context, id string, expected, next domain.MessageStatus) error
	// MarkMessageDelivered 原子写入 DELIVERED 状态与回执引用。
	MarkMessageDelivered(ctx context.Context, id string, expected domain.MessageStatus, receiptRef string, at time.Time) error
	// RecordDeliveryFailure 累加尝试次数并登记下次重试时间（nil 表示不再重试）。
	RecordDeliveryFailure(ctx context.Context, id string, attempts int, nextAttemptAt *time.Time, lastError string) error
	// ListDeliverableMessages 返回状态可投递且重试时间已到的消息。
	ListDeliverableMessages(ctx context.Context, now time.Time, limit int) ([]domain.Message, error)
}

// PaymentRepository 定义支付数据存取操作。
type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	GetPaymentByResource(ctx context.Context, resource string) (*domain.Payment, error)
	// GetOutstandingPayment 返回消息当前的非 FAILED 支付记录。
	GetOutstandingPayment(ctx context.Context, messageID string) (*domain.Payment, error)
	// SettlePayment 在一个事务里完成 Payment->SETTLED 与 Message->PAID。
	// 交易引用冲突返回 ErrDuplicateTransaction；支付已非 PENDING 返回 ErrConflict。
	SettlePayment(ctx context.Context, paymentID, transactionHash, payerAddress string, at time.Time) error
	// FailPayment 将过期的支付要求置为 FAILED。
	FailPayment(ctx context.Context, paymentID string) error
	// ListExpiredPayments 返回已过期但仍处于 PENDING 的支付要求。
	ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error)
}

// IdempotencyRepository 定义幂等账本操作。
type IdempotencyRepository interface {
	// ReserveIdempotencyKey 以唯一约束实现 check-and-set：
	// 新键连同 Message 一起落库返回 (message, true)；
	// 已存在则读回首个 Message 返回 (existing, false)。
	ReserveIdempotencyKey(ctx context.Context, record *domain.IdempotencyRecord, message *domain.Message) (*domain.Message, bool, error)
	// DeleteExpiredIdempotencyRecords 清理保留窗口外的记录，返回删除数量。
	DeleteExpiredIdempotencyRecords(ctx context.Context, before time.Time) (int, error)
}

// DeliveryAttemptRepository 定义投递尝试历史的存取操作。
type DeliveryAttemptRepository interface {
	RecordDeliveryAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error
	ListDeliveryAttempts(ctx context.Context, messageID string) ([]domain.DeliveryAttempt, error)
}

// Store 定义完整的存储接口。
type Store interface {
	RecipientRepository
	AllowlistRepository
	MessageRepository
	PaymentRepository
	IdempotencyRepository
	DeliveryAttemptRepository

	// 工具方法
	Close() error
	Health() error
}
