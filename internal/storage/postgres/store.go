// Package postgres 提供基于 GORM 的数据库存储实现（支持 PostgreSQL 与 MySQL）。
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage"
)

// Store 数据库存储实现。
type Store struct {
	db *gorm.DB
}

// NewStore 创建 PostgreSQL 存储实例。
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn))
}

// NewMySQLStore 创建 MySQL 存储实例。
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn))
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例。
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true, // 把驱动的唯一约束冲突翻译成 gorm.ErrDuplicatedKey
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构。
func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(
		&domain.Recipient{},
		&domain.AllowlistEntry{},
		&domain.Message{},
		&domain.Payment{},
		&domain.IdempotencyRecord{},
		&domain.DeliveryAttempt{},
	); err != nil {
		return err
	}

	// 同一消息最多一条未结算的支付要求；部分索引仅 PostgreSQL 支持，
	// MySQL 部署依赖服务层的签发检查
	if s.db.Dialector.Name() == "postgres" {
		return s.db.Exec(
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_one_pending_per_message
			 ON payments (message_id) WHERE status = 'PENDING'`,
		).Error
	}
	return nil
}

// ========== Recipient Repository ==========

// CreateRecipient 保存新收件人。
func (s *Store) CreateRecipient(ctx context.Context, recipient *domain.Recipient) error {
	err := s.db.WithContext(ctx).Create(recipient).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// slug 与邮箱各有唯一索引，区分冲突来源
		var existing domain.Recipient
		if lookupErr := s.db.WithContext(ctx).Where("slug = ?", recipient.Slug).First(&existing).Error; lookupErr == nil {
			return storage.ErrSlugTaken
		}
		return storage.ErrEmailTaken
	}
	return err
}

// GetRecipient 根据 ID 获取收件人。
func (s *Store) GetRecipient(ctx context.Context, id string) (*domain.Recipient, error) {
	var recipient domain.Recipient
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&recipient).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrRecipientNotFound
		}
		return nil, err
	}
	return &recipient, nil
}

// GetRecipientBySlug 根据公开标识获取收件人。
func (s *Store) GetRecipientBySlug(ctx context.Context, slug string) (*domain.Recipient, error) {
	var recipient domain.Recipient
	err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&recipient).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrRecipientNotFound
		}
		return nil, err
	}
	return &recipient, nil
}

// GetRecipientByEmail 根据联系邮箱获取收件人。
func (s *Store) GetRecipientByEmail(ctx context.Context, email string) (*domain.Recipient, error) {
	var recipient domain.Recipient
	err := s.db.WithContext(ctx).Where("lower(email) = lower(?)", email).First(&recipient).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrRecipientNotFound
		}
		return nil, err
	}
	return &recipient, nil
}

// UpdateRecipient 更新收件人；slug 列被显式排除，发布后不可变。
func (s *Store) UpdateRecipient(ctx context.Context, recipient *domain.Recipient) error {
	result := s.db.WithContext(ctx).Model(&domain.Recipient{}).
		Where("id = ?", recipient.ID).
		Updates(map[string]interface{}{
			"wallet_address":    recipient.WalletAddress,
			"default_price_usd": recipient.DefaultPriceUSD,
			"is_active":         recipient.IsActive,
			"password_hash":     recipient.PasswordHash,
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrRecipientNotFound
	}
	return nil
}

// ========== Allowlist Repository ==========

// CreateAllowlistEntry 保存名单条目。
func (s *Store) CreateAllowlistEntry(ctx context.Context, entry *domain.AllowlistEntry) error {
	err := s.db.WithContext(ctx).Create(entry).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrAllowlistEntryExists
	}
	return err
}

// ListAllowlistEntries 返回收件人的全部名单条目。
func (s *Store) ListAllowlistEntries(ctx context.Context, recipientID string) ([]domain.AllowlistEntry, error) {
	var entries []domain.AllowlistEntry
	err := s.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

// DeleteAllowlistEntry 删除名单条目（仅限所属收件人）。
func (s *Store) DeleteAllowlistEntry(ctx context.Context, recipientID, entryID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND recipient_id = ?", entryID, recipientID).
		Delete(&domain.AllowlistEntry{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAllowlistEntryNotFound
	}
	return nil
}

// ========== Message Repository ==========

// GetMessage 获取单条消息。
func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var message domain.Message
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// ListMessagesByRecipient 返回收件人的消息（按创建时间倒序）。
func (s *Store) ListMessagesByRecipient(ctx context.Context, recipientID string, limit int) ([]domain.Message, error) {
	var messages []domain.Message
	query := s.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&messages).Error
	return messages, err
}

// TransitionMessage 单行条件更新实现的乐观并发状态迁移。
//
// WHERE 带上期望状态，RowsAffected=0 即竞争失败，返回 ErrConflict
// 由调用方重读当前状态收敛。
func (s *Store) TransitionMessage(ctx context.Context, id string, expected, next domain.MessageStatus) error {
	if !domain.CanTransition(expected, next) {
		return storage.ErrConflict
	}

	result := s.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND status = ?", id, expected).
		Update("status", next)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var message domain.Message
		if err := s.db.WithContext(ctx).Select("id").Where("id = ?", id).First(&message).Error; errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrMessageNotFound
		}
		return storage.ErrConflict
	}
	return nil
}

// MarkMessageDelivered 原子写入 DELIVERED 状态、回执引用与投递时间。
func (s *Store) MarkMessageDelivered(ctx context.Context, id string, expected domain.MessageStatus, receiptRef string, at time.Time) error {
	if !domain.CanTransition(expected, domain.MessageStatusDelivered) {
		return storage.ErrConflict
	}

	result := s.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(map[string]interface{}{
			"status":          domain.MessageStatusDelivered,
			"receipt_ref":     receiptRef,
			"delivered_at":    at,
			"next_attempt_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrConflict
	}
	return nil
}

// RecordDeliveryFailure 更新重试簿记；nextAttemptAt 为 nil 时转入 FAILED。
func (s *Store) RecordDeliveryFailure(ctx context.Context, id string, attempts int, nextAttemptAt *time.Time, lastError string) error {
	updates := map[string]interface{}{
		"delivery_attempts":   attempts,
		"next_attempt_at":     nextAttemptAt,
		"last_delivery_error": lastError,
	}

	if nextAttemptAt == nil {
		// 重试预算耗尽：终态 FAILED，历史保留供运维排查
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&domain.Message{}).Where("id = ?", id).Updates(updates).Error; err != nil {
				return err
			}
			return tx.Model(&domain.Message{}).
				Where("id = ? AND status IN ?", id, []domain.MessageStatus{domain.MessageStatusFree, domain.MessageStatusPaid}).
				Update("status", domain.MessageStatusFailed).Error
		})
	}

	return s.db.WithContext(ctx).Model(&domain.Message{}).Where("id = ?", id).Updates(updates).Error
}

// ListDeliverableMessages 返回可投递且重试时间已到的消息。
func (s *Store) ListDeliverableMessages(ctx context.Context, now time.Time, limit int) ([]domain.Message, error) {
	var messages []domain.Message
	query := s.db.WithContext(ctx).
		Where("status IN ?", []domain.MessageStatus{domain.MessageStatusFree, domain.MessageStatusPaid}).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&messages).Error
	return messages, err
}

// ========== Payment Repository ==========

// CreatePayment 保存支付记录。
func (s *Store) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	err := s.db.WithContext(ctx).Create(payment).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrConflict
	}
	return err
}

// GetPayment 获取支付记录。
func (s *Store) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	var payment domain.Payment
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByResource 按资源标识获取最新的非 FAILED 支付记录。
func (s *Store) GetPaymentByResource(ctx context.Context, resource string) (*domain.Payment, error) {
	var payment domain.Payment
	err := s.db.WithContext(ctx).
		Where("resource = ? AND status <> ?", resource, domain.PaymentStatusFailed).
		Order("created_at DESC").
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// GetOutstandingPayment 返回消息当前的非 FAILED 支付记录。
func (s *Store) GetOutstandingPayment(ctx context.Context, messageID string) (*domain.Payment, error) {
	var payment domain.Payment
	err := s.db.WithContext(ctx).
		Where("message_id = ? AND status <> ?", messageID, domain.PaymentStatusFailed).
		Order("created_at DESC").
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// SettlePayment 在一个事务里完成 Payment->SETTLED 与 Message->PAID。
//
// 两条都是带期望状态的条件更新：同步提交与 webhook 的竞争中
// 败者 RowsAffected=0 拿到 ErrConflict；transaction_hash 的唯一索引
// 拦截跨支付的交易回放。事务保证两个状态要么同时落库要么都不落。
func (s *Store) SettlePayment(ctx context.Context, paymentID, transactionHash, payerAddress string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment domain.Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", paymentID).First(&payment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrPaymentNotFound
			}
			return err
		}

		result := tx.Model(&domain.Payment{}).
			Where("id = ? AND status = ?", paymentID, domain.PaymentStatusPending).
			Updates(map[string]interface{}{
				"status":           domain.PaymentStatusSettled,
				"transaction_hash": transactionHash,
				"payer_address":    payerAddress,
				"settled_at":       at,
				"updated_at":       at,
			})
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return storage.ErrDuplicateTransaction
			}
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrConflict
		}

		msgResult := tx.Model(&domain.Message{}).
			Where("id = ? AND status = ?", payment.MessageID, domain.MessageStatusPending).
			Update("status", domain.MessageStatusPaid)
		if msgResult.Error != nil {
			return msgResult.Error
		}
		if msgResult.RowsAffected == 0 {
			// 消息不在 PENDING：已结算支付不能落在 requires-payment 之外的消息上，回滚整个结算
			return storage.ErrConflict
		}
		return nil
	})
}

// FailPayment 将支付要求置为 FAILED（已结算的支付不可回退）。
func (s *Store) FailPayment(ctx context.Context, paymentID string) error {
	result := s.db.WithContext(ctx).Model(&domain.Payment{}).
		Where("id = ? AND status = ?", paymentID, domain.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":     domain.PaymentStatusFailed,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var payment domain.Payment
		if err := s.db.WithContext(ctx).Select("id").Where("id = ?", paymentID).First(&payment).Error; errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.ErrPaymentNotFound
		}
		return storage.ErrConflict
	}
	return nil
}

// ListExpiredPayments 返回已过期但仍处于 PENDING 的支付要求。
func (s *Store) ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error) {
	var payments []domain.Payment
	query := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", domain.PaymentStatusPending, now).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&payments).Error
	return payments, err
}

// ========== Idempotency Repository ==========

// ReserveIdempotencyKey 依托主键唯一约束的原子 check-and-set。
//
// 幂等记录与 Message 同事务写入；并发提交只有一个 INSERT 成功，
// 其余请求命中唯一约束后读回首个 Message。应用层先查后写会有
// 竞态窗口，这里必须落在存储约束上。
func (s *Store) ReserveIdempotencyKey(ctx context.Context, record *domain.IdempotencyRecord, message *domain.Message) (*domain.Message, bool, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 过期记录允许被新的提交覆盖
		purge := tx.Where("key = ? AND expires_at < ?", record.Key, time.Now().UTC()).
			Delete(&domain.IdempotencyRecord{})
		if purge.Error != nil {
			return purge.Error
		}

		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return tx.Create(message).Error
	})

	if err == nil {
		return message, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, err
	}

	// 键已被占用：读回首个 Message
	var existing domain.IdempotencyRecord
	if err := s.db.WithContext(ctx).Where("key = ?", record.Key).First(&existing).Error; err != nil {
		return nil, false, err
	}
	first, err := s.GetMessage(ctx, existing.MessageID)
	if err != nil {
		return nil, false, err
	}
	return first, false, nil
}

// DeleteExpiredIdempotencyRecords 清理保留窗口外的幂等记录。
func (s *Store) DeleteExpiredIdempotencyRecords(ctx context.Context, before time.Time) (int, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&domain.IdempotencyRecord{})
	return int(result.RowsAffected), result.Error
}

// ========== Delivery Attempt Repository ==========

// RecordDeliveryAttempt 追加一条投递尝试记录。
func (s *Store) RecordDeliveryAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	return s.db.WithContext(ctx).Create(attempt).Error
}

// ListDeliveryAttempts 返回消息的全部投递尝试（按次序）。
func (s *Store) ListDeliveryAttempts(ctx context.Context, messageID string) ([]domain.DeliveryAttempt, error) {
	var attempts []domain.DeliveryAttempt
	err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("attempt_number ASC").
		Find(&attempts).Error
	return attempts, err
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 数据库健康检查。
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
