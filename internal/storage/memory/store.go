// Package memory 提供内存存储实现，用于开发环境与测试。
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage"
)

// Store 内存存储实现。
//
// 所有写操作持有同一把互斥锁，使条件更新与唯一约束检查
// 具备和数据库实现相同的原子语义。
type Store struct {
	mu sync.Mutex

	recipients map[string]*domain.Recipient
	allowlist  map[string]*domain.AllowlistEntry
	messages   map[string]*domain.Message
	payments   map[string]*domain.Payment
	idemKeys   map[string]*domain.IdempotencyRecord
	attempts   map[string][]*domain.DeliveryAttempt
}

// NewStore 创建内存存储实例。
func NewStore() *Store {
	return &Store{
		recipients: make(map[string]*domain.Recipient),
		allowlist:  make(map[string]*domain.AllowlistEntry),
		messages:   make(map[string]*domain.Message),
		payments:   make(map[string]*domain.Payment),
		idemKeys:   make(map[string]*domain.IdempotencyRecord),
		attempts:   make(map[string][]*domain.DeliveryAttempt),
	}
}

// ========== Recipient Repository ==========

// CreateRecipient 保存新收件人，slug 与邮箱唯一。
func (s *Store) CreateRecipient(_ context.Context, recipient *domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.recipients {
		if r.Slug == recipient.Slug {
			return storage.ErrSlugTaken
		}
		if strings.EqualFold(r.Email, recipient.Email) {
			return storage.ErrEmailTaken
		}
	}

	clone := *recipient
	s.recipients[recipient.ID] = &clone
	return nil
}

// GetRecipient 根据 ID 获取收件人。
func (s *Store) GetRecipient(_ context.Context, id string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recipients[id]
	if !ok {
		return nil, storage.ErrRecipientNotFound
	}
	clone := *r
	return &clone, nil
}

// GetRecipientBySlug 根据公开标识获取收件人。
func (s *Store) GetRecipientBySlug(_ context.Context, slug string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.recipients {
		if r.Slug == slug {
			clone := *r
			return &clone, nil
		}
	}
	return nil, storage.ErrRecipientNotFound
}

// GetRecipientByEmail 根据联系邮箱获取收件人。
func (s *Store) GetRecipientByEmail(_ context.Context, email string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.recipients {
		if strings.EqualFold(r.Email, email) {
			clone := *r
			return &clone, nil
		}
	}
	return nil, storage.ErrRecipientNotFound
}

// UpdateRecipient 更新收件人（slug 不可变更）。
func (s *Store) UpdateRecipient(_ context.Context, recipient *domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.recipients[recipient.ID]
	if !ok {
		return storage.ErrRecipientNotFound
	}

	clone := *recipient
	clone.Slug = existing.Slug // 发布后的 slug 永不改写
	clone.UpdatedAt = time.Now().UTC()
	s.recipients[recipient.ID] = &clone
	return nil
}

// ========== Allowlist Repository ==========

// CreateAllowlistEntry 保存名单条目，(recipient, kind, value) 唯一。
func (s *Store) CreateAllowlistEntry(_ context.Context, entry *domain.AllowlistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.allowlist {
		if e.RecipientID == entry.RecipientID && e.Kind == entry.Kind && e.Value == entry.Value {
			return storage.ErrAllowlistEntryExists
		}
	}

	clone := *entry
	s.allowlist[entry.ID] = &clone
	return nil
}

// ListAllowlistEntries 返回收件人的全部名单条目。
func (s *Store) ListAllowlistEntries(_ context.Context, recipientID string) ([]domain.AllowlistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []domain.AllowlistEntry
	for _, e := range s.allowlist {
		if e.RecipientID == recipientID {
			entries = append(entries, *e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

// DeleteAllowlistEntry 删除名单条目（仅限所属收件人）。
func (s *Store) DeleteAllowlistEntry(_ context.Context, recipientID, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.allowlist[entryID]
	if !ok || e.RecipientID != recipientID {
		return storage.ErrAllowlistEntryNotFound
	}
	delete(s.allowlist, entryID)
	return nil
}

// ========== Message Repository ==========

// GetMessage 获取单条消息。
func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	clone := *m
	return &clone, nil
}

// ListMessagesByRecipient 返回收件人的消息（按创建时间倒序）。
func (s *Store) ListMessagesByRecipient(_ context.Context, recipientID string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []domain.Message
	for _, m := range s.messages {
		if m.RecipientID == recipientID {
			messages = append(messages, *m)
		}
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].CreatedAt.After(messages[j].CreatedAt) })
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

// TransitionMessage 条件状态更新，期望状态不符时返回 ErrConflict。
func (s *Store) TransitionMessage(_ context.Context, id string, expected, next domain.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transitionLocked(id, expected, next)
}

// transitionLocked 调用方必须已持有 s.mu。
func (s *Store) transitionLocked(id string, expected, next domain.MessageStatus) error {
	m, ok := s.messages[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	if m.Status != expected {
		return storage.ErrConflict
	}
	if !domain.CanTransition(expected, next) {
		return storage.ErrConflict
	}
	m.Status = next
	return nil
}

// MarkMessageDelivered 原子写入 DELIVERED 与回执引用。
func (s *Store) MarkMessageDelivered(_ context.Context, id string, expected domain.MessageStatus, receiptRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	if m.Status != expected || !domain.CanTransition(expected, domain.MessageStatusDelivered) {
		return storage.ErrConflict
	}
	m.Status = domain.MessageStatusDelivered
	m.ReceiptRef = &receiptRef
	m.DeliveredAt = &at
	m.NextAttemptAt = nil
	return nil
}

// RecordDeliveryFailure 更新重试簿记；nextAttemptAt 为 nil 时转入 FAILED。
func (s *Store) RecordDeliveryFailure(_ context.Context, id string, attempts int, nextAttemptAt *time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	m.DeliveryAttempts = attempts
	m.NextAttemptAt = nextAttemptAt
	m.LastDeliveryError = lastError
	if nextAttemptAt == nil && m.Status.IsDeliverable() {
		m.Status = domain.MessageStatusFailed
	}
	return nil
}

// ListDeliverableMessages 返回可投递且重试时间已到的消息。
func (s *Store) ListDeliverableMessages(_ context.Context, now time.Time, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []domain.Message
	for _, m := range s.messages {
		if !m.Status.IsDeliverable() {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		messages = append(messages, *m)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].CreatedAt.Before(messages[j].CreatedAt) })
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

// ========== Payment Repository ==========

// CreatePayment 保存支付记录。
//
// 同一 Message 最多存在一条非 FAILED 的支付要求；过期重发会产生
// 同 Resource 的新记录，因此 FAILED 行不参与冲突判定。
func (s *Store) CreatePayment(_ context.Context, payment *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.Status == domain.PaymentStatusFailed {
			continue
		}
		if p.MessageID == payment.MessageID || p.Resource == payment.Resource {
			return storage.ErrConflict
		}
	}

	clone := *payment
	s.payments[payment.ID] = &clone
	return nil
}

// GetPayment 获取支付记录。
func (s *Store) GetPayment(_ context.Context, id string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, storage.ErrPaymentNotFound
	}
	clone := *p
	return &clone, nil
}

// GetPaymentByResource 按资源标识获取最新的非 FAILED 支付记录。
func (s *Store) GetPaymentByResource(_ context.Context, resource string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.Payment
	for _, p := range s.payments {
		if p.Resource != resource || p.Status == domain.PaymentStatusFailed {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, storage.ErrPaymentNotFound
	}
	clone := *latest
	return &clone, nil
}

// GetOutstandingPayment 返回消息当前的非 FAILED 支付记录。
func (s *Store) GetOutstandingPayment(_ context.Context, messageID string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.payments {
		if p.MessageID == messageID && p.Status != domain.PaymentStatusFailed {
			clone := *p
			return &clone, nil
		}
	}
	return nil, storage.ErrPaymentNotFound
}

// SettlePayment 原子完成 Payment->SETTLED 与 Message->PAID。
//
// 同步提交与异步 webhook 会竞争这一步；败者拿到 ErrConflict 或
// ErrDuplicateTransaction，由服务层收敛为成功。
func (s *Store) SettlePayment(_ context.Context, paymentID, transactionHash, payerAddress string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return storage.ErrPaymentNotFound
	}

	// 交易引用唯一：同一笔交易不能结算第二条支付
	for _, other := range s.payments {
		if other.ID != paymentID && other.TransactionHash != nil && *other.TransactionHash == transactionHash {
			return storage.ErrDuplicateTransaction
		}
	}

	if p.Status != domain.PaymentStatusPending {
		return storage.ErrConflict
	}

	if err := s.transitionLocked(p.MessageID, domain.MessageStatusPending, domain.MessageStatusPaid); err != nil {
		return err
	}

	p.Status = domain.PaymentStatusSettled
	p.TransactionHash = &transactionHash
	p.PayerAddress = payerAddress
	p.SettledAt = &at
	p.UpdatedAt = at
	return nil
}

// FailPayment 将支付要求置为 FAILED。
func (s *Store) FailPayment(_ context.Context, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return storage.ErrPaymentNotFound
	}
	if p.Status == domain.PaymentStatusSettled {
		return storage.ErrConflict
	}
	p.Status = domain.PaymentStatusFailed
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ListExpiredPayments 返回已过期但仍处于 PENDING 的支付要求。
func (s *Store) ListExpiredPayments(_ context.Context, now time.Time, limit int) ([]domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Payment
	for _, p := range s.payments {
		if p.Status != domain.PaymentStatusPending || !p.IsExpired(now) {
			continue
		}
		out = append(out, *p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ========== Idempotency Repository ==========

// ReserveIdempotencyKey 原子 check-and-set：键已存在时返回首个 Message。
func (s *Store) ReserveIdempotencyKey(_ context.Context, record *domain.IdempotencyRecord, message *domain.Message) (*domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.idemKeys[record.Key]; ok && existing.ExpiresAt.After(time.Now()) {
		m, found := s.messages[existing.MessageID]
		if !found {
			return nil, false, storage.ErrMessageNotFound
		}
		clone := *m
		return &clone, false, nil
	}

	recClone := *record
	msgClone := *message
	s.idemKeys[record.Key] = &recClone
	s.messages[message.ID] = &msgClone

	out := msgClone
	return &out, true, nil
}

// DeleteExpiredIdempotencyRecords 清理保留窗口外的幂等记录。
func (s *Store) DeleteExpiredIdempotencyRecords(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, rec := range s.idemKeys {
		if rec.ExpiresAt.Before(before) {
			delete(s.idemKeys, key)
			count++
		}
	}
	return count, nil
}

// ========== Delivery Attempt Repository ==========

// RecordDeliveryAttempt 追加一条投递尝试记录。
func (s *Store) RecordDeliveryAttempt(_ context.Context, attempt *domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *attempt
	s.attempts[attempt.MessageID] = append(s.attempts[attempt.MessageID], &clone)
	return nil
}

// ListDeliveryAttempts 返回消息的全部投递尝试（按次序）。
func (s *Store) ListDeliveryAttempts(_ context.Context, messageID string) ([]domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.attempts[messageID]
	out := make([]domain.DeliveryAttempt, 0, len(list))
	for _, a := range list {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

// Close 关闭存储（内存实现为空操作）。
func (s *Store) Close() error { return nil }

// Health 存储健康检查（内存实现恒为健康）。
func (s *Store) Health() error { return nil }
