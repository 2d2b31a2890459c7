package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sinmail/backend/internal/config"
	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage"
	"sinmail/backend/internal/x402"
)

// SubmitInput 定义消息提交所需的输入。
type SubmitInput struct {
	RecipientSlug  string
	SenderEmail    string // 可为空（匿名提交）
	Subject        string
	Body           string
	IdempotencyKey string // 客户端显式幂等键，留空则按内容派生
	PaymentHeader  string // X-Payment 请求头原文，可为空
}

// SubmitResult 消息提交的结果。
//
// RequiresPayment 为 true 时 Message 处于 PENDING，
// Requirement 携带应答给发件人的 402 载荷。
type SubmitResult struct {
	Message         *domain.Message
	RequiresPayment bool
	Requirement     *x402.PaymentRequiredResponse
	Replayed        bool // 命中幂等账本，返回的是先前的消息
}

// MessageService 实现消息提交流水线：
// 校验 → 幂等保留 → 名单判定 → 支付门控。
type MessageService struct {
	store    storage.Store
	payments *PaymentService
	idemCfg  *config.IdempotencyConfig
	log      *zap.Logger
}

// NewMessageService 创建消息服务。
func NewMessageService(store storage.Store, payments *PaymentService, idemCfg *config.IdempotencyConfig, log *zap.Logger) *MessageService {
	return &MessageService{
		store:    store,
		payments: payments,
		idemCfg:  idemCfg,
		log:      log,
	}
}

// Submit 处理一次消息提交。
//
// 幂等语义：同一幂等键的重复提交返回首次创建的消息，不产生新
// 记录；若该消息仍在等待支付且本次携带了支付证明，会继续走结算。
func (s *MessageService) Submit(ctx context.Context, input SubmitInput) (*SubmitResult, error) {
	subject := strings.TrimSpace(input.Subject)
	body := input.Body
	if err := domain.ValidateSubject(subject); err != nil {
		return nil, err
	}
	if err := domain.ValidateBody(body); err != nil {
		return nil, err
	}

	sender := domain.NormalizeEmail(input.SenderEmail)
	if sender != "" {
		if err := domain.ValidateEmail(sender); err != nil {
			return nil, err
		}
	}

	recipient, err := s.store.GetRecipientBySlug(ctx, strings.ToLower(strings.TrimSpace(input.RecipientSlug)))
	if err != nil {
		return nil, err
	}
	if !recipient.IsActive {
		return nil, ErrRecipientInactive
	}

	now := time.Now().UTC()
	idemKey := strings.TrimSpace(input.IdempotencyKey)
	if idemKey == "" {
		idemKey = domain.DeriveIdempotencyKey(recipient.Slug, sender, subject, body, now, s.idemCfg.Bucket)
	}

	message := &domain.Message{
		ID:             uuid.New().String(),
		RecipientID:    recipient.ID,
		RecipientSlug:  recipient.Slug,
		Subject:        subject,
		Body:           body,
		Status:         domain.MessageStatusPending,
		IdempotencyKey: idemKey,
		CreatedAt:      now,
	}
	if sender != "" {
		message.SenderEmail = &sender
	}

	record := &domain.IdempotencyRecord{
		Key:       idemKey,
		MessageID: message.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.idemCfg.Retention),
	}

	stored, created, err := s.store.ReserveIdempotencyKey(ctx, record, message)
	if err != nil {
		return nil, err
	}

	if !created {
		// 重复提交：不创建新记录，按当前状态应答
		return s.resolve(ctx, recipient, stored, input.PaymentHeader, true)
	}

	s.log.Info("message accepted",
		zap.String("message_id", stored.ID),
		zap.String("recipient", recipient.Slug),
		zap.String("sender", stored.SenderOrAnonymous()),
	)

	// 名单判定发生在消息落库之后，结论固化为状态
	entries, err := s.store.ListAllowlistEntries(ctx, recipient.ID)
	if err != nil {
		return nil, err
	}
	if MatchAllowlist(entries, sender) {
		if err := s.store.TransitionMessage(ctx, stored.ID, domain.MessageStatusPending, domain.MessageStatusFree); err != nil {
			return nil, err
		}
		stored.Status = domain.MessageStatusFree
		return &SubmitResult{Message: stored}, nil
	}

	return s.resolve(ctx, recipient, stored, input.PaymentHeader, false)
}

// resolve 对处于支付门控中的消息决定应答：尝试结算或返回 402。
func (s *MessageService) resolve(ctx context.Context, recipient *domain.Recipient, message *domain.Message, paymentHeader string, replayed bool) (*SubmitResult, error) {
	result := &SubmitResult{Message: message, Replayed: replayed}

	// 已离开支付门控的消息直接返回当前状态
	if message.Status != domain.MessageStatusPending {
		return result, nil
	}

	// 重放仍在门控中的消息时重新判定名单：
	// 首次提交后补录的名单条目应当放行后续重试
	if replayed {
		entries, err := s.store.ListAllowlistEntries(ctx, recipient.ID)
		if err != nil {
			return nil, err
		}
		sender := ""
		if message.SenderEmail != nil {
			sender = *message.SenderEmail
		}
		if MatchAllowlist(entries, sender) {
			err := s.store.TransitionMessage(ctx, message.ID, domain.MessageStatusPending, domain.MessageStatusFree)
			if err != nil && !errors.Is(err, storage.ErrConflict) {
				return nil, err
			}
			message.Status = domain.MessageStatusFree
			return result, nil
		}
	}

	payment, err := s.payments.IssueRequirement(ctx, recipient, message)
	if err != nil {
		return nil, err
	}

	if paymentHeader != "" {
		err := s.payments.Redeem(ctx, payment, paymentHeader)
		switch {
		case err == nil:
			message.Status = domain.MessageStatusPaid
			return result, nil
		case errors.Is(err, storage.ErrConflict):
			// 并发结算抢先完成，重读当前状态
			fresh, readErr := s.store.GetMessage(ctx, message.ID)
			if readErr != nil {
				return nil, readErr
			}
			result.Message = fresh
			return result, nil
		default:
			return nil, err
		}
	}

	result.RequiresPayment = true
	result.Requirement = s.payments.PaymentRequired(payment, recipient.Slug, "X-Payment header is required")
	return result, nil
}

// Get 获取单条消息。
func (s *MessageService) Get(ctx context.Context, id string) (*domain.Message, error) {
	return s.store.GetMessage(ctx, id)
}

// Recipient 获取消息所属的收件人。
func (s *MessageService) Recipient(ctx context.Context, recipientID string) (*domain.Recipient, error) {
	return s.store.GetRecipient(ctx, recipientID)
}

// ListForRecipient 返回收件人的消息列表。
func (s *MessageService) ListForRecipient(ctx context.Context, recipientID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.store.ListMessagesByRecipient(ctx, recipientID, limit)
}

// Attempts 返回消息的投递尝试历史。
func (s *MessageService) Attempts(ctx context.Context, messageID string) ([]domain.DeliveryAttempt, error) {
	return s.store.ListDeliveryAttempts(ctx, messageID)
}

// CleanupIdempotencyRecords 清理保留窗口外的幂等记录。
func (s *MessageService) CleanupIdempotencyRecords(ctx context.Context) (int, error) {
	return s.store.DeleteExpiredIdempotencyRecords(ctx, time.Now().UTC())
}
