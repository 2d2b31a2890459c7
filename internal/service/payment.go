package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sinmail/backend/internal/config"
	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage"
	"sinmail/backend/internal/x402"
)

var (
	// ErrPaymentRequired 消息需要支付，响应里携带支付要求。
	ErrPaymentRequired = errors.New("payment required")
	// ErrPaymentInvalid 支付证明无效（方案、网络、金额或签名不符）。
	ErrPaymentInvalid = errors.New("payment invalid")
	// ErrPaymentExpired 支付要求已过期，需重新提交获取新要求。
	ErrPaymentExpired = errors.New("payment requirement expired")
	// ErrSettlementFailed 结算设施确认失败。
	ErrSettlementFailed = errors.New("settlement failed")
	// ErrInvalidWebhookSignature 清算回调签名校验失败。
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
)

// PaymentService 负责支付要求的签发、核验与结算。
type PaymentService struct {
	store       storage.Store
	facilitator x402.Facilitator
	cfg         *config.PaymentConfig
	log         *zap.Logger
}

// NewPaymentService 创建支付服务。
func NewPaymentService(store storage.Store, facilitator x402.Facilitator, cfg *config.PaymentConfig, log *zap.Logger) *PaymentService {
	return &PaymentService{
		store:       store,
		facilitator: facilitator,
		cfg:         cfg,
		log:         log,
	}
}

// IssueRequirement 为消息签发支付要求。
//
// Resource 绑定消息 ID，金额按收件人当期价格换算成资产原子单位，
// 同一消息重复提交时复用未过期的要求，保证 402 响应稳定。
func (s *PaymentService) IssueRequirement(ctx context.Context, recipient *domain.Recipient, message *domain.Message) (*domain.Payment, error) {
	now := time.Now().UTC()

	if existing, err := s.store.GetOutstandingPayment(ctx, message.ID); err == nil {
		if existing.Status == domain.PaymentStatusPending && !existing.IsExpired(now) {
			return existing, nil
		}
		if existing.Status == domain.PaymentStatusPending {
			// 旧要求已过期，置为 FAILED 后重新签发
			if err := s.store.FailPayment(ctx, existing.ID); err != nil && !errors.Is(err, storage.ErrConflict) {
				return nil, err
			}
		}
	} else if !errors.Is(err, storage.ErrPaymentNotFound) {
		return nil, err
	}

	atomic, err := x402.USDToAtomic(recipient.DefaultPriceUSD, s.cfg.AssetDecimals)
	if err != nil {
		return nil, fmt.Errorf("failed to convert price: %w", err)
	}

	payment := &domain.Payment{
		ID:             uuid.New().String(),
		MessageID:      message.ID,
		Resource:       s.resourceURL(message.ID),
		Status:         domain.PaymentStatusPending,
		AmountUSD:      recipient.DefaultPriceUSD,
		AmountAtomic:   atomic,
		Network:        s.cfg.Network,
		Asset:          s.cfg.Asset,
		PayTo:          recipient.WalletAddress,
		IdempotencyKey: message.IdempotencyKey,
		ExpiresAt:      now.Add(s.cfg.RequirementTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.CreatePayment(ctx, payment); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// 并发签发抢先落库，收敛到已存在的要求
			if existing, readErr := s.store.GetOutstandingPayment(ctx, message.ID); readErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return payment, nil
}

// Requirements 把支付记录展开成协议层的支付要求。
func (s *PaymentService) Requirements(payment *domain.Payment, recipientSlug string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           payment.Network,
		MaxAmountRequired: payment.AmountAtomic,
		Resource:          payment.Resource,
		Description:       fmt.Sprintf("Deliver a message to %s's inbox", recipientSlug),
		MimeType:          "application/json",
		PayTo:             payment.PayTo,
		MaxTimeoutSeconds: s.cfg.MaxTimeoutSeconds,
		Asset:             payment.Asset,
	}
}

// PaymentRequired 构造 402 响应载荷。
func (s *PaymentService) PaymentRequired(payment *domain.Payment, recipientSlug, reason string) *x402.PaymentRequiredResponse {
	return &x402.PaymentRequiredResponse{
		X402Version: x402.Version,
		Error:       reason,
		Accepts:     []x402.PaymentRequirements{s.Requirements(payment, recipientSlug)},
	}
}

// Redeem 核验并结算 X-Payment 请求头携带的支付证明。
//
// 顺序：本地校验（方案/网络/金额/收款人）→ 结算设施 verify →
// 结算设施 settle → 存储层原子落账。落账处的唯一约束与条件更新
// 保证同一支付只会成功一次，交易引用也不能跨消息复用。
func (s *PaymentService) Redeem(ctx context.Context, payment *domain.Payment, header string) error {
	now := time.Now().UTC()
	if payment.IsExpired(now) {
		return ErrPaymentExpired
	}
	if payment.Status != domain.PaymentStatusPending {
		return storage.ErrConflict
	}

	payload, err := x402.DecodePaymentPayload(header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentInvalid, err)
	}

	if err := s.validatePayload(payload, payment); err != nil {
		return err
	}

	requirements := s.Requirements(payment, "")

	verify, err := s.facilitator.Verify(ctx, payload, &requirements)
	if err != nil {
		return fmt.Errorf("facilitator verify: %w", err)
	}
	if !verify.IsValid {
		return fmt.Errorf("%w: %s", ErrPaymentInvalid, verify.InvalidReason)
	}

	settle, err := s.facilitator.Settle(ctx, payload, &requirements)
	if err != nil {
		return fmt.Errorf("facilitator settle: %w", err)
	}
	if !settle.Success {
		return fmt.Errorf("%w: %s", ErrSettlementFailed, settle.ErrorReason)
	}

	payer := settle.Payer
	if payer == "" {
		payer = verify.Payer
	}

	if err := s.store.SettlePayment(ctx, payment.ID, settle.Transaction, payer, time.Now().UTC()); err != nil {
		return err
	}

	s.log.Info("payment settled",
		zap.String("payment_id", payment.ID),
		zap.String("message_id", payment.MessageID),
		zap.String("transaction", settle.Transaction),
		zap.String("payer", payer),
	)
	return nil
}

// validatePayload 对支付证明做结算前的本地校验。
func (s *PaymentService) validatePayload(payload *x402.PaymentPayload, payment *domain.Payment) error {
	if payload.X402Version != x402.Version {
		return fmt.Errorf("%w: unsupported version %d", ErrPaymentInvalid, payload.X402Version)
	}
	if payload.Scheme != x402.SchemeExact {
		return fmt.Errorf("%w: unsupported scheme %q", ErrPaymentInvalid, payload.Scheme)
	}
	if payload.Network != payment.Network {
		return fmt.Errorf("%w: network mismatch", ErrPaymentInvalid)
	}
	if payload.Resource != "" && payload.Resource != payment.Resource {
		return fmt.Errorf("%w: resource mismatch", ErrPaymentInvalid)
	}
	if payload.Payload == nil || payload.Payload.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrPaymentInvalid)
	}

	auth := payload.Payload.Authorization
	if auth == nil {
		return fmt.Errorf("%w: missing authorization", ErrPaymentInvalid)
	}
	if !strings.EqualFold(auth.To, payment.PayTo) {
		return fmt.Errorf("%w: pay-to mismatch", ErrPaymentInvalid)
	}
	if !x402.AtomicValid(auth.Value) {
		return fmt.Errorf("%w: malformed amount %q", ErrPaymentInvalid, auth.Value)
	}
	if x402.AtomicLess(auth.Value, payment.AmountAtomic) {
		return fmt.Errorf("%w: insufficient amount", ErrPaymentInvalid)
	}
	return nil
}

// SettlementEvent 清算回调的载荷。
type SettlementEvent struct {
	Resource        string `json:"resource"`
	TransactionHash string `json:"transactionHash"`
	PayerAddress    string `json:"payerAddress"`
}

// HandleSettlementWebhook 处理清算设施的异步结算回调。
//
// 回调与同步结算走同一条存储路径，竞争双方最多一个成功，
// 重复回调拿到 ErrConflict 按幂等成功处理，返回值标记是否为重放。
func (s *PaymentService) HandleSettlementWebhook(ctx context.Context, body []byte, signature string) (bool, error) {
	if !s.verifySignature(body, signature) {
		return false, ErrInvalidWebhookSignature
	}

	var event SettlementEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPaymentInvalid, err)
	}
	if event.Resource == "" || event.TransactionHash == "" {
		return false, fmt.Errorf("%w: missing resource or transaction hash", ErrPaymentInvalid)
	}

	payment, err := s.store.GetPaymentByResource(ctx, event.Resource)
	if err != nil {
		return false, err
	}

	err = s.store.SettlePayment(ctx, payment.ID, event.TransactionHash, event.PayerAddress, time.Now().UTC())
	if errors.Is(err, storage.ErrConflict) {
		// 已经结算过：重复回调视为幂等成功
		s.log.Debug("settlement webhook replay ignored", zap.String("payment_id", payment.ID))
		return true, nil
	}
	return false, err
}

// verifySignature 校验回调的 HMAC-SHA256 签名（格式 "sha256=<hex>"）。
func (s *PaymentService) verifySignature(body []byte, signature string) bool {
	if s.cfg.WebhookSecret == "" {
		return false
	}
	h := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	h.Write(body)
	expected := "sha256=" + hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ExpireOutstanding 将过期的 PENDING 支付要求置为 FAILED。
//
// 对应的消息留在 PENDING，发件人重新提交会拿到新的支付要求。
func (s *PaymentService) ExpireOutstanding(ctx context.Context) (int, error) {
	payments, err := s.store.ListExpiredPayments(ctx, time.Now().UTC(), 100)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, p := range payments {
		if err := s.store.FailPayment(ctx, p.ID); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue // 扫描和结算赛跑，结算赢了
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// resourceURL 构造资源标识。
func (s *PaymentService) resourceURL(messageID string) string {
	return fmt.Sprintf("%s/v1/messages/%s", s.cfg.ResourceBaseURL, messageID)
}
