package httptransport

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/monitoring"
	"sinmail/backend/internal/service"
	"sinmail/backend/internal/storage"
	"sinmail/backend/internal/websocket"
)

// PublicHandler 处理无需认证的公开端点：
// 投递预检、消息提交、结算回调与资源查询。
type PublicHandler struct {
	messages  *service.MessageService
	preflight *service.PreflightService
	payments  *service.PaymentService
	hub       *websocket.Hub      // 可为 nil
	metrics   *monitoring.Metrics // 可为 nil
	log       *zap.Logger
}

// NewPublicHandler 创建公开端点处理器
func NewPublicHandler(
	messages *service.MessageService,
	preflight *service.PreflightService,
	payments *service.PaymentService,
	hub *websocket.Hub,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *PublicHandler {
	return &PublicHandler{
		messages:  messages,
		preflight: preflight,
		payments:  payments,
		hub:       hub,
		metrics:   metrics,
		log:       log,
	}
}

type preflightRequest struct {
	RecipientSlug string `json:"recipientSlug" binding:"required"`
	SenderEmail   string `json:"senderEmail"` // 可为空（匿名探测）
}

// Preflight 查询向某收件人投递的条件
//
// 只读操作，不创建任何记录：返回是否需要付费以及报价。
// 发件方客户端应在正式提交前调用，避免盲目触发 402。
func (h *PublicHandler) Preflight(c *gin.Context) {
	var req preflightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	result, err := h.preflight.Evaluate(c.Request.Context(), strings.TrimSpace(req.RecipientSlug), strings.TrimSpace(req.SenderEmail))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRecipientNotFound):
			NotFound(c, GetErrorMessage(err))
		case errors.Is(err, service.ErrRecipientInactive):
			Forbidden(c, GetErrorMessage(err))
		default:
			h.log.Error("preflight evaluation failed", zap.Error(err))
			InternalError(c, MsgPreflightFailed)
		}
		return
	}

	Success(c, result)
}

// GetRecipientInfo 查询收件人公开信息（提交表单展示用）
func (h *PublicHandler) GetRecipientInfo(c *gin.Context) {
	info, err := h.preflight.Describe(c.Request.Context(), c.Param("slug"))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRecipientNotFound):
			NotFound(c, GetErrorMessage(err))
		case errors.Is(err, service.ErrRecipientInactive):
			Forbidden(c, GetErrorMessage(err))
		default:
			h.log.Error("failed to describe recipient", zap.Error(err))
			InternalError(c, MsgRecipientGetFailed)
		}
		return
	}

	Success(c, info)
}

type submitMessageRequest struct {
	RecipientSlug  string `json:"recipientSlug" binding:"required"`
	SenderEmail    string `json:"senderEmail"`
	Subject        string `json:"subject" binding:"required"`
	Body           string `json:"body" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey"` // Idempotency-Key 请求头的替代形式
	PaymentPayload string `json:"paymentPayload"` // X-Payment 请求头的替代形式
}

// SubmitMessage 提交一条消息
//
// 请求头：
//   - Idempotency-Key: 显式幂等键（可选，缺省按内容派生）
//   - X-Payment: x402 支付凭证（可选，随挑战重试时携带）
//
// 发件人在免付费名单内或凭证结算成功时返回 202 进入投递队列，
// 否则返回 402 与支付挑战，消息保持 PENDING 等待结算。
func (h *PublicHandler) SubmitMessage(c *gin.Context) {
	var req submitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	// 请求头优先，请求体字段作为替代形式
	paymentHeader := c.GetHeader("X-Payment")
	if paymentHeader == "" {
		paymentHeader = req.PaymentPayload
	}
	idemKey := c.GetHeader("Idempotency-Key")
	if idemKey == "" {
		idemKey = req.IdempotencyKey
	}

	result, err := h.messages.Submit(c.Request.Context(), service.SubmitInput{
		RecipientSlug:  strings.TrimSpace(req.RecipientSlug),
		SenderEmail:    strings.TrimSpace(req.SenderEmail),
		Subject:        req.Subject,
		Body:           req.Body,
		IdempotencyKey: idemKey,
		PaymentHeader:  paymentHeader,
	})

	if err != nil {
		h.writeSubmitError(c, err)
		return
	}

	if h.metrics != nil {
		h.metrics.MessagesSubmitted.Inc()
		if result.Replayed {
			h.metrics.MessagesReplayed.Inc()
		}
	}

	if result.RequiresPayment {
		if h.metrics != nil && !result.Replayed {
			h.metrics.PaymentsIssued.Inc()
		}
		PaymentChallenge(c, result.Requirement)
		return
	}

	h.notifyAccepted(result)

	Accepted(c, result.Message)
}

// GetMessage 查询消息状态
//
// 这是支付要求中的 resource URL：消息仍为 PENDING 时返回 402
// 与当前挑战，携带 X-Payment 重试可在此端点完成结算。
func (h *PublicHandler) GetMessage(c *gin.Context) {
	id := c.Param("id")

	message, err := h.messages.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, MsgMessageNotFound)
			return
		}
		h.log.Error("failed to load message", zap.String("message_id", id), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	if message.Status != domain.MessageStatusPending {
		Success(c, message)
		return
	}

	recipient, err := h.messages.Recipient(c.Request.Context(), message.RecipientID)
	if err != nil {
		h.log.Error("failed to load recipient", zap.String("message_id", id), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	payment, err := h.payments.IssueRequirement(c.Request.Context(), recipient, message)
	if err != nil {
		h.log.Error("failed to issue payment requirement", zap.String("message_id", id), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	// 带凭证重试：在资源端点完成结算
	if header := c.GetHeader("X-Payment"); header != "" {
		err := h.payments.Redeem(c.Request.Context(), payment, header)
		switch {
		case err == nil, errors.Is(err, storage.ErrConflict):
			settled, getErr := h.messages.Get(c.Request.Context(), id)
			if getErr != nil {
				InternalError(c, MsgInternalError)
				return
			}
			// ErrConflict 表示 webhook 抢先落账，由回调侧计数
			if h.metrics != nil && err == nil {
				h.metrics.PaymentsSettled.Inc()
			}
			Success(c, settled)
			return
		case errors.Is(err, service.ErrPaymentInvalid), errors.Is(err, service.ErrPaymentExpired):
			if h.metrics != nil {
				h.metrics.RecordPaymentRejected("invalid_payload")
			}
			PaymentChallenge(c, h.payments.PaymentRequired(payment, message.RecipientSlug, GetErrorMessage(err)))
			return
		default:
			h.log.Error("failed to redeem payment", zap.String("message_id", id), zap.Error(err))
			InternalError(c, MsgInternalError)
			return
		}
	}

	PaymentChallenge(c, h.payments.PaymentRequired(payment, message.RecipientSlug, "X-Payment header is required"))
}

// SettlementWebhook 处理 facilitator 的结算回调
//
// 回调必须携带 X-Webhook-Signature（HMAC-SHA256）。重复回调
// 是幂等的：已结算的支付返回 200 而不是错误。
func (h *PublicHandler) SettlementWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		BadRequest(c, MsgWebhookBodyReadFail)
		return
	}

	signature := c.GetHeader("X-Webhook-Signature")

	start := time.Now()
	replayed, err := h.payments.HandleSettlementWebhook(c.Request.Context(), body, signature)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidWebhookSignature):
			Unauthorized(c, GetErrorMessage(err))
		case errors.Is(err, storage.ErrPaymentNotFound):
			NotFound(c, GetErrorMessage(err))
		case errors.Is(err, storage.ErrDuplicateTransaction):
			Conflict(c, GetErrorMessage(err))
		default:
			h.log.Error("settlement webhook failed", zap.Error(err))
			InternalError(c, MsgWebhookInvalid)
		}
		return
	}

	if h.metrics != nil {
		if replayed {
			h.metrics.WebhookReplaysTotal.Inc()
		} else {
			h.metrics.PaymentsSettled.Inc()
			h.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
		}
	}

	Success(c, nil)
}

// writeSubmitError 将提交错误映射为HTTP响应
func (h *PublicHandler) writeSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrSubjectRequired),
		errors.Is(err, domain.ErrSubjectTooLong),
		errors.Is(err, domain.ErrBodyRequired),
		errors.Is(err, domain.ErrBodyTooLong),
		errors.Is(err, domain.ErrInvalidEmail):
		BadRequest(c, GetErrorMessage(err))
	case errors.Is(err, storage.ErrRecipientNotFound):
		NotFound(c, GetErrorMessage(err))
	case errors.Is(err, service.ErrRecipientInactive):
		Forbidden(c, GetErrorMessage(err))
	case errors.Is(err, service.ErrPaymentInvalid),
		errors.Is(err, service.ErrPaymentExpired):
		UnprocessableEntity(c, GetErrorMessage(err))
	case errors.Is(err, service.ErrSettlementFailed):
		UnprocessableEntity(c, GetErrorMessage(err))
	default:
		h.log.Error("message submission failed", zap.Error(err))
		InternalError(c, MsgMessageSubmitFailed)
	}
}

// notifyAccepted 推送消息受理事件（免付费路径和即付路径）
func (h *PublicHandler) notifyAccepted(result *service.SubmitResult) {
	if result.Replayed {
		return
	}

	if h.metrics != nil {
		switch result.Message.Status {
		case domain.MessageStatusFree:
			h.metrics.MessagesFree.Inc()
		case domain.MessageStatusPaid:
			h.metrics.MessagesPaid.Inc()
			h.metrics.PaymentsSettled.Inc()
		}
	}

	if h.hub != nil {
		h.hub.NotifyMessageEvent(result.Message.RecipientID, websocket.EventMessageAccepted, result.Message)
	}
}
