package httptransport

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/service"
	"sinmail/backend/internal/storage"
)

// RecipientHandler 处理收件人自助端点（JWT认证后）
type RecipientHandler struct {
	recipients storage.RecipientRepository
	allowlist  *service.AllowlistService
	messages   *service.MessageService
	log        *zap.Logger
}

// NewRecipientHandler 创建收件人处理器
func NewRecipientHandler(
	recipients storage.RecipientRepository,
	allowlist *service.AllowlistService,
	messages *service.MessageService,
	log *zap.Logger,
) *RecipientHandler {
	return &RecipientHandler{
		recipients: recipients,
		allowlist:  allowlist,
		messages:   messages,
		log:        log,
	}
}

// currentRecipientID 从JWT上下文取出收件人ID
func currentRecipientID(c *gin.Context) (string, bool) {
	recipientID, exists := c.Get("recipientID")
	if !exists {
		Unauthorized(c, MsgAuthRequired)
		return "", false
	}
	return recipientID.(string), true
}

// GetProfile 获取当前账户信息
func (h *RecipientHandler) GetProfile(c *gin.Context) {
	recipientID, ok := currentRecipientID(c)
	if !ok {
		return
	}

	recipient, err := h.recipients.GetRecipient(c.Request.Context(), recipientID)
	if err != nil {
		if errors.Is(err, storage.ErrRecipientNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.log.Error("failed to load recipient", zap.Error(err))
		InternalError(c, MsgRecipientGetFailed)
		return
	}

	Success(c, recipient)
}

type updateProfileRequest struct {
	WalletAddress   *string `json:"walletAddress"`
	DefaultPriceUSD *string `json:"defaultPriceUsd"`
	IsActive        *bool   `json:"isActive"`
}

// UpdateProfile 更新账户信息
//
// 可更新收款钱包、默认报价和启用状态；slug 入驻后不可更改。
// 停用（isActive=false）立即让收件链接返回 403，已入队消息不受影响。
func (h *RecipientHandler) UpdateProfile(c *gin.Context) {
	recipientID, ok := currentRecipientID(c)
	if !ok {
		return
	}

	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	recipient, err := h.recipients.GetRecipient(c.Request.Context(), recipientID)
	if err != nil {
		if errors.Is(err, storage.ErrRecipientNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.log.Error("failed to load recipient", zap.Error(err))
		InternalError(c, MsgRecipientUpdateFailed)
		return
	}

	if req.WalletAddress != nil {
		address := strings.TrimSpace(*req.WalletAddress)
		if err := domain.ValidateWalletAddress(address); err != nil {
			BadRequest(c, GetErrorMessage(err))
			return
		}
		recipient.WalletAddress = address
	}

	if req.DefaultPriceUSD != nil {
		if err := domain.ValidatePriceUSD(*req.DefaultPriceUSD); err != nil {
			BadRequest(c, GetErrorMessage(err))
			return
		}
		recipient.DefaultPriceUSD = *req.DefaultPriceUSD
	}

	if req.IsActive != nil {
		recipient.IsActive = *req.IsActive
	}

	if err := h.recipients.UpdateRecipient(c.Request.Context(), recipient); err != nil {
		h.log.Error("failed to update recipient", zap.Error(err))
		InternalError(c, MsgRecipientUpdateFailed)
		return
	}

	h.log.Info("recipient updated",
		zap.String("recipient_id", recipient.ID),
		zap.Bool("is_active", recipient.IsActive),
	)

	Success(c, recipient)
}

type addAllowlistRequest struct {
	Kind  string `json:"kind" binding:"required"`  // EMAIL 或 DOMAIN
	Value string `json:"value" binding:"required"` // 邮箱地址或域名
}

// AddAllowlistEntry 添加免付费名单条目
func (h *RecipientHandler) AddAllowlistEntry(c *gin.Context) {
	recipientID, ok := currentRecipientID(c)
	if !ok {
		return
	}

	var req addAllowlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	entry, err := h.allowlist.AddEntry(c.Request.Context(), service.AddEntryInput{
		RecipientID: recipientID,
		Kind:        domain.AllowlistKind(strings.ToUpper(strings.TrimSpace(req.Kind))),
		Value:       req.Value,
	})

	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidEmail),
			errors.Is(err, domain.ErrInvalidDomain),
			errors.Is(err, domain.ErrInvalidAllowlistKind):
			BadRequest(c, GetErrorMessage(err))
		case errors.Is(err, storage.ErrAllowlistEntryExists):
			Conflict(c, GetErrorMessage(err))
		default:
			h.log.Error("failed to add allowlist entry", zap.Error(err))
			InternalError(c, MsgAllowlistAddFailed)
		}
		return
	}

	Created(c, entry)
}

// ListAllowlistEntries 获取免付费名单
func (h *RecipientHandler) ListAllowlistEntries(c *gin.Context) {
	recipientID, ok := currentRecipientID(c)
	if !ok {
		return
	}

	entries, err := h.allowlist.ListEntries(c.Request.Context(), recipientID)
	if err != nil {
		h.log.Error("failed to list allowlist entries", zap.Error(err))
		InternalError(c, MsgAllowlistListFailed)
		return
	}

	Success(c, entries)
}

// RemoveAllowlistEntry 删除免付费名单条目
//
// 删除不具追溯性：已按名单放行的消息保持 FREE。
func (h *RecipientHandler) RemoveAllowlistEntry(c *gin.Context) {
	recipientID, ok := currentRecipientID(c)
	if !ok {
		return
	}

	err := h.allowlist.RemoveEntry(c.Request.Context(), recipientID, c.Param("entryId"))
	if err != nil {
		if errors.Is(err, storage.ErrAllowlistEntryNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.log.Error("failed to remove allowlist entry", zap.Error(err))
		InternalError(c, MsgAllowlistRemoveFailed)
		return
	}

	NoContent(c)
}

// ListMessages 获取当前收件人的消息列表
func (h *RecipientHandler) ListMessages(c *gin.Context) {
	recipientID, ok := currentRecipientID(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
		limit = parsed
	}

	messages, err := h.messages.ListForRecipient(c.Request.Context(), recipientID, limit)
	if err != nil {
		h.log.Error("failed to list messages", zap.Error(err))
		InternalError(c, MsgMessageListFailed)
		return
	}

	Success(c, messages)
}

// ListDeliveryAttempts 获取某条消息的投递尝试历史
func (h *RecipientHandler) ListDeliveryAttempts(c *gin.Context) {
	recipientID, ok := currentRecipientID(c)
	if !ok {
		return
	}

	messageID := c.Param("id")

	message, err := h.messages.Get(c.Request.Context(), messageID)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, MsgMessageNotFound)
			return
		}
		h.log.Error("failed to load message", zap.Error(err))
		InternalError(c, MsgAttemptsListFailed)
		return
	}

	// 只能查看自己的消息
	if message.RecipientID != recipientID {
		Forbidden(c, MsgPermissionDenied)
		return
	}

	attempts, err := h.messages.Attempts(c.Request.Context(), messageID)
	if err != nil {
		h.log.Error("failed to list delivery attempts", zap.Error(err))
		InternalError(c, MsgAttemptsListFailed)
		return
	}

	Success(c, attempts)
}
