package httptransport

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sinmail/backend/internal/auth"
	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage"
)

// AuthHandler 处理认证相关的 HTTP 请求
type AuthHandler struct {
	authService *auth.Service // 认证业务服务
	log         *zap.Logger   // 结构化日志记录器
}

// NewAuthHandler 创建新的认证处理器实例
func NewAuthHandler(authService *auth.Service, log *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		log:         log,
	}
}

type registerRequest struct {
	Slug            string `json:"slug" binding:"required"`
	Email           string `json:"email" binding:"required"`
	Password        string `json:"password" binding:"required"`
	WalletAddress   string `json:"walletAddress" binding:"required"`
	DefaultPriceUSD string `json:"defaultPriceUsd"`
}

type loginRequest struct {
	Identifier string `json:"identifier" binding:"required"` // slug 或邮箱
	Password   string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

// Register 处理收件人注册请求
//
// 注册成功即开通收件链接 /v1/messages（slug 入驻后不可更改），
// 返回账户信息和认证令牌。
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	resp, err := h.authService.Register(c.Request.Context(), auth.RegisterInput{
		Slug:            strings.TrimSpace(req.Slug),
		Email:           strings.TrimSpace(req.Email),
		Password:        req.Password,
		WalletAddress:   strings.TrimSpace(req.WalletAddress),
		DefaultPriceUSD: req.DefaultPriceUSD,
	})

	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSlug),
			errors.Is(err, domain.ErrInvalidEmail),
			errors.Is(err, domain.ErrInvalidWalletAddress),
			errors.Is(err, domain.ErrInvalidPrice),
			errors.Is(err, auth.ErrInvalidPassword):
			BadRequest(c, GetErrorMessage(err))
		case errors.Is(err, storage.ErrSlugTaken),
			errors.Is(err, storage.ErrEmailTaken):
			Conflict(c, GetErrorMessage(err))
		default:
			h.log.Error("failed to register recipient", zap.Error(err))
			InternalError(c, "注册失败，请稍后重试")
		}
		return
	}

	h.log.Info("recipient registered",
		zap.String("recipient_id", resp.Recipient.ID),
		zap.String("slug", resp.Recipient.Slug),
	)

	Created(c, resp)
}

// Login 处理收件人登录请求
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	resp, err := h.authService.Login(c.Request.Context(), strings.TrimSpace(req.Identifier), req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			Unauthorized(c, MsgInvalidCredentials)
		case errors.Is(err, auth.ErrRecipientInactive):
			Forbidden(c, "账户已被停用")
		default:
			h.log.Error("failed to login", zap.Error(err))
			InternalError(c, "登录失败，请稍后重试")
		}
		return
	}

	Success(c, resp)
}

// Refresh 使用刷新令牌换取新的访问令牌
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	accessToken, err := h.authService.Refresh(req.RefreshToken)
	if err != nil {
		Unauthorized(c, MsgTokenInvalid)
		return
	}

	Success(c, gin.H{
		"accessToken": accessToken,
		"tokenType":   "Bearer",
	})
}

// ChangePassword 修改登录密码
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	recipientID, exists := c.Get("recipientID")
	if !exists {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	err := h.authService.ChangePassword(c.Request.Context(), recipientID.(string), req.OldPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			Unauthorized(c, "原密码错误")
		case errors.Is(err, auth.ErrInvalidPassword):
			BadRequest(c, err.Error())
		default:
			h.log.Error("failed to change password", zap.Error(err))
			InternalError(c, "修改密码失败，请稍后重试")
		}
		return
	}

	SuccessWithMsg(c, "密码已更新", nil)
}
