// Package auth 提供收件人后台的注册、登录与令牌管理。
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"sinmail/backend/internal/auth/jwt"
	"sinmail/backend/internal/config"
	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage"
)

var (
	// ErrInvalidPassword 无效的密码
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidCredentials 凭证无效
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRecipientInactive 收件人已停用
	ErrRecipientInactive = errors.New("recipient is inactive")
)

// Service 认证服务
type Service struct {
	recipients storage.RecipientRepository
	jwt        *jwt.Manager
}

// NewService 创建认证服务
func NewService(recipients storage.RecipientRepository, cfg *config.JWTConfig) *Service {
	return &Service{
		recipients: recipients,
		jwt:        jwt.NewManager(cfg.Secret, cfg.Issuer, cfg.AccessExpiry, cfg.RefreshExpiry),
	}
}

// RegisterInput 注册输入
type RegisterInput struct {
	Slug            string
	Email           string
	Password        string
	WalletAddress   string
	DefaultPriceUSD string
}

// AuthResponse 认证响应
type AuthResponse struct {
	Recipient    *domain.Recipient `json:"recipient"`
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
	TokenType    string            `json:"tokenType"`
	ExpiresIn    int64             `json:"expiresIn"`
}

// Register 注册新收件人并签发令牌。
func (s *Service) Register(ctx context.Context, input RegisterInput) (*AuthResponse, error) {
	if err := domain.ValidateSlug(input.Slug); err != nil {
		return nil, err
	}
	email := domain.NormalizeEmail(input.Email)
	if err := domain.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := domain.ValidateWalletAddress(input.WalletAddress); err != nil {
		return nil, err
	}
	if input.DefaultPriceUSD == "" {
		input.DefaultPriceUSD = domain.DefaultPriceUSD
	}
	if err := domain.ValidatePriceUSD(input.DefaultPriceUSD); err != nil {
		return nil, err
	}
	if err := ValidatePassword(input.Password); err != nil {
		return nil, err
	}

	passwordHash, err := HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now().UTC()
	recipient := &domain.Recipient{
		ID:              uuid.New().String(),
		Slug:            input.Slug,
		Email:           email,
		PasswordHash:    passwordHash,
		WalletAddress:   input.WalletAddress,
		DefaultPriceUSD: input.DefaultPriceUSD,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.recipients.CreateRecipient(ctx, recipient); err != nil {
		return nil, err
	}

	return s.respond(recipient)
}

// Login 收件人登录，标识符可以是 slug 或联系邮箱。
func (s *Service) Login(ctx context.Context, identifier, password string) (*AuthResponse, error) {
	recipient, err := s.recipients.GetRecipientBySlug(ctx, identifier)
	if err != nil {
		recipient, err = s.recipients.GetRecipientByEmail(ctx, identifier)
		if err != nil {
			return nil, ErrInvalidCredentials
		}
	}

	if !recipient.IsActive {
		return nil, ErrRecipientInactive
	}

	if !CheckPassword(password, recipient.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return s.respond(recipient)
}

// Refresh 刷新访问令牌。
func (s *Service) Refresh(refreshToken string) (string, error) {
	return s.jwt.RefreshAccessToken(refreshToken)
}

// ValidateToken 验证访问令牌。
func (s *Service) ValidateToken(token string) (*jwt.Claims, error) {
	return s.jwt.ValidateToken(token)
}

// JWTManager 返回底层令牌管理器（中间件与 WebSocket 认证共用）。
func (s *Service) JWTManager() *jwt.Manager {
	return s.jwt
}

// ChangePassword 修改密码
func (s *Service) ChangePassword(ctx context.Context, recipientID, oldPassword, newPassword string) error {
	recipient, err := s.recipients.GetRecipient(ctx, recipientID)
	if err != nil {
		return err
	}

	if !CheckPassword(oldPassword, recipient.PasswordHash) {
		return ErrInvalidCredentials
	}

	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	newHash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	recipient.PasswordHash = newHash
	return s.recipients.UpdateRecipient(ctx, recipient)
}

func (s *Service) respond(recipient *domain.Recipient) (*AuthResponse, error) {
	pair, err := s.jwt.GenerateTokenPair(recipient.ID, recipient.Slug)
	if err != nil {
		return nil, err
	}

	return &AuthResponse{
		Recipient:    recipient,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
	}, nil
}

// ValidatePassword 验证密码强度
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("%w: must be at least 8 characters", ErrInvalidPassword)
	}
	if len(password) > 72 {
		return fmt.Errorf("%w: must be at most 72 characters", ErrInvalidPassword)
	}
	return nil
}

// HashPassword 哈希密码
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword 检查密码是否匹配
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
