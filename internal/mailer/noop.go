package mailer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"sinmail/backend/internal/domain"
)

// NoopProvider 只记录日志不真正投递，用于开发环境。
type NoopProvider struct {
	log *zap.Logger
}

// NewNoopProvider 创建空投递通道。
func NewNoopProvider(log *zap.Logger) *NoopProvider {
	return &NoopProvider{log: log}
}

// Name 返回通道名。
func (p *NoopProvider) Name() string { return "noop" }

// Insert 记录日志并返回合成回执。
func (p *NoopProvider) Insert(_ context.Context, recipient *domain.Recipient, message *domain.Message) (string, error) {
	p.log.Info("noop delivery",
		zap.String("message_id", message.ID),
		zap.String("recipient", recipient.Slug),
		zap.String("subject", message.Subject),
	)
	return fmt.Sprintf("noop-%s", message.ID), nil
}
