package mailer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"sinmail/backend/internal/config"
	"sinmail/backend/internal/domain"
)

// SMTPProvider 通过收件人邮箱服务商的 SMTP 入口投递消息。
//
// Gmail 通道不可用时的回落方案：消息走标准 SMTP 提交，
// 去重依赖邮件头里的 X-Sinmail-Message-Id。
type SMTPProvider struct {
	cfg *config.SMTPConfig
	log *zap.Logger
}

// NewSMTPProvider 创建 SMTP 投递通道。
func NewSMTPProvider(cfg *config.SMTPConfig, log *zap.Logger) *SMTPProvider {
	return &SMTPProvider{cfg: cfg, log: log}
}

// Name 返回通道名。
func (p *SMTPProvider) Name() string { return "smtp" }

// Insert 通过 SMTP 提交消息，回执引用为本地 Message-Id。
func (p *SMTPProvider) Insert(ctx context.Context, recipient *domain.Recipient, message *domain.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	artifact := BuildArtifact(recipient, message)

	var auth sasl.Client
	if p.cfg.Username != "" {
		auth = sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)
	}

	from := p.cfg.From
	if from == "" {
		from = message.SenderOrAnonymous()
	}

	err := smtp.SendMail(p.cfg.Address, auth, from, []string{recipient.Email}, bytes.NewReader(artifact))
	if err != nil {
		// SMTP 提交失败基本都是连接或服务端问题，交给重试
		return "", Transient(fmt.Errorf("smtp submit: %w", err))
	}

	receipt := fmt.Sprintf("<%s@sinmail>", message.ID)
	p.log.Debug("message submitted via SMTP",
		zap.String("message_id", message.ID),
		zap.String("server", p.cfg.Address),
	)
	return receipt, nil
}
