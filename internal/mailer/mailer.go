// Package mailer 负责把已放行的消息写进收件人的真实邮箱。
package mailer

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"sinmail/backend/internal/domain"
)

// Provider 邮箱投递通道。
//
// Insert 必须把 message.ID 作为服务商侧的幂等标识带上，
// 同一消息的重复插入不得产生第二封邮件。返回服务商的回执引用。
type Provider interface {
	Name() string
	Insert(ctx context.Context, recipient *domain.Recipient, message *domain.Message) (string, error)
}

// TransientError 标记可重试的投递失败（网络、限流、5xx）。
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient 包装可重试错误。
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient 判断投递失败是否可重试。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// BuildArtifact 把消息渲染成 RFC 5322 邮件原文。
//
// X-Sinmail-Message-Id 携带消息 ID，是服务商侧去重的依据。
func BuildArtifact(recipient *domain.Recipient, message *domain.Message) []byte {
	var b strings.Builder

	from := message.SenderOrAnonymous()
	if !strings.Contains(from, "@") {
		from = from + "@sinmail.invalid"
	}

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", recipient.Email)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", message.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", message.CreatedAt.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-Id: <%s@sinmail>\r\n", message.ID)
	fmt.Fprintf(&b, "X-Sinmail-Message-Id: %s\r\n", message.ID)
	fmt.Fprintf(&b, "X-Sinmail-Status: %s\r\n", message.Status)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(message.Body)
	b.WriteString("\r\n")

	return []byte(b.String())
}
