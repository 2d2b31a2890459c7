package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidSlug          = errors.New("invalid slug format")
	ErrInvalidEmail         = errors.New("invalid email format")
	ErrInvalidDomain        = errors.New("invalid domain format")
	ErrInvalidWalletAddress = errors.New("invalid wallet address")
	ErrInvalidPrice         = errors.New("invalid price format")
	ErrSubjectRequired      = errors.New("subject is required")
	ErrSubjectTooLong       = errors.New("subject too long (max 200 chars)")
	ErrBodyRequired         = errors.New("body is required")
	ErrBodyTooLong          = errors.New("body too long (max 10000 chars)")
	ErrInvalidAllowlistKind = errors.New("invalid allowlist kind")
)

// 验证常量
const (
	MinSlugLength    = 3
	MaxSlugLength    = 50
	MaxEmailLength   = 254 // RFC 5322
	MaxSubjectLength = 200
	MaxBodyLength    = 10000
)

// 正则表达式
var (
	// 公开链接使用的收件人标识：小写字母、数字、连字符
	slugRegex = regexp.MustCompile(`^[a-z0-9-]+$`)

	// 以太坊钱包地址
	walletRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// 美元价格，最多两位小数（字符串表示，避免浮点误差）
	priceRegex = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)

	// 域名验证（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)+$`)
)

// ValidateSlug 验证收件人标识格式。
func ValidateSlug(slug string) error {
	if len(slug) < MinSlugLength || len(slug) > MaxSlugLength {
		return ErrInvalidSlug
	}
	if !slugRegex.MatchString(slug) {
		return ErrInvalidSlug
	}
	return nil
}

// ValidateEmail 验证邮箱地址格式。
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > MaxEmailLength {
		return ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	if !strings.Contains(email, "@") {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateDomain 验证域名格式。
func ValidateDomain(domain string) error {
	domain = strings.TrimSpace(domain)
	if domain == "" || len(domain) > 253 {
		return ErrInvalidDomain
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateWalletAddress 验证结算钱包地址格式。
func ValidateWalletAddress(address string) error {
	if !walletRegex.MatchString(address) {
		return ErrInvalidWalletAddress
	}
	return nil
}

// ValidatePriceUSD 验证美元价格字符串格式。
func ValidatePriceUSD(price string) error {
	if price == "" || !priceRegex.MatchString(price) {
		return ErrInvalidPrice
	}
	return nil
}

// ValidateSubject 验证邮件主题。
func ValidateSubject(subject string) error {
	if strings.TrimSpace(subject) == "" {
		return ErrSubjectRequired
	}
	if len(subject) > MaxSubjectLength {
		return ErrSubjectTooLong
	}
	return nil
}

// ValidateBody 验证邮件正文。
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrBodyRequired
	}
	if len(body) > MaxBodyLength {
		return ErrBodyTooLong
	}
	return nil
}

// ValidateAllowlistEntry 按类型验证名单条目的取值格式。
func ValidateAllowlistEntry(kind AllowlistKind, value string) error {
	switch kind {
	case AllowlistKindEmail:
		return ValidateEmail(value)
	case AllowlistKindDomain:
		return ValidateDomain(value)
	default:
		return ErrInvalidAllowlistKind
	}
}

// NormalizeEmail 统一邮箱地址形式：去空白并转小写。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailDomain 返回地址中最后一个 @ 之后的域名部分（小写）。
func EmailDomain(email string) string {
	idx := strings.LastIndex(email, "@")
	if idx < 0 || idx == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[idx+1:])
}
