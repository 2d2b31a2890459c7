package service

import (
	"context"
	"errors"
	"strings"

	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage"
)

var (
	// ErrRecipientInactive 收件人已停用，拒绝一切提交。
	ErrRecipientInactive = errors.New("recipient inactive")
)

// PreflightResult 预检结论。
//
// 命中名单时 PriceUSD 为 null，表示本次投递免费。
type PreflightResult struct {
	RecipientSlug string  `json:"recipientSlug"`
	IsAllowlisted bool    `json:"isAllowlisted"`
	PriceUSD      *string `json:"priceUsd"`
	WalletAddress string  `json:"walletAddress"`
	Network       string  `json:"network"`
}

// RecipientInfo 公开的收件人信息，供提交表单展示。
type RecipientInfo struct {
	Slug            string `json:"slug"`
	DefaultPriceUSD string `json:"defaultPriceUSD"`
	Network         string `json:"network"`
	Asset           string `json:"asset"`
}

// PreflightService 在不落任何记录的前提下预判一次提交的命运。
type PreflightService struct {
	recipients storage.RecipientRepository
	entries    storage.AllowlistRepository
	network    string
	asset      string
}

// NewPreflightService 创建预检服务。
func NewPreflightService(recipients storage.RecipientRepository, entries storage.AllowlistRepository, network, asset string) *PreflightService {
	return &PreflightService{
		recipients: recipients,
		entries:    entries,
		network:    network,
		asset:      asset,
	}
}

// Evaluate 预检一次提交：命中名单则免费，否则给出当期价格。
//
// 只读操作，不创建消息也不签发支付要求；结论反映当前名单与
// 价格，后续真正提交时会重新判定。
func (s *PreflightService) Evaluate(ctx context.Context, slug, sender string) (*PreflightResult, error) {
	recipient, err := s.recipients.GetRecipientBySlug(ctx, strings.ToLower(strings.TrimSpace(slug)))
	if err != nil {
		return nil, err
	}
	if !recipient.IsActive {
		return nil, ErrRecipientInactive
	}

	sender = domain.NormalizeEmail(sender)
	if sender != "" {
		if err := domain.ValidateEmail(sender); err != nil {
			return nil, err
		}
	}

	result := &PreflightResult{
		RecipientSlug: recipient.Slug,
		WalletAddress: recipient.WalletAddress,
		Network:       s.network,
	}

	entries, err := s.entries.ListAllowlistEntries(ctx, recipient.ID)
	if err != nil {
		return nil, err
	}

	if MatchAllowlist(entries, sender) {
		result.IsAllowlisted = true
		return result, nil
	}

	price := recipient.DefaultPriceUSD
	result.PriceUSD = &price
	return result, nil
}

// Describe 返回收件人的公开信息，不含钱包地址等敏感字段。
func (s *PreflightService) Describe(ctx context.Context, slug string) (*RecipientInfo, error) {
	recipient, err := s.recipients.GetRecipientBySlug(ctx, strings.ToLower(strings.TrimSpace(slug)))
	if err != nil {
		return nil, err
	}
	if !recipient.IsActive {
		return nil, ErrRecipientInactive
	}

	return &RecipientInfo{
		Slug:            recipient.Slug,
		DefaultPriceUSD: recipient.DefaultPriceUSD,
		Network:         s.network,
		Asset:           s.asset,
	}, nil
}
