// Package service 封装业务逻辑层。
package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage"
)

// MatchAllowlist 判断寄件人是否命中名单条目。
//
// EMAIL 条目按完整地址匹配，DOMAIN 条目按 @ 之后的域名匹配，
// 两者均忽略大小写。空寄件人（匿名提交）永不命中。
func MatchAllowlist(entries []domain.AllowlistEntry, sender string) bool {
	sender = strings.TrimSpace(strings.ToLower(sender))
	if sender == "" {
		return false
	}

	senderDomain := domain.EmailDomain(sender)
	for _, entry := range entries {
		switch entry.Kind {
		case domain.AllowlistKindEmail:
			if strings.EqualFold(entry.Value, sender) {
				return true
			}
		case domain.AllowlistKindDomain:
			if senderDomain != "" && strings.EqualFold(entry.Value, senderDomain) {
				return true
			}
		}
	}
	return false
}

// AllowlistService 封装名单管理操作。
type AllowlistService struct {
	recipients storage.RecipientRepository
	entries    storage.AllowlistRepository
}

// NewAllowlistService 创建名单服务。
func NewAllowlistService(recipients storage.RecipientRepository, entries storage.AllowlistRepository) *AllowlistService {
	return &AllowlistService{
		recipients: recipients,
		entries:    entries,
	}
}

// AddEntryInput 定义新增名单条目所需的输入。
type AddEntryInput struct {
	RecipientID string
	Kind        domain.AllowlistKind
	Value       string
}

// AddEntry 新增名单条目。
//
// 值在入库前规范化：邮箱整体转小写，域名去掉前导 @ 后转小写。
func (s *AllowlistService) AddEntry(ctx context.Context, input AddEntryInput) (*domain.AllowlistEntry, error) {
	if _, err := s.recipients.GetRecipient(ctx, input.RecipientID); err != nil {
		return nil, err
	}

	value := strings.TrimSpace(strings.ToLower(input.Value))
	if input.Kind == domain.AllowlistKindDomain {
		value = strings.TrimPrefix(value, "@")
	}

	if err := domain.ValidateAllowlistEntry(input.Kind, value); err != nil {
		return nil, err
	}

	entry := &domain.AllowlistEntry{
		ID:          uuid.New().String(),
		RecipientID: input.RecipientID,
		Kind:        input.Kind,
		Value:       value,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.entries.CreateAllowlistEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ListEntries 返回收件人的全部名单条目。
func (s *AllowlistService) ListEntries(ctx context.Context, recipientID string) ([]domain.AllowlistEntry, error) {
	return s.entries.ListAllowlistEntries(ctx, recipientID)
}

// RemoveEntry 删除名单条目。
//
// 删除只影响后续提交，已按旧名单判定的消息不回溯。
func (s *AllowlistService) RemoveEntry(ctx context.Context, recipientID, entryID string) error {
	return s.entries.DeleteAllowlistEntry(ctx, recipientID, entryID)
}
