// Package hybrid 组合 PostgreSQL 与 Redis：数据库是唯一事实来源，
// Redis 只做收件人档案的旁路缓存。消息、支付与幂等记录的正确性
// 依赖数据库约束，一律不走缓存。
package hybrid

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sinmail/backend/internal/config"
	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage/postgres"
	"sinmail/backend/internal/storage/redis"
)

const recipientCacheTTL = 10 * time.Minute

// Store 混合存储实现。
//
// 内嵌 *postgres.Store，未被覆盖的方法直接落库。
type Store struct {
	*postgres.Store

	cache *redis.Cache
	log   *zap.Logger
}

// NewStore 创建混合存储实例。
func NewStore(cfg *config.DatabaseConfig, redisClient *redis.Client, log *zap.Logger) (*Store, error) {
	var dbStore *postgres.Store
	var err error

	switch cfg.Type {
	case "mysql":
		dbStore, err = postgres.NewMySQLStore(cfg.DSN)
	case "postgres", "postgresql":
		dbStore, err = postgres.NewStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres)", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Redis 未启用时退化为纯数据库存储
	var cache *redis.Cache
	if redisClient != nil {
		cache = redis.NewCache(redisClient)
	}

	return &Store{
		Store: dbStore,
		cache: cache,
		log:   log,
	}, nil
}

// GetRecipientBySlug 先查缓存，未命中回源数据库并回填。
func (s *Store) GetRecipientBySlug(ctx context.Context, slug string) (*domain.Recipient, error) {
	if s.cache == nil {
		return s.Store.GetRecipientBySlug(ctx, slug)
	}

	if recipient, err := s.cache.GetCachedRecipient(ctx, slug); err == nil {
		return recipient, nil
	}

	recipient, err := s.Store.GetRecipientBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CacheRecipient(ctx, recipient, recipientCacheTTL); err != nil {
		s.log.Warn("failed to cache recipient", zap.String("slug", slug), zap.Error(err))
	}
	return recipient, nil
}

// UpdateRecipient 更新后使缓存失效。
func (s *Store) UpdateRecipient(ctx context.Context, recipient *domain.Recipient) error {
	if err := s.Store.UpdateRecipient(ctx, recipient); err != nil {
		return err
	}

	if s.cache == nil {
		return nil
	}

	if err := s.cache.InvalidateRecipient(ctx, recipient.Slug); err != nil {
		s.log.Warn("failed to invalidate recipient cache", zap.String("slug", recipient.Slug), zap.Error(err))
	}
	return nil
}

// Cache 返回业务缓存，供限流与实时订阅复用同一个连接。
func (s *Store) Cache() *redis.Cache {
	return s.cache
}
