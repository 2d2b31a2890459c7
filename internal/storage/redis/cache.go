package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"sinmail/backend/internal/domain"
)

// ErrCacheMiss 缓存未命中。
var ErrCacheMiss = errors.New("cache miss")

// Cache 业务缓存实现。
//
// 收件人档案是预检与提交的热路径读取，按 slug 缓存；
// 消息与支付状态变化频繁且有正确性要求，不缓存。
type Cache struct {
	client *Client
}

// NewCache 创建业务缓存实例。
func NewCache(client *Client) *Cache {
	return &Cache{client: client}
}

// ========== 收件人缓存 ==========

// CacheRecipient 按 slug 缓存收件人档案。
func (c *Cache) CacheRecipient(ctx context.Context, recipient *domain.Recipient, ttl time.Duration) error {
	key := fmt.Sprintf("recipient:slug:%s", recipient.Slug)
	data, err := json.Marshal(recipient)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl)
}

// GetCachedRecipient 获取缓存的收件人档案。
func (c *Cache) GetCachedRecipient(ctx context.Context, slug string) (*domain.Recipient, error) {
	key := fmt.Sprintf("recipient:slug:%s", slug)
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var recipient domain.Recipient
	if err := json.Unmarshal([]byte(data), &recipient); err != nil {
		return nil, err
	}
	return &recipient, nil
}

// InvalidateRecipient 在档案变更后删除缓存。
func (c *Cache) InvalidateRecipient(ctx context.Context, slug string) error {
	return c.client.Del(ctx, fmt.Sprintf("recipient:slug:%s", slug))
}

// ========== JWT 黑名单 ==========

// AddToBlacklist 将 JWT 添加到黑名单。
func (c *Cache) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	return c.client.Set(ctx, fmt.Sprintf("blacklist:%s", jti), "1", ttl)
}

// IsBlacklisted 检查 JWT 是否在黑名单中。
func (c *Cache) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	_, err := c.client.Get(ctx, fmt.Sprintf("blacklist:%s", jti))
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ========== 限流缓存 ==========

// IncrementRateLimit 增加限流计数。
func (c *Cache) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.Client().Pipeline()

	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// ========== 发布订阅 ==========

// PublishMessageEvent 发布消息状态事件，供收件人实时订阅。
func (c *Cache) PublishMessageEvent(ctx context.Context, recipientID string, message *domain.Message) error {
	channel := fmt.Sprintf("message_events:%s", recipientID)
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.client.Client().Publish(ctx, channel, data).Err()
}

// SubscribeMessageEvents 订阅收件人的消息状态事件。
func (c *Cache) SubscribeMessageEvents(ctx context.Context, recipientID string) *goredis.PubSub {
	channel := fmt.Sprintf("message_events:%s", recipientID)
	return c.client.Client().Subscribe(ctx, channel)
}
