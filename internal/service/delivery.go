package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sinmail/backend/internal/config"
	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/mailer"
	"sinmail/backend/internal/pool"
	"sinmail/backend/internal/storage"
)

// retryIntervals 投递失败的重试间隔：1分钟、5分钟、15分钟、1小时、6小时。
var retryIntervals = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
}

// 投递结果事件
const (
	DeliveryEventDelivered = "delivered"
	DeliveryEventFailed    = "failed"
)

// DeliveryNotifier 接收投递结果的实时通知（WebSocket 推送等）。
// 通知只作提示用，投递状态以数据库为准。
type DeliveryNotifier func(recipientID, event string, message *domain.Message)

// AttemptObserver 接收每次投递尝试的结果与耗时（指标上报等）。
type AttemptObserver func(outcome string, duration time.Duration)

// DeliveryService 扫描可投递消息并写入收件人邮箱。
//
// 精确一次语义分两半实现：存储层的条件更新保证 DELIVERED
// 最多落账一次；Provider 以消息 ID 做服务商侧去重，保证崩溃
// 重放时邮箱里也不会出现第二封。
type DeliveryService struct {
	store    storage.Store
	provider mailer.Provider
	workers  *pool.WorkerPool
	cfg      *config.DeliveryConfig
	log      *zap.Logger
	notify   DeliveryNotifier
	observe  AttemptObserver
}

// NewDeliveryService 创建投递服务。
func NewDeliveryService(store storage.Store, provider mailer.Provider, cfg *config.DeliveryConfig, log *zap.Logger) *DeliveryService {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &DeliveryService{
		store:    store,
		provider: provider,
		workers:  pool.NewWorkerPool(workers, workers*4),
		cfg:      cfg,
		log:      log,
	}
}

// WithNotifier 设置投递结果通知回调。
func (s *DeliveryService) WithNotifier(notify DeliveryNotifier) *DeliveryService {
	s.notify = notify
	return s
}

// WithAttemptObserver 设置投递尝试观察回调。
func (s *DeliveryService) WithAttemptObserver(observe AttemptObserver) *DeliveryService {
	s.observe = observe
	return s
}

// Run 周期性扫描并投递，直到 ctx 取消。
func (s *DeliveryService) Run(ctx context.Context) error {
	s.workers.Start(ctx)
	defer s.workers.Stop()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.DispatchOnce(ctx); err != nil {
				s.log.Error("delivery dispatch failed", zap.Error(err))
			}
		}
	}
}

// DispatchOnce 扫描一批可投递消息并分发给工作协程。
func (s *DeliveryService) DispatchOnce(ctx context.Context) error {
	messages, err := s.store.ListDeliverableMessages(ctx, time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for i := range messages {
		message := messages[i]
		if !s.workers.TrySubmit(func() {
			s.Deliver(ctx, &message)
		}) {
			// 队列已满，这批剩下的留给下一轮扫描
			break
		}
	}
	return nil
}

// Deliver 执行一次投递尝试并更新消息状态。
func (s *DeliveryService) Deliver(ctx context.Context, message *domain.Message) {
	if !message.Status.IsDeliverable() {
		return
	}

	recipient, err := s.store.GetRecipient(ctx, message.RecipientID)
	if err != nil {
		s.log.Error("failed to load recipient for delivery",
			zap.String("message_id", message.ID),
			zap.Error(err),
		)
		return
	}

	attemptNumber := message.DeliveryAttempts + 1
	start := time.Now()
	receiptRef, insertErr := s.provider.Insert(ctx, recipient, message)
	duration := time.Since(start).Milliseconds()

	attempt := &domain.DeliveryAttempt{
		ID:            uuid.New().String(),
		MessageID:     message.ID,
		AttemptNumber: attemptNumber,
		Duration:      duration,
		CreatedAt:     time.Now().UTC(),
	}

	if insertErr == nil {
		attempt.Success = true
		attempt.ProviderRef = receiptRef
		s.recordAttempt(ctx, attempt)

		err := s.store.MarkMessageDelivered(ctx, message.ID, message.Status, receiptRef, time.Now().UTC())
		if errors.Is(err, storage.ErrConflict) {
			// 另一个 worker 抢先落账；服务商侧按消息 ID 去重，无重复邮件
			s.log.Debug("delivery already recorded", zap.String("message_id", message.ID))
			return
		}
		if err != nil {
			s.log.Error("failed to mark message delivered",
				zap.String("message_id", message.ID),
				zap.Error(err),
			)
			return
		}

		s.log.Info("message delivered",
			zap.String("message_id", message.ID),
			zap.String("recipient", recipient.Slug),
			zap.String("provider", s.provider.Name()),
			zap.String("receipt_ref", receiptRef),
			zap.Int("attempt", attemptNumber),
		)

		if s.notify != nil {
			delivered := *message
			delivered.Status = domain.MessageStatusDelivered
			delivered.ReceiptRef = &receiptRef
			s.notify(message.RecipientID, DeliveryEventDelivered, &delivered)
		}
		return
	}

	transient := mailer.IsTransient(insertErr)
	attempt.Transient = transient
	attempt.Error = insertErr.Error()
	s.recordAttempt(ctx, attempt)

	nextAttemptAt := s.nextRetry(attemptNumber, transient)
	if err := s.store.RecordDeliveryFailure(ctx, message.ID, attemptNumber, nextAttemptAt, insertErr.Error()); err != nil {
		s.log.Error("failed to record delivery failure",
			zap.String("message_id", message.ID),
			zap.Error(err),
		)
		return
	}

	if nextAttemptAt == nil {
		s.log.Warn("message delivery failed permanently",
			zap.String("message_id", message.ID),
			zap.String("status_before", string(message.Status)),
			zap.Int("attempts", attemptNumber),
			zap.String("error", insertErr.Error()),
		)

		if s.notify != nil {
			failed := *message
			failed.Status = domain.MessageStatusFailed
			s.notify(message.RecipientID, DeliveryEventFailed, &failed)
		}
		return
	}

	s.log.Warn("message delivery failed, will retry",
		zap.String("message_id", message.ID),
		zap.Int("attempt", attemptNumber),
		zap.Time("next_attempt_at", *nextAttemptAt),
		zap.String("error", insertErr.Error()),
	)
}

// nextRetry 计算下次重试时间；不可恢复错误或预算耗尽返回 nil。
func (s *DeliveryService) nextRetry(attempts int, transient bool) *time.Time {
	if !transient {
		return nil
	}
	if attempts >= s.cfg.MaxAttempts {
		return nil
	}

	index := attempts - 1
	if index >= len(retryIntervals) {
		index = len(retryIntervals) - 1
	}
	next := time.Now().UTC().Add(retryIntervals[index])
	return &next
}

func (s *DeliveryService) recordAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) {
	if err := s.store.RecordDeliveryAttempt(ctx, attempt); err != nil {
		s.log.Error("failed to record delivery attempt",
			zap.String("message_id", attempt.MessageID),
			zap.Error(err),
		)
	}

	if s.observe != nil {
		outcome := "success"
		if !attempt.Success {
			outcome = "permanent_error"
			if attempt.Transient {
				outcome = "transient_error"
			}
		}
		s.observe(outcome, time.Duration(attempt.Duration)*time.Millisecond)
	}
}
