package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage"
	"sinmail/backend/internal/x402"
)

func signWebhook(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func submitPending(t *testing.T, messages *MessageService, slug, key string) *domain.Message {
	t.Helper()

	result, err := messages.Submit(context.Background(), SubmitInput{
		RecipientSlug:  slug,
		SenderEmail:    "payer@example.com",
		Subject:        "needs payment",
		Body:           "content " + key,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	require.True(t, result.RequiresPayment)
	return result.Message
}

func TestSettlementWebhook_Settles(t *testing.T) {
	store, messages, payments := newTestServices(t, happyFacilitator("0xhook1"))
	seedRecipient(t, store, "alice", "0.10")
	message := submitPending(t, messages, "alice", "hook-1")

	payment, err := store.GetOutstandingPayment(context.Background(), message.ID)
	require.NoError(t, err)

	body, err := json.Marshal(SettlementEvent{
		Resource:        payment.Resource,
		TransactionHash: "0xhooktx",
		PayerAddress:    "0x2222222222222222222222222222222222222222",
	})
	require.NoError(t, err)

	replayed, err := payments.HandleSettlementWebhook(context.Background(), body, signWebhook("webhook-secret", body))
	require.NoError(t, err)
	assert.False(t, replayed)

	fresh, err := store.GetMessage(context.Background(), message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPaid, fresh.Status)

	// 重复回调按幂等成功处理
	replayed, err = payments.HandleSettlementWebhook(context.Background(), body, signWebhook("webhook-secret", body))
	assert.NoError(t, err)
	assert.True(t, replayed)
}

func TestSettlementWebhook_BadSignatureRejected(t *testing.T) {
	store, messages, payments := newTestServices(t, happyFacilitator("0xhook2"))
	seedRecipient(t, store, "alice", "0.10")
	message := submitPending(t, messages, "alice", "hook-2")

	payment, err := store.GetOutstandingPayment(context.Background(), message.ID)
	require.NoError(t, err)

	body, _ := json.Marshal(SettlementEvent{
		Resource:        payment.Resource,
		TransactionHash: "0xbadsig",
	})

	_, err = payments.HandleSettlementWebhook(context.Background(), body, "sha256=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidWebhookSignature)

	fresh, err := store.GetMessage(context.Background(), message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPending, fresh.Status)
}

func TestSettlementWebhook_TransactionReplayAcrossMessages(t *testing.T) {
	store, messages, payments := newTestServices(t, happyFacilitator("0xhook3"))
	seedRecipient(t, store, "alice", "0.10")
	first := submitPending(t, messages, "alice", "replay-1")
	second := submitPending(t, messages, "alice", "replay-2")

	p1, err := store.GetOutstandingPayment(context.Background(), first.ID)
	require.NoError(t, err)
	p2, err := store.GetOutstandingPayment(context.Background(), second.ID)
	require.NoError(t, err)

	body1, _ := json.Marshal(SettlementEvent{Resource: p1.Resource, TransactionHash: "0xsharedtx"})
	_, err = payments.HandleSettlementWebhook(context.Background(), body1, signWebhook("webhook-secret", body1))
	require.NoError(t, err)

	// 同一笔链上交易不能解锁第二条消息
	body2, _ := json.Marshal(SettlementEvent{Resource: p2.Resource, TransactionHash: "0xsharedtx"})
	_, err = payments.HandleSettlementWebhook(context.Background(), body2, signWebhook("webhook-secret", body2))
	assert.ErrorIs(t, err, storage.ErrDuplicateTransaction)

	fresh, err := store.GetMessage(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPending, fresh.Status)
}

func TestConcurrentSettlement_ExactlyOnce(t *testing.T) {
	store, messages, payments := newTestServices(t, happyFacilitator("0xrace"))
	seedRecipient(t, store, "alice", "0.10")
	message := submitPending(t, messages, "alice", "race-1")

	payment, err := store.GetOutstandingPayment(context.Background(), message.ID)
	require.NoError(t, err)

	body, _ := json.Marshal(SettlementEvent{Resource: payment.Resource, TransactionHash: "0xracetx"})
	signature := signWebhook("webhook-secret", body)

	const goroutines = 16
	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = payments.HandleSettlementWebhook(context.Background(), body, signature)
		}(i)
	}
	wg.Wait()

	// 全部回调成功（一个真正落账，其余幂等吸收）
	for _, err := range errs {
		assert.NoError(t, err)
	}

	settled, err := store.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSettled, settled.Status)

	fresh, err := store.GetMessage(context.Background(), message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPaid, fresh.Status)
}

func TestExpireOutstanding(t *testing.T) {
	store, messages, _ := newTestServices(t, happyFacilitator("0xexp"))
	seedRecipient(t, store, "alice", "0.10")
	message := submitPending(t, messages, "alice", "expire-1")

	payment, err := store.GetOutstandingPayment(context.Background(), message.ID)
	require.NoError(t, err)

	// 把要求的截止时间拨到过去后重新扫描
	shortCfg := paymentConfig()
	shortCfg.RequirementTTL = -time.Minute
	expired := NewPaymentService(store, happyFacilitator("0xexp"), shortCfg, zap.NewNop())

	// 原要求尚未过期，扫描不动它
	count, err := expired.ExpireOutstanding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// 构造一条已过期的要求
	stale := *payment
	stale.ID = payment.ID + "-stale"
	stale.MessageID = message.ID
	stale.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.FailPayment(context.Background(), payment.ID))
	require.NoError(t, store.CreatePayment(context.Background(), &stale))

	count, err = expired.ExpireOutstanding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	failed, err := store.GetPayment(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, failed.Status)

	// 消息留在 PENDING，重新提交可拿到新要求
	fresh, err := store.GetMessage(context.Background(), message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPending, fresh.Status)
}

func TestIssueRequirement_ReissueAfterFailure(t *testing.T) {
	store, messages, payments := newTestServices(t, happyFacilitator("0xreissue"))
	recipient := seedRecipient(t, store, "alice", "0.10")
	message := submitPending(t, messages, "alice", "reissue-1")

	first, err := store.GetOutstandingPayment(context.Background(), message.ID)
	require.NoError(t, err)
	require.NoError(t, store.FailPayment(context.Background(), first.ID))

	// 旧要求失效后重新签发：同一 resource 下产生新的 PENDING 记录
	second, err := payments.IssueRequirement(context.Background(), recipient, message)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Resource, second.Resource)
	assert.Equal(t, domain.PaymentStatusPending, second.Status)
}

func TestIssueRequirement_ConcurrentIssueConverges(t *testing.T) {
	store, messages, payments := newTestServices(t, happyFacilitator("0xconv"))
	recipient := seedRecipient(t, store, "alice", "0.10")
	message := submitPending(t, messages, "alice", "converge-1")

	const goroutines = 8
	var wg sync.WaitGroup
	results := make([]*domain.Payment, goroutines)
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = payments.IssueRequirement(context.Background(), recipient, message)
		}(i)
	}
	wg.Wait()

	// 全部拿到同一条未结算的支付要求
	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ID, results[i].ID)
	}
}

func TestRedeem_ExpiredRequirementRejected(t *testing.T) {
	store, messages, payments := newTestServices(t, happyFacilitator("0xold"))
	seedRecipient(t, store, "alice", "0.10")
	message := submitPending(t, messages, "alice", "old-1")

	payment, err := store.GetOutstandingPayment(context.Background(), message.ID)
	require.NoError(t, err)
	payment.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	err = payments.Redeem(context.Background(), payment, validPaymentHeader(t, payment))
	assert.ErrorIs(t, err, ErrPaymentExpired)
}

func TestRedeem_AmountAndPayToChecked(t *testing.T) {
	store, messages, payments := newTestServices(t, happyFacilitator("0xchk"))
	seedRecipient(t, store, "alice", "0.10")
	message := submitPending(t, messages, "alice", "check-1")

	payment, err := store.GetOutstandingPayment(context.Background(), message.ID)
	require.NoError(t, err)

	t.Run("金额不足", func(t *testing.T) {
		short := *payment
		short.AmountAtomic = "999999999"
		err := payments.Redeem(context.Background(), &short, validPaymentHeader(t, payment))
		assert.ErrorIs(t, err, ErrPaymentInvalid)
	})

	t.Run("收款人不符", func(t *testing.T) {
		other := *payment
		other.PayTo = "0x9999999999999999999999999999999999999999"
		err := payments.Redeem(context.Background(), &other, validPaymentHeader(t, payment))
		assert.ErrorIs(t, err, ErrPaymentInvalid)
	})

	t.Run("网络不符", func(t *testing.T) {
		wrong := *payment
		wrong.Network = "ethereum"
		err := payments.Redeem(context.Background(), &wrong, validPaymentHeader(t, payment))
		assert.ErrorIs(t, err, ErrPaymentInvalid)
	})

	t.Run("缺少授权块", func(t *testing.T) {
		header, err := x402.EncodePaymentPayload(&x402.PaymentPayload{
			X402Version: x402.Version,
			Scheme:      x402.SchemeExact,
			Network:     payment.Network,
			Resource:    payment.Resource,
			Payload:     &x402.ExactEvmPayload{Signature: "0xdeadbeef"},
		})
		require.NoError(t, err)
		err = payments.Redeem(context.Background(), payment, header)
		assert.ErrorIs(t, err, ErrPaymentInvalid)
	})

	t.Run("金额非法", func(t *testing.T) {
		header, err := x402.EncodePaymentPayload(&x402.PaymentPayload{
			X402Version: x402.Version,
			Scheme:      x402.SchemeExact,
			Network:     payment.Network,
			Resource:    payment.Resource,
			Payload: &x402.ExactEvmPayload{
				Signature: "0xdeadbeef",
				Authorization: &x402.ExactEvmPayloadAuthorization{
					From:  "0x1111111111111111111111111111111111111111",
					To:    payment.PayTo,
					Value: "not-a-number",
				},
			},
		})
		require.NoError(t, err)
		err = payments.Redeem(context.Background(), payment, header)
		assert.ErrorIs(t, err, ErrPaymentInvalid)
	})
}
