package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sinmail/backend/internal/config"
	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage/memory"
	"sinmail/backend/internal/x402"
)

// fakeFacilitator 可编程的结算设施，测试用。
type fakeFacilitator struct {
	verifyValid   bool
	verifyReason  string
	settleSuccess bool
	settleReason  string
	transaction   string
	payer         string

	verifyCalls int
	settleCalls int
}

func (f *fakeFacilitator) Verify(_ context.Context, _ *x402.PaymentPayload, _ *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	f.verifyCalls++
	return &x402.VerifyResponse{
		IsValid:       f.verifyValid,
		InvalidReason: f.verifyReason,
		Payer:         f.payer,
	}, nil
}

func (f *fakeFacilitator) Settle(_ context.Context, _ *x402.PaymentPayload, _ *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	f.settleCalls++
	return &x402.SettleResponse{
		Success:     f.settleSuccess,
		ErrorReason: f.settleReason,
		Transaction: f.transaction,
		Payer:       f.payer,
	}, nil
}

func happyFacilitator(tx string) *fakeFacilitator {
	return &fakeFacilitator{
		verifyValid:   true,
		settleSuccess: true,
		transaction:   tx,
		payer:         "0x1111111111111111111111111111111111111111",
	}
}

func paymentConfig() *config.PaymentConfig {
	return &config.PaymentConfig{
		Network:           "base",
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		AssetDecimals:     6,
		MaxTimeoutSeconds: 300,
		RequirementTTL:    15 * time.Minute,
		WebhookSecret:     "webhook-secret",
		ResourceBaseURL:   "http://localhost:8080",
	}
}

func idempotencyConfig() *config.IdempotencyConfig {
	return &config.IdempotencyConfig{
		Bucket:    5 * time.Minute,
		Retention: 24 * time.Hour,
	}
}

func newTestServices(t *testing.T, facilitator x402.Facilitator) (*memory.Store, *MessageService, *PaymentService) {
	t.Helper()

	store := memory.NewStore()
	payments := NewPaymentService(store, facilitator, paymentConfig(), zap.NewNop())
	messages := NewMessageService(store, payments, idempotencyConfig(), zap.NewNop())
	return store, messages, payments
}

func seedRecipient(t *testing.T, store *memory.Store, slug, price string) *domain.Recipient {
	t.Helper()

	now := time.Now().UTC()
	recipient := &domain.Recipient{
		ID:              uuid.New().String(),
		Slug:            slug,
		Email:           slug + "@example.com",
		WalletAddress:   "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01",
		DefaultPriceUSD: price,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.CreateRecipient(context.Background(), recipient))
	return recipient
}

func seedAllowlistEntry(t *testing.T, store *memory.Store, recipientID string, kind domain.AllowlistKind, value string) {
	t.Helper()

	require.NoError(t, store.CreateAllowlistEntry(context.Background(), &domain.AllowlistEntry{
		ID:          uuid.New().String(),
		RecipientID: recipientID,
		Kind:        kind,
		Value:       value,
		CreatedAt:   time.Now().UTC(),
	}))
}

func validPaymentHeader(t *testing.T, payment *domain.Payment) string {
	t.Helper()

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
				Value: payment.AmountAtomic,
			},
		},
	})
	require.NoError(t, err)
	return header
}
