package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage"
)

func newTestMessage(id, key string) *domain.Message {
	return &domain.Message{
		ID:             id,
		RecipientID:    "rcpt-1",
		RecipientSlug:  "alice",
		Subject:        "hello",
		Body:           "world",
		Status:         domain.MessageStatusPending,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestMemoryStore_RecipientOperations(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	recipient := &domain.Recipient{
		ID:              "rcpt-1",
		Slug:            "alice",
		Email:           "alice@example.com",
		WalletAddress:   "0x36F868feA5D4Ea9d6A2B7ba5b1aA3c4521183cC3",
		DefaultPriceUSD: "0.10",
		IsActive:        true,
	}
	require.NoError(t, store.CreateRecipient(ctx, recipient))

	// Slug and email uniqueness
	err := store.CreateRecipient(ctx, &domain.Recipient{ID: "rcpt-2", Slug: "alice", Email: "other@example.com"})
	assert.ErrorIs(t, err, storage.ErrSlugTaken)
	err = store.CreateRecipient(ctx, &domain.Recipient{ID: "rcpt-3", Slug: "bob", Email: "ALICE@example.com"})
	assert.ErrorIs(t, err, storage.ErrEmailTaken)

	got, err := store.GetRecipientBySlug(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "rcpt-1", got.ID)

	// Slug is immutable through updates
	got.Slug = "renamed"
	got.DefaultPriceUSD = "0.25"
	require.NoError(t, store.UpdateRecipient(ctx, got))

	updated, err := store.GetRecipient(ctx, "rcpt-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.Slug)
	assert.Equal(t, "0.25", updated.DefaultPriceUSD)

	_, err = store.GetRecipientBySlug(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrRecipientNotFound)
}

func TestMemoryStore_AllowlistOperations(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	entry := &domain.AllowlistEntry{
		ID:          "entry-1",
		RecipientID: "rcpt-1",
		Kind:        domain.AllowlistKindDomain,
		Value:       "example.com",
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.CreateAllowlistEntry(ctx, entry))

	err := store.CreateAllowlistEntry(ctx, &domain.AllowlistEntry{
		ID:          "entry-2",
		RecipientID: "rcpt-1",
		Kind:        domain.AllowlistKindDomain,
		Value:       "example.com",
	})
	assert.ErrorIs(t, err, storage.ErrAllowlistEntryExists)

	entries, err := store.ListAllowlistEntries(ctx, "rcpt-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Deleting with the wrong owner fails
	err = store.DeleteAllowlistEntry(ctx, "rcpt-other", "entry-1")
	assert.ErrorIs(t, err, storage.ErrAllowlistEntryNotFound)

	require.NoError(t, store.DeleteAllowlistEntry(ctx, "rcpt-1", "entry-1"))
	entries, err = store.ListAllowlistEntries(ctx, "rcpt-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_IdempotencyReservation(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	record := &domain.IdempotencyRecord{
		Key:       "key-1",
		MessageID: "msg-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	first, created, err := store.ReserveIdempotencyKey(ctx, record, newTestMessage("msg-1", "key-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "msg-1", first.ID)

	// Same key returns the original message regardless of the new payload
	second, created, err := store.ReserveIdempotencyKey(ctx, &domain.IdempotencyRecord{
		Key:       "key-1",
		MessageID: "msg-2",
		ExpiresAt: time.Now().Add(time.Hour),
	}, newTestMessage("msg-2", "key-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "msg-1", second.ID)

	_, err = store.GetMessage(ctx, "msg-2")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}

func TestMemoryStore_IdempotencyConcurrentReservation(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	createdCount := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "msg-" + string(rune('a'+n))
			_, created, err := store.ReserveIdempotencyKey(ctx, &domain.IdempotencyRecord{
				Key:       "shared-key",
				MessageID: id,
				ExpiresAt: time.Now().Add(time.Hour),
			}, newTestMessage(id, "shared-key"))
			require.NoError(t, err)
			createdCount <- created
		}(i)
	}
	wg.Wait()
	close(createdCount)

	total := 0
	for created := range createdCount {
		if created {
			total++
		}
	}
	assert.Equal(t, 1, total, "exactly one reservation must win")
}

func TestMemoryStore_IdempotencyExpiry(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_, created, err := store.ReserveIdempotencyKey(ctx, &domain.IdempotencyRecord{
		Key:       "key-exp",
		MessageID: "msg-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}, newTestMessage("msg-1", "key-exp"))
	require.NoError(t, err)
	assert.True(t, created)

	// Expired key is treated as a fresh submission
	msg, created, err := store.ReserveIdempotencyKey(ctx, &domain.IdempotencyRecord{
		Key:       "key-exp",
		MessageID: "msg-2",
		ExpiresAt: time.Now().Add(time.Hour),
	}, newTestMessage("msg-2", "key-exp"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "msg-2", msg.ID)

	count, err := store.DeleteExpiredIdempotencyRecords(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, count) // key-exp was overwritten by the fresh reservation
}

func TestMemoryStore_TransitionMessage(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	_, _, err := store.ReserveIdempotencyKey(ctx, &domain.IdempotencyRecord{
		Key: "k", MessageID: "msg-1", ExpiresAt: time.Now().Add(time.Hour),
	}, newTestMessage("msg-1", "k"))
	require.NoError(t, err)

	require.NoError(t, store.TransitionMessage(ctx, "msg-1", domain.MessageStatusPending, domain.MessageStatusFree))

	// Losing side of the race observes a conflict, not corruption
	err = store.TransitionMessage(ctx, "msg-1", domain.MessageStatusPending, domain.MessageStatusPaid)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// Illegal transition rejected even when the expected state matches
	err = store.TransitionMessage(ctx, "msg-1", domain.MessageStatusFree, domain.MessageStatusPaid)
	assert.ErrorIs(t, err, storage.ErrConflict)

	msg, err := store.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusFree, msg.Status)
}

func TestMemoryStore_SettlePayment(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := store.ReserveIdempotencyKey(ctx, &domain.IdempotencyRecord{
		Key: "k", MessageID: "msg-1", ExpiresAt: now.Add(time.Hour),
	}, newTestMessage("msg-1", "k"))
	require.NoError(t, err)

	payment := &domain.Payment{
		ID:           "pay-1",
		MessageID:    "msg-1",
		Resource:     "sinmail://messages/msg-1",
		AmountUSD:    "0.10",
		AmountAtomic: "100000",
		Network:      "base-sepolia",
		Asset:        "0xAsset",
		PayTo:        "0xWallet",
		Status:       domain.PaymentStatusPending,
		ExpiresAt:    now.Add(time.Hour),
	}
	require.NoError(t, store.CreatePayment(ctx, payment))

	require.NoError(t, store.SettlePayment(ctx, "pay-1", "0xtx1", "0xPayer", now))

	// Second settlement of the same payment converges as a conflict
	err = store.SettlePayment(ctx, "pay-1", "0xtx1", "0xPayer", now)
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := store.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSettled, got.Status)
	require.NotNil(t, got.TransactionHash)
	assert.Equal(t, "0xtx1", *got.TransactionHash)

	msg, err := store.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPaid, msg.Status)
}

func TestMemoryStore_SettlePayment_TransactionReplay(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"msg-1", "msg-2"} {
		_, _, err := store.ReserveIdempotencyKey(ctx, &domain.IdempotencyRecord{
			Key: "k-" + id, MessageID: id, ExpiresAt: now.Add(time.Hour),
		}, newTestMessage(id, "k-"+id))
		require.NoError(t, err)
	}

	require.NoError(t, store.CreatePayment(ctx, &domain.Payment{
		ID: "pay-1", MessageID: "msg-1", Resource: "sinmail://messages/msg-1",
		Status: domain.PaymentStatusPending, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, store.CreatePayment(ctx, &domain.Payment{
		ID: "pay-2", MessageID: "msg-2", Resource: "sinmail://messages/msg-2",
		Status: domain.PaymentStatusPending, ExpiresAt: now.Add(time.Hour),
	}))

	require.NoError(t, store.SettlePayment(ctx, "pay-1", "0xtx-shared", "0xPayer", now))

	// A transaction that settled one payment can never settle another
	err := store.SettlePayment(ctx, "pay-2", "0xtx-shared", "0xPayer", now)
	assert.ErrorIs(t, err, storage.ErrDuplicateTransaction)

	msg2, err := store.GetMessage(ctx, "msg-2")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPending, msg2.Status)
}

func TestMemoryStore_DeliveryBookkeeping(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := store.ReserveIdempotencyKey(ctx, &domain.IdempotencyRecord{
		Key: "k", MessageID: "msg-1", ExpiresAt: now.Add(time.Hour),
	}, newTestMessage("msg-1", "k"))
	require.NoError(t, err)
	require.NoError(t, store.TransitionMessage(ctx, "msg-1", domain.MessageStatusPending, domain.MessageStatusFree))

	// Deliverable immediately after becoming FREE
	list, err := store.ListDeliverableMessages(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Retry scheduled in the future hides the message until due
	next := now.Add(5 * time.Minute)
	require.NoError(t, store.RecordDeliveryFailure(ctx, "msg-1", 1, &next, "rate limited"))

	list, err = store.ListDeliverableMessages(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = store.ListDeliverableMessages(ctx, next.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Exhausted retries move the message to FAILED
	require.NoError(t, store.RecordDeliveryFailure(ctx, "msg-1", 5, nil, "exhausted"))
	msg, err := store.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusFailed, msg.Status)

	// Delivered transition is rejected on a FAILED message
	err = store.MarkMessageDelivered(ctx, "msg-1", domain.MessageStatusFree, "receipt", now)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestMemoryStore_MarkMessageDelivered(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, _, err := store.ReserveIdempotencyKey(ctx, &domain.IdempotencyRecord{
		Key: "k", MessageID: "msg-1", ExpiresAt: now.Add(time.Hour),
	}, newTestMessage("msg-1", "k"))
	require.NoError(t, err)
	require.NoError(t, store.TransitionMessage(ctx, "msg-1", domain.MessageStatusPending, domain.MessageStatusFree))

	require.NoError(t, store.MarkMessageDelivered(ctx, "msg-1", domain.MessageStatusFree, "gmail-id-1", now))

	// DELIVERED happens at most once
	err = store.MarkMessageDelivered(ctx, "msg-1", domain.MessageStatusFree, "gmail-id-2", now)
	assert.ErrorIs(t, err, storage.ErrConflict)

	msg, err := store.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusDelivered, msg.Status)
	require.NotNil(t, msg.ReceiptRef)
	assert.Equal(t, "gmail-id-1", *msg.ReceiptRef)
	require.NotNil(t, msg.DeliveredAt)
}

func TestMemoryStore_DeliveryAttempts(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.RecordDeliveryAttempt(ctx, &domain.DeliveryAttempt{
			ID:            uuidLike(i),
			MessageID:     "msg-1",
			AttemptNumber: i,
			Transient:     i < 3,
			Error:         "provider unavailable",
			CreatedAt:     time.Now(),
		}))
	}

	attempts, err := store.ListDeliveryAttempts(ctx, "msg-1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 3, attempts[2].AttemptNumber)
}

func uuidLike(n int) string {
	return "attempt-" + string(rune('0'+n))
}
