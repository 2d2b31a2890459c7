package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    MessageStatus
		to      MessageStatus
		allowed bool
	}{
		{"pending to free", MessageStatusPending, MessageStatusFree, true},
		{"pending to paid", MessageStatusPending, MessageStatusPaid, true},
		{"pending to failed", MessageStatusPending, MessageStatusFailed, true},
		{"free to delivered", MessageStatusFree, MessageStatusDelivered, true},
		{"paid to delivered", MessageStatusPaid, MessageStatusDelivered, true},
		{"pending to delivered", MessageStatusPending, MessageStatusDelivered, false},
		{"delivered to failed", MessageStatusDelivered, MessageStatusFailed, false},
		{"delivered to delivered", MessageStatusDelivered, MessageStatusDelivered, false},
		{"failed to paid", MessageStatusFailed, MessageStatusPaid, false},
		{"free to paid", MessageStatusFree, MessageStatusPaid, false},
		{"paid to free", MessageStatusPaid, MessageStatusFree, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestMessageStatus_IsDeliverable(t *testing.T) {
	assert.True(t, MessageStatusFree.IsDeliverable())
	assert.True(t, MessageStatusPaid.IsDeliverable())
	assert.False(t, MessageStatusPending.IsDeliverable())
	assert.False(t, MessageStatusDelivered.IsDeliverable())
	assert.False(t, MessageStatusFailed.IsDeliverable())
}

func TestMessageStatus_IsTerminal(t *testing.T) {
	assert.True(t, MessageStatusDelivered.IsTerminal())
	assert.True(t, MessageStatusFailed.IsTerminal())
	assert.False(t, MessageStatusPending.IsTerminal())
	assert.False(t, MessageStatusFree.IsTerminal())
	assert.False(t, MessageStatusPaid.IsTerminal())
}

func TestDeriveIdempotencyKey(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 2, 30, 0, time.UTC)

	// Same content within the same bucket derives the same key
	k1 := DeriveIdempotencyKey("alice", "bob@example.com", "hi", "body", base, 5*time.Minute)
	k2 := DeriveIdempotencyKey("alice", "bob@example.com", "hi", "body", base.Add(time.Minute), 5*time.Minute)
	assert.Equal(t, k1, k2)

	// Different bucket produces a new key
	k3 := DeriveIdempotencyKey("alice", "bob@example.com", "hi", "body", base.Add(10*time.Minute), 5*time.Minute)
	assert.NotEqual(t, k1, k3)

	// Any content change produces a new key
	k4 := DeriveIdempotencyKey("alice", "bob@example.com", "hi", "other body", base, 5*time.Minute)
	assert.NotEqual(t, k1, k4)
}

func TestPayment_IsOutstanding(t *testing.T) {
	now := time.Now().UTC()
	p := &Payment{Status: PaymentStatusPending, ExpiresAt: now.Add(time.Minute)}
	assert.True(t, p.IsOutstanding(now))

	expired := &Payment{Status: PaymentStatusPending, ExpiresAt: now.Add(-time.Minute)}
	assert.False(t, expired.IsOutstanding(now))
	assert.True(t, expired.IsExpired(now))

	settled := &Payment{Status: PaymentStatusSettled, ExpiresAt: now.Add(time.Minute)}
	assert.False(t, settled.IsOutstanding(now))
}
