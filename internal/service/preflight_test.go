package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sinmail/backend/internal/domain"
	"sinmail/backend/internal/storage"
	"sinmail/backend/internal/storage/memory"
)

func newPreflightFixture(t *testing.T) (*memory.Store, *PreflightService) {
	t.Helper()

	store := memory.NewStore()
	preflight := NewPreflightService(store, store, "base", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	return store, preflight
}

func TestPreflight_AllowlistedSenderIsFree(t *testing.T) {
	store, preflight := newPreflightFixture(t)
	bob := seedRecipient(t, store, "bob", "0.10")
	seedAllowlistEntry(t, store, bob.ID, domain.AllowlistKindEmail, "alice@example.com")

	result, err := preflight.Evaluate(context.Background(), "bob", "ALICE@Example.COM")

	require.NoError(t, err)
	assert.True(t, result.IsAllowlisted)
	assert.Equal(t, "bob", result.RecipientSlug)
	assert.Equal(t, bob.WalletAddress, result.WalletAddress)
	assert.Nil(t, result.PriceUSD)
}

func TestPreflight_UnlistedSenderQuotesPrice(t *testing.T) {
	store, preflight := newPreflightFixture(t)
	alice := seedRecipient(t, store, "alice", "0.10")

	result, err := preflight.Evaluate(context.Background(), "alice", "stranger@example.com")

	require.NoError(t, err)
	assert.False(t, result.IsAllowlisted)
	require.NotNil(t, result.PriceUSD)
	assert.Equal(t, "0.10", *result.PriceUSD)
	assert.Equal(t, "base", result.Network)
	assert.Equal(t, alice.WalletAddress, result.WalletAddress)
}

func TestPreflight_DomainEntryMatchesSubAddress(t *testing.T) {
	store, preflight := newPreflightFixture(t)
	carol := seedRecipient(t, store, "carol", "1.00")
	seedAllowlistEntry(t, store, carol.ID, domain.AllowlistKindDomain, "partner.io")

	free, err := preflight.Evaluate(context.Background(), "carol", "dev@partner.io")
	require.NoError(t, err)
	assert.True(t, free.IsAllowlisted)
	assert.Nil(t, free.PriceUSD)

	// 子域不命中
	paid, err := preflight.Evaluate(context.Background(), "carol", "dev@mail.partner.io")
	require.NoError(t, err)
	assert.False(t, paid.IsAllowlisted)
	require.NotNil(t, paid.PriceUSD)
	assert.Equal(t, "1.00", *paid.PriceUSD)
}

func TestPreflight_AnonymousAlwaysPays(t *testing.T) {
	store, preflight := newPreflightFixture(t)
	bob := seedRecipient(t, store, "bob", "0.50")
	seedAllowlistEntry(t, store, bob.ID, domain.AllowlistKindEmail, "alice@example.com")

	result, err := preflight.Evaluate(context.Background(), "bob", "")

	require.NoError(t, err)
	assert.False(t, result.IsAllowlisted)
	require.NotNil(t, result.PriceUSD)
	assert.Equal(t, "0.50", *result.PriceUSD)
}

func TestPreflight_HasNoSideEffects(t *testing.T) {
	store, preflight := newPreflightFixture(t)
	alice := seedRecipient(t, store, "alice", "0.10")

	_, err := preflight.Evaluate(context.Background(), "alice", "someone@example.com")
	require.NoError(t, err)

	// 预检不创建消息也不签发支付要求
	msgs, err := store.ListMessagesByRecipient(context.Background(), alice.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPreflight_UnknownOrInactiveRecipient(t *testing.T) {
	store, preflight := newPreflightFixture(t)

	_, err := preflight.Evaluate(context.Background(), "ghost", "a@b.com")
	assert.ErrorIs(t, err, storage.ErrRecipientNotFound)

	gone := seedRecipient(t, store, "gone", "0.10")
	gone.IsActive = false
	require.NoError(t, store.UpdateRecipient(context.Background(), gone))

	_, err = preflight.Evaluate(context.Background(), "gone", "a@b.com")
	assert.ErrorIs(t, err, ErrRecipientInactive)
}

func TestMatchAllowlist(t *testing.T) {
	entries := []domain.AllowlistEntry{
		{Kind: domain.AllowlistKindEmail, Value: "alice@example.com"},
		{Kind: domain.AllowlistKindDomain, Value: "partner.io"},
	}

	testCases := []struct {
		name   string
		sender string
		want   bool
	}{
		{"精确邮箱命中", "alice@example.com", true},
		{"邮箱大小写不敏感", "Alice@EXAMPLE.com", true},
		{"域名命中", "anyone@partner.io", true},
		{"域名大小写不敏感", "dev@PARTNER.IO", true},
		{"子域不命中", "dev@mail.partner.io", false},
		{"其他邮箱不命中", "mallory@example.com", false},
		{"空发件人不命中", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchAllowlist(entries, tc.sender))
		})
	}
}
