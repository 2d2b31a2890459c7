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

func TestAllowlistService_AddNormalizes(t *testing.T) {
	store := memory.NewStore()
	svc := NewAllowlistService(store, store)
	bob := seedRecipient(t, store, "bob", "0.10")

	email, err := svc.AddEntry(context.Background(), AddEntryInput{
		RecipientID: bob.ID,
		Kind:        domain.AllowlistKindEmail,
		Value:       "  Alice@Example.COM ",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", email.Value)

	dom, err := svc.AddEntry(context.Background(), AddEntryInput{
		RecipientID: bob.ID,
		Kind:        domain.AllowlistKindDomain,
		Value:       "@Partner.IO",
	})
	require.NoError(t, err)
	assert.Equal(t, "partner.io", dom.Value)
}

func TestAllowlistService_DuplicateRejected(t *testing.T) {
	store := memory.NewStore()
	svc := NewAllowlistService(store, store)
	bob := seedRecipient(t, store, "bob", "0.10")

	input := AddEntryInput{
		RecipientID: bob.ID,
		Kind:        domain.AllowlistKindEmail,
		Value:       "alice@example.com",
	}

	_, err := svc.AddEntry(context.Background(), input)
	require.NoError(t, err)

	_, err = svc.AddEntry(context.Background(), input)
	assert.ErrorIs(t, err, storage.ErrAllowlistEntryExists)

	// 规范化后相同的值也视为重复
	input.Value = "ALICE@example.com"
	_, err = svc.AddEntry(context.Background(), input)
	assert.ErrorIs(t, err, storage.ErrAllowlistEntryExists)
}

func TestAllowlistService_InvalidValues(t *testing.T) {
	store := memory.NewStore()
	svc := NewAllowlistService(store, store)
	bob := seedRecipient(t, store, "bob", "0.10")

	_, err := svc.AddEntry(context.Background(), AddEntryInput{
		RecipientID: bob.ID,
		Kind:        domain.AllowlistKindEmail,
		Value:       "not-an-email",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidEmail)

	_, err = svc.AddEntry(context.Background(), AddEntryInput{
		RecipientID: bob.ID,
		Kind:        domain.AllowlistKindDomain,
		Value:       "no spaces allowed",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidDomain)

	_, err = svc.AddEntry(context.Background(), AddEntryInput{
		RecipientID: bob.ID,
		Kind:        domain.AllowlistKind("WILDCARD"),
		Value:       "*",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAllowlistKind)
}

func TestAllowlistService_RemoveScopedToOwner(t *testing.T) {
	store := memory.NewStore()
	svc := NewAllowlistService(store, store)
	bob := seedRecipient(t, store, "bob", "0.10")
	carol := seedRecipient(t, store, "carol", "0.10")

	entry, err := svc.AddEntry(context.Background(), AddEntryInput{
		RecipientID: bob.ID,
		Kind:        domain.AllowlistKindEmail,
		Value:       "alice@example.com",
	})
	require.NoError(t, err)

	// 其他收件人删不掉 bob 的条目
	err = svc.RemoveEntry(context.Background(), carol.ID, entry.ID)
	assert.ErrorIs(t, err, storage.ErrAllowlistEntryNotFound)

	require.NoError(t, svc.RemoveEntry(context.Background(), bob.ID, entry.ID))

	entries, err := svc.ListEntries(context.Background(), bob.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
