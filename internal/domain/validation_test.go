package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSlug(t *testing.T) {
	assert.NoError(t, ValidateSlug("alice"))
	assert.NoError(t, ValidateSlug("team-inbox-01"))

	assert.ErrorIs(t, ValidateSlug("ab"), ErrInvalidSlug)
	assert.ErrorIs(t, ValidateSlug("Alice"), ErrInvalidSlug)
	assert.ErrorIs(t, ValidateSlug("has space"), ErrInvalidSlug)
	assert.ErrorIs(t, ValidateSlug("under_score"), ErrInvalidSlug)
	assert.ErrorIs(t, ValidateSlug(strings.Repeat("a", 51)), ErrInvalidSlug)
}

func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail("bob@example.com"))
	assert.NoError(t, ValidateEmail("first.last@sub.example.com"))

	assert.ErrorIs(t, ValidateEmail(""), ErrInvalidEmail)
	assert.ErrorIs(t, ValidateEmail("not-an-email"), ErrInvalidEmail)
	assert.ErrorIs(t, ValidateEmail("@example.com"), ErrInvalidEmail)
	assert.ErrorIs(t, ValidateEmail("a@"), ErrInvalidEmail)
}

func TestValidateDomain(t *testing.T) {
	assert.NoError(t, ValidateDomain("example.com"))
	assert.NoError(t, ValidateDomain("mail.example.co.uk"))

	assert.ErrorIs(t, ValidateDomain(""), ErrInvalidDomain)
	assert.ErrorIs(t, ValidateDomain("nodot"), ErrInvalidDomain)
	assert.ErrorIs(t, ValidateDomain("-bad.com"), ErrInvalidDomain)
}

func TestValidateWalletAddress(t *testing.T) {
	assert.NoError(t, ValidateWalletAddress("0x36F868feA5D4Ea9d6A2B7ba5b1aA3c4521183cC3"))

	assert.ErrorIs(t, ValidateWalletAddress("0x123"), ErrInvalidWalletAddress)
	assert.ErrorIs(t, ValidateWalletAddress("36F868feA5D4Ea9d6A2B7ba5b1aA3c4521183cC3"), ErrInvalidWalletAddress)
	assert.ErrorIs(t, ValidateWalletAddress(""), ErrInvalidWalletAddress)
}

func TestValidatePriceUSD(t *testing.T) {
	assert.NoError(t, ValidatePriceUSD("0.10"))
	assert.NoError(t, ValidatePriceUSD("5"))
	assert.NoError(t, ValidatePriceUSD("12.5"))

	assert.ErrorIs(t, ValidatePriceUSD(""), ErrInvalidPrice)
	assert.ErrorIs(t, ValidatePriceUSD("0.105"), ErrInvalidPrice)
	assert.ErrorIs(t, ValidatePriceUSD("-1"), ErrInvalidPrice)
	assert.ErrorIs(t, ValidatePriceUSD("1,50"), ErrInvalidPrice)
}

func TestValidateSubjectAndBody(t *testing.T) {
	assert.NoError(t, ValidateSubject("hello"))
	assert.ErrorIs(t, ValidateSubject(""), ErrSubjectRequired)
	assert.ErrorIs(t, ValidateSubject("   "), ErrSubjectRequired)
	assert.ErrorIs(t, ValidateSubject(strings.Repeat("s", 201)), ErrSubjectTooLong)

	assert.NoError(t, ValidateBody("content"))
	assert.ErrorIs(t, ValidateBody(""), ErrBodyRequired)
	assert.ErrorIs(t, ValidateBody(strings.Repeat("b", 10001)), ErrBodyTooLong)
}

func TestValidateAllowlistEntry(t *testing.T) {
	assert.NoError(t, ValidateAllowlistEntry(AllowlistKindEmail, "carol@example.com"))
	assert.NoError(t, ValidateAllowlistEntry(AllowlistKindDomain, "example.com"))

	assert.ErrorIs(t, ValidateAllowlistEntry(AllowlistKindEmail, "example.com"), ErrInvalidEmail)
	assert.ErrorIs(t, ValidateAllowlistEntry(AllowlistKindDomain, "not a domain"), ErrInvalidDomain)
	assert.ErrorIs(t, ValidateAllowlistEntry(AllowlistKind("OTHER"), "x"), ErrInvalidAllowlistKind)
}

func TestEmailDomain(t *testing.T) {
	assert.Equal(t, "example.com", EmailDomain("bob@example.com"))
	assert.Equal(t, "example.com", EmailDomain("Bob@Example.COM"))
	assert.Equal(t, "b.com", EmailDomain(`weird@a@b.com`))
	assert.Equal(t, "", EmailDomain("no-at-sign"))
	assert.Equal(t, "", EmailDomain("trailing@"))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "bob@example.com", NormalizeEmail("  BOB@Example.Com "))
}
