package x402

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUSDToAtomic(t *testing.T) {
	tests := []struct {
		price    string
		decimals int
		want     string
	}{
		{"0.10", 6, "100000"},
		{"0.1", 6, "100000"},
		{"1", 6, "1000000"},
		{"12.34", 6, "12340000"},
		{"0", 6, "0"},
		{"0.01", 2, "1"},
		{"5", 0, "5"},
	}

	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			got, err := USDToAtomic(tt.price, tt.decimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUSDToAtomic_Invalid(t *testing.T) {
	_, err := USDToAtomic("0.123", 2)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = USDToAtomic("", 6)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = USDToAtomic("abc", 6)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = USDToAtomic("1.0", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestAtomicCompare(t *testing.T) {
	assert.True(t, AtomicEqual("100000", "100000"))
	assert.True(t, AtomicEqual("0100", "100"))
	assert.False(t, AtomicEqual("100000", "100001"))
	assert.False(t, AtomicEqual("x", "100"))

	assert.True(t, AtomicLess("99999", "100000"))
	assert.False(t, AtomicLess("100000", "100000"))
	assert.False(t, AtomicLess("100001", "100000"))
}

func TestAtomicValid(t *testing.T) {
	assert.True(t, AtomicValid("0"))
	assert.True(t, AtomicValid("100000"))
	assert.False(t, AtomicValid(""))
	assert.False(t, AtomicValid("not-a-number"))
	assert.False(t, AtomicValid("1.5"))
	assert.False(t, AtomicValid("-100"))
}

func TestPaymentPayloadRoundTrip(t *testing.T) {
	payload := &PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     "base-sepolia",
		Resource:    "sinmail://messages/msg-1",
		Payload: &ExactEvmPayload{
			Signature: "0xsig",
			Authorization: &ExactEvmPayloadAuthorization{
				From:  "0x1111111111111111111111111111111111111111",
				To:    "0x2222222222222222222222222222222222222222",
				Value: "100000",
				Nonce: "0xabc",
			},
		},
	}

	header, err := EncodePaymentPayload(payload)
	require.NoError(t, err)

	decoded, err := DecodePaymentPayload(header)
	require.NoError(t, err)
	assert.Equal(t, payload.Scheme, decoded.Scheme)
	assert.Equal(t, payload.Resource, decoded.Resource)
	assert.Equal(t, payload.Payload.Authorization.Value, decoded.Payload.Authorization.Value)
}

func TestDecodePaymentPayload_Invalid(t *testing.T) {
	_, err := DecodePaymentPayload("%%%not-base64%%%")
	assert.Error(t, err)

	_, err = DecodePaymentPayload("bm90LWpzb24=") // "not-json"
	assert.Error(t, err)
}
