package x402

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidAmount 金额字符串无法解析
var ErrInvalidAmount = errors.New("invalid amount")

// USDToAtomic 将十进制美元字符串转换为资产最小单位的整数字符串。
//
// 金额在内部始终以最小单位整数表示，十进制字符串只出现在边界上，
// 避免浮点误差（例如 "0.10" 在 6 位小数的 USDC 上是 "100000"）。
func USDToAtomic(price string, decimals int) (string, error) {
	if decimals < 0 || decimals > 36 {
		return "", fmt.Errorf("%w: unsupported decimals %d", ErrInvalidAmount, decimals)
	}

	whole, frac := price, ""
	if idx := strings.Index(price, "."); idx >= 0 {
		whole, frac = price[:idx], price[idx+1:]
	}
	if whole == "" && frac == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, price)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return "", fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, price, decimals)
	}

	digits := whole + frac + strings.Repeat("0", decimals-len(frac))

	atomic, ok := new(big.Int).SetString(digits, 10)
	if !ok || atomic.Sign() < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, price)
	}
	return atomic.String(), nil
}

// AtomicValid 判断字符串是否为合法的非负最小单位金额。
func AtomicValid(s string) bool {
	v, ok := new(big.Int).SetString(s, 10)
	return ok && v.Sign() >= 0
}

// AtomicEqual 比较两个最小单位金额字符串是否表示同一数值。
func AtomicEqual(a, b string) bool {
	x, okA := new(big.Int).SetString(a, 10)
	y, okB := new(big.Int).SetString(b, 10)
	if !okA || !okB {
		return false
	}
	return x.Cmp(y) == 0
}

// AtomicLess 判断 a 表示的金额是否小于 b。
func AtomicLess(a, b string) bool {
	x, okA := new(big.Int).SetString(a, 10)
	y, okB := new(big.Int).SetString(b, 10)
	if !okA || !okB {
		return false
	}
	return x.Cmp(y) < 0
}
