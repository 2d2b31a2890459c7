// Package x402 实现支付要求协议的载荷类型与结算设施客户端。
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Version 当前使用的协议版本
const Version = 1

// SchemeExact 精确金额支付方案（系统唯一支持的方案）
const SchemeExact = "exact"

// PaymentRequirements 描述一条资源的支付要求。
//
// Resource 绑定到具体 Message，携带相同金额/资产/收款人的证明
// 也无法在消息之间互换使用。
type PaymentRequirements struct {
	Scheme            string           `json:"scheme"`
	Network           string           `json:"network"`
	MaxAmountRequired string           `json:"maxAmountRequired"`
	Resource          string           `json:"resource"`
	Description       string           `json:"description,omitempty"`
	MimeType          string           `json:"mimeType,omitempty"`
	PayTo             string           `json:"payTo"`
	MaxTimeoutSeconds int              `json:"maxTimeoutSeconds,omitempty"`
	Asset             string           `json:"asset"`
	OutputSchema      *json.RawMessage `json:"outputSchema,omitempty"`
	Extra             *json.RawMessage `json:"extra,omitempty"`
}

// PaymentRequiredResponse 是 402 响应的载荷。
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// ExactEvmPayloadAuthorization EIP-3009 转账授权消息（USDC 使用）。
type ExactEvmPayloadAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEvmPayload exact 方案在 EVM 网络上的支付证明。
type ExactEvmPayload struct {
	Signature     string                        `json:"signature"`
	Authorization *ExactEvmPayloadAuthorization `json:"authorization,omitempty"`
}

// PaymentPayload 发件人提交的已签名支付证明。
type PaymentPayload struct {
	X402Version int              `json:"x402Version"`
	Scheme      string           `json:"scheme"`
	Network     string           `json:"network"`
	Resource    string           `json:"resource,omitempty"`
	Payload     *ExactEvmPayload `json:"payload"`
}

// DecodePaymentPayload 解析 X-Payment 请求头中 base64 编码的支付证明。
func DecodePaymentPayload(header string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payment header: %w", err)
	}
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment payload: %w", err)
	}
	return &payload, nil
}

// EncodePaymentPayload 将支付证明编码为请求头形式（测试与客户端使用）。
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// VerifyResponse 结算设施 /verify 接口的返回。
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse 结算设施 /settle 接口的返回。
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
}
