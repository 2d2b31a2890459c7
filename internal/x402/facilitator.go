package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultFacilitatorURL 默认的结算设施地址
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// Facilitator 定义支付证明的校验与结算能力。
//
// 生产环境由远端结算设施实现；测试中用假实现替代。
type Facilitator interface {
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)
}

// FacilitatorClient 远端结算设施的 HTTP 客户端。
type FacilitatorClient struct {
	url        string
	httpClient *http.Client
}

// NewFacilitatorClient 创建结算设施客户端。
func NewFacilitatorClient(url string, timeout time.Duration) *FacilitatorClient {
	if url == "" {
		url = DefaultFacilitatorURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FacilitatorClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Verify 请求结算设施校验支付证明。
func (c *FacilitatorClient) Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, "verify", payload, requirements, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle 请求结算设施执行链上结算。
func (c *FacilitatorClient) Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.post(ctx, "settle", payload, requirements, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// post 发送统一格式的协议请求。
func (c *FacilitatorClient) post(ctx context.Context, endpoint string, payload *PaymentPayload, requirements *PaymentRequirements, out interface{}) error {
	reqBody := map[string]interface{}{
		"x402Version":         Version,
		"paymentPayload":      payload,
		"paymentRequirements": requirements,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.url, endpoint), bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s failed: %s", endpoint, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}
