package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"sinmail/backend/internal/config"
	"sinmail/backend/internal/domain"
)

const gmailAPIBase = "https://gmail.googleapis.com/gmail/v1/users/me"

// GmailProvider 通过 Gmail API 把消息直接写入收件人邮箱。
//
// 使用 import 接口而非 send：消息以"收到的邮件"身份出现在收件箱，
// 且不经过外部 SMTP 投递路径。插入时附加专属标签便于收件人过滤。
type GmailProvider struct {
	httpClient *http.Client
	label      string
	log        *zap.Logger

	mu      sync.Mutex
	labelID string // 懒加载的标签 ID
}

// NewGmailProvider 创建 Gmail 投递通道。
func NewGmailProvider(cfg *config.GmailConfig, log *zap.Logger) *GmailProvider {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.modify",
			"https://www.googleapis.com/auth/gmail.labels",
		},
	}

	token := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := oauthCfg.Client(context.Background(), token)
	httpClient.Timeout = 30 * time.Second

	return &GmailProvider{
		httpClient: httpClient,
		label:      cfg.Label,
		log:        log,
	}
}

// Name 返回通道名。
func (p *GmailProvider) Name() string { return "gmail" }

// Insert 把消息导入收件人的 Gmail 邮箱，返回 Gmail 消息 ID。
func (p *GmailProvider) Insert(ctx context.Context, recipient *domain.Recipient, message *domain.Message) (string, error) {
	labelID, err := p.ensureLabel(ctx)
	if err != nil {
		return "", err
	}

	raw := base64.URLEncoding.EncodeToString(BuildArtifact(recipient, message))
	reqBody, err := json.Marshal(map[string]interface{}{
		"raw":      raw,
		"labelIds": []string{"INBOX", "UNREAD", labelID},
	})
	if err != nil {
		return "", err
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := p.call(ctx, http.MethodPost, gmailAPIBase+"/messages/import?internalDateSource=receivedTime", reqBody, &result); err != nil {
		return "", err
	}

	p.log.Debug("message imported to Gmail",
		zap.String("message_id", message.ID),
		zap.String("gmail_id", result.ID),
	)
	return result.ID, nil
}

// ensureLabel 获取或创建投递标签，结果缓存在进程内。
func (p *GmailProvider) ensureLabel(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.labelID != "" {
		return p.labelID, nil
	}

	var labels struct {
		Labels []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := p.call(ctx, http.MethodGet, gmailAPIBase+"/labels", nil, &labels); err != nil {
		return "", err
	}
	for _, l := range labels.Labels {
		if l.Name == p.label {
			p.labelID = l.ID
			return l.ID, nil
		}
	}

	reqBody, err := json.Marshal(map[string]string{
		"name":                  p.label,
		"labelListVisibility":   "labelShow",
		"messageListVisibility": "show",
	})
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := p.call(ctx, http.MethodPost, gmailAPIBase+"/labels", reqBody, &created); err != nil {
		return "", err
	}
	p.labelID = created.ID
	return created.ID, nil
}

// call 执行一次 Gmail API 请求并解码响应。
//
// 429 与 5xx 视为瞬时失败交给重试；4xx 视为不可恢复。
func (p *GmailProvider) call(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("gmail request: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Transient(fmt.Errorf("gmail API %s: HTTP %d: %s", url, resp.StatusCode, respBody))
	default:
		return fmt.Errorf("gmail API %s: HTTP %d: %s", url, resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode gmail response: %w", err)
		}
	}
	return nil
}
