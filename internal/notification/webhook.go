package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"eventhub/pkg/httputil"

	"github.com/google/uuid"
)

// WebhookConfig Webhook 配置
type WebhookConfig struct {
	URL     string
	Secret  string // HMAC 签名密钥
	Timeout time.Duration
	Retries int // 网络错误与 5xx 的重试次数
	Headers map[string]string
}

// WebhookNotifier 以 JSON POST 投递通知
type WebhookNotifier struct {
	config WebhookConfig
	client *httputil.Client
}

// NewWebhookNotifier 创建 Webhook 通知器，未配置 URL 时返回 nil
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.URL == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		config: cfg,
		client: httputil.NewClient(
			httputil.WithTimeout(cfg.Timeout),
			httputil.WithRetries(cfg.Retries),
			httputil.WithHeaders(map[string]string{"User-Agent": "eventhub-notifier/1.0"}),
		),
	}
}

// Send 发送 Webhook
func (w *WebhookNotifier) Send(ctx context.Context, notification *Notification) error {
	if w == nil {
		return fmt.Errorf("Webhook URL 未配置")
	}
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("序列化 Webhook 负载失败: %w", err)
	}

	headers := map[string]string{
		"X-Webhook-ID":        uuid.NewString(),
		"X-Webhook-Event":     notification.Kind,
		"X-Webhook-Timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range w.config.Headers {
		headers[k] = v
	}
	if w.config.Secret != "" {
		headers["X-Webhook-Signature"] = Sign(body, w.config.Secret)
	}

	resp, err := w.client.Post(ctx, w.config.URL, "application/json", body, headers)
	if err != nil {
		return fmt.Errorf("发送 Webhook 失败: %w", err)
	}
	defer httputil.Discard(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("Webhook 返回错误状态: %d", resp.StatusCode)
	}
	return nil
}

// Sign 计算负载签名，格式 sha256=<hex>
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
