package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier(t *testing.T) {
	t.Run("未配置 URL 时不创建", func(t *testing.T) {
		assert.Nil(t, NewWebhookNotifier(WebhookConfig{}))
	})

	t.Run("签名与事件头", func(t *testing.T) {
		var got Notification
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, Sign(body, "s3cret"), r.Header.Get("X-Webhook-Signature"))
			assert.Equal(t, "operation.failed", r.Header.Get("X-Webhook-Event"))
			assert.Equal(t, "eventhub-notifier/1.0", r.Header.Get("User-Agent"))
			assert.NotEmpty(t, r.Header.Get("X-Webhook-ID"))
			require.NoError(t, json.Unmarshal(body, &got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		wh := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Secret: "s3cret", Timeout: time.Second})
		err := wh.Send(context.Background(), &Notification{Kind: "operation.failed", Subject: "同步失败", ResourceID: "op-1"})
		require.NoError(t, err)
		assert.Equal(t, "op-1", got.ResourceID)
	})

	t.Run("5xx 按配置重试", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		wh := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Retries: 1})
		require.NoError(t, wh.Send(context.Background(), &Notification{Kind: "incident.reported"}))
		assert.EqualValues(t, 2, calls.Load())
	})

	t.Run("4xx 返回错误", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		wh := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Retries: 3})
		err := wh.Send(context.Background(), &Notification{Kind: "incident.reported"})
		assert.ErrorContains(t, err, "403")
	})
}
