package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"eventhub/internal/catalog"
	"eventhub/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"
)

func definition(t *testing.T, id string) *catalog.ResourceDefinition {
	t.Helper()
	def, err := catalog.Default().GetDefinition(id)
	require.NoError(t, err)
	return def
}

func salesforceConfig() map[string]string {
	return map[string]string{
		"instance_url":  "https://acme.my.salesforce.com",
		"client_id":     "3MVG9abc",
		"client_secret": "s3cr3t",
		"scopes":        "api refresh_token",
	}
}

func TestVerify_Categories(t *testing.T) {
	v := New(Options{AllowUnchecked: true}, zaptest.NewLogger(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		id      string
		config  map[string]string
		wantErr string
	}{
		{"CRM 成功", "salesforce", salesforceConfig(), ""},
		{"CRM 非 https", "salesforce", map[string]string{
			"instance_url": "http://acme.example.com", "client_id": "a", "client_secret": "b", "scopes": "api",
		}, "https"},
		{"CRM 凭据含空格", "hubspot", map[string]string{"api_key": "abc def", "portal_id": "123"}, "空白"},
		{"Mailchimp 数据中心一致", "mailchimp", map[string]string{"api_key": "0123abcd-us6", "server_prefix": "us6"}, ""},
		{"Mailchimp 数据中心不一致", "mailchimp", map[string]string{"api_key": "0123abcd-us6", "server_prefix": "us1"}, "不一致"},
		{"Mailchimp 缺少后缀", "mailchimp", map[string]string{"api_key": "0123abcd", "server_prefix": "us1"}, "后缀"},
		{"Slack 非 https", "slack", map[string]string{"webhook_url": "http://hooks.slack.com/x"}, "https"},
		{"Stripe 成功", "stripe", map[string]string{"secret_key": "sk_test_123", "currency": "usd"}, ""},
		{"Stripe publishable key", "stripe", map[string]string{"secret_key": "pk_test_123", "currency": "usd"}, "publishable"},
		{"主题规则失败", "brand_theme", map[string]string{"primary_color": "red", "font_family": "Inter"}, "#RRGGBB"},
		{"合规规则成功", "gdpr", map[string]string{"dpo_email": "dpo@example.com", "retention_days": "30"}, ""},
		{"日历按策略放行", "google_calendar", map[string]string{"client_id": "a", "client_secret": "b", "calendar_id": "c"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(ctx, definition(t, tt.id), tt.config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrConnection)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVerify_MissingFieldFailsEvenWhenUnchecked(t *testing.T) {
	v := New(Options{AllowUnchecked: true}, zaptest.NewLogger(t))
	v.Unregister(catalog.CategoryCRM)

	err := v.Verify(context.Background(), definition(t, "hubspot"), map[string]string{"portal_id": "1"})
	require.Error(t, err)
	var cerr *common.ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "hubspot", cerr.ResourceID)
	assert.Contains(t, cerr.Reason, "API Key")
}

func TestVerify_StrictPolicyRejectsUnchecked(t *testing.T) {
	v := New(Options{AllowUnchecked: false}, zaptest.NewLogger(t))
	err := v.Verify(context.Background(), definition(t, "google_calendar"),
		map[string]string{"client_id": "a", "client_secret": "b", "calendar_id": "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "未注册")
}

func TestVerify_CustomCheck(t *testing.T) {
	v := New(Options{}, zaptest.NewLogger(t))
	called := 0
	v.Register(catalog.CategoryCalendar, func(ctx context.Context, def *catalog.ResourceDefinition, cfg map[string]string) error {
		called++
		return errors.New("calendar revoked")
	})
	err := v.Verify(context.Background(), definition(t, "outlook_calendar"),
		map[string]string{"tenant_id": "t", "client_id": "a", "client_secret": "b"})
	assert.Equal(t, 1, called)
	assert.ErrorContains(t, err, "calendar revoked")
}

func TestVerify_LiveClientCredentials(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/oauth2/token", r.URL.Path)
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	v := New(Options{Live: true}, zaptest.NewLogger(t))
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, srv.Client())

	cfg := salesforceConfig()
	cfg["instance_url"] = srv.URL

	t.Run("令牌获取成功", func(t *testing.T) {
		status.Store(http.StatusOK)
		assert.NoError(t, v.Verify(ctx, definition(t, "salesforce"), cfg))
	})

	t.Run("令牌获取失败", func(t *testing.T) {
		status.Store(http.StatusUnauthorized)
		err := v.Verify(ctx, definition(t, "salesforce"), cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "访问令牌")
	})
}
