package verifier

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"eventhub/internal/catalog"

	"golang.org/x/oauth2/clientcredentials"
)

// 凭据类字段：不允许包含空白字符
var credentialKeys = []string{"api_key", "client_id", "client_secret", "secret_key", "auth_token"}

func checkCredentialShape(config map[string]string) error {
	for _, key := range credentialKeys {
		value, ok := config[key]
		if !ok || value == "" {
			continue
		}
		if strings.IndexFunc(value, unicode.IsSpace) >= 0 {
			return fmt.Errorf("%s 包含空白字符", key)
		}
	}
	return nil
}

func requireHTTPS(label, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s 不是合法 URL", label)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%s 必须使用 https", label)
	}
	return nil
}

// parseScopes 支持空格或逗号分隔
func parseScopes(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// checkCRM 实例地址与凭据形状，开启 Live 时使用 client credentials 换取令牌
func (v *Verifier) checkCRM(ctx context.Context, def *catalog.ResourceDefinition, config map[string]string) error {
	if err := checkCredentialShape(config); err != nil {
		return err
	}
	if raw := config["instance_url"]; raw != "" {
		if err := requireHTTPS("Instance URL", raw); err != nil {
			return err
		}
	}
	if _, declared := def.Field("scopes"); declared && len(parseScopes(config["scopes"])) == 0 {
		return fmt.Errorf("至少需要声明一个 scope")
	}
	if !v.opts.Live || config["client_id"] == "" || config["client_secret"] == "" || config["instance_url"] == "" {
		return nil
	}
	return probeClientCredentials(ctx, config)
}

func probeClientCredentials(ctx context.Context, config map[string]string) error {
	cc := clientcredentials.Config{
		ClientID:     config["client_id"],
		ClientSecret: config["client_secret"],
		TokenURL:     strings.TrimRight(config["instance_url"], "/") + "/services/oauth2/token",
		Scopes:       parseScopes(config["scopes"]),
	}
	token, err := cc.Token(ctx)
	if err != nil {
		return fmt.Errorf("获取访问令牌失败: %w", err)
	}
	if !token.Valid() {
		return fmt.Errorf("访问令牌无效")
	}
	return nil
}

// checkMarketing Mailchimp 的 API Key 以 -<数据中心> 结尾，必须与 server_prefix 一致
func checkMarketing(_ context.Context, def *catalog.ResourceDefinition, config map[string]string) error {
	if err := checkCredentialShape(config); err != nil {
		return err
	}
	if _, declared := def.Field("server_prefix"); !declared {
		return nil
	}
	key := config["api_key"]
	idx := strings.LastIndex(key, "-")
	if idx < 0 || idx == len(key)-1 {
		return fmt.Errorf("API Key 缺少数据中心后缀")
	}
	dc := key[idx+1:]
	if !strings.EqualFold(dc, strings.TrimSpace(config["server_prefix"])) {
		return fmt.Errorf("API Key 数据中心 %s 与 Server Prefix %s 不一致", dc, config["server_prefix"])
	}
	return nil
}

func checkCommunication(_ context.Context, _ *catalog.ResourceDefinition, config map[string]string) error {
	if err := checkCredentialShape(config); err != nil {
		return err
	}
	if raw := config["webhook_url"]; raw != "" {
		return requireHTTPS("Webhook URL", raw)
	}
	return nil
}

// checkPayment 只接受 secret key 或 restricted key
func checkPayment(_ context.Context, _ *catalog.ResourceDefinition, config map[string]string) error {
	if err := checkCredentialShape(config); err != nil {
		return err
	}
	key := config["secret_key"]
	for _, prefix := range []string{"sk_test_", "sk_live_", "rk_test_", "rk_live_"} {
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return nil
		}
	}
	if strings.HasPrefix(key, "pk_") {
		return fmt.Errorf("Secret Key 填写的是 publishable key")
	}
	return fmt.Errorf("Secret Key 格式错误")
}
