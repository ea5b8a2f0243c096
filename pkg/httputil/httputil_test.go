package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// TestNewClient 测试默认与自定义配置
func TestNewClient(t *testing.T) {
	client := NewClient()
	if client.timeout != 30*time.Second {
		t.Errorf("默认超时时间应为30秒，实际为 %v", client.timeout)
	}
	if client.headers["User-Agent"] != "EventHub/1.0" {
		t.Errorf("默认User-Agent不正确: %s", client.headers["User-Agent"])
	}

	custom := NewClient(
		WithTimeout(5*time.Second),
		WithHeaders(map[string]string{"X-Custom": "value"}),
		WithRetries(3),
	)
	if custom.httpClient.Timeout != 5*time.Second {
		t.Errorf("自定义超时时间应为5秒，实际为 %v", custom.httpClient.Timeout)
	}
	if custom.headers["X-Custom"] != "value" {
		t.Errorf("自定义头未设置")
	}
	if custom.retries != 3 {
		t.Errorf("重试次数应为3，实际为 %d", custom.retries)
	}
}

// TestPostRetriesServerErrors 5xx 会重试且请求体被重放
func TestPostRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"kind":"ping"}` {
			t.Errorf("请求体未被重放: %q", body)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(WithRetries(2), WithBackoff(time.Millisecond))
	resp, err := client.Post(context.Background(), server.URL, "application/json", []byte(`{"kind":"ping"}`), nil)
	if err != nil {
		t.Fatalf("Post 失败: %v", err)
	}
	Discard(resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("期望 204，实际为 %d", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("期望请求 3 次，实际为 %d", calls.Load())
	}
}

// TestClientErrorsAreNotRetried 4xx 不重试
func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(WithRetries(3), WithBackoff(time.Millisecond))
	resp, err := client.Post(context.Background(), server.URL, "application/json", nil, map[string]string{"X-Test": "1"})
	if err != nil {
		t.Fatalf("Post 失败: %v", err)
	}
	Discard(resp)
	if calls.Load() != 1 {
		t.Errorf("4xx 不应重试，实际请求 %d 次", calls.Load())
	}
}

// TestRetryStopsOnContextCancel 等待重试期间 ctx 取消立即返回
func TestRetryStopsOnContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(WithRetries(5), WithBackoff(time.Second))
	start := time.Now()
	_, err := client.Post(ctx, server.URL, "text/plain", []byte("x"), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("期望 DeadlineExceeded，实际为 %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("取消后仍在等待重试")
	}
}

// TestGetJSON 解析 JSON 并对非 200 返回 StatusError
func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("User-Agent") != "EventHub/1.0" {
			t.Errorf("缺少默认 User-Agent")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	client := NewClient()
	var result map[string]string
	if err := client.GetJSON(context.Background(), server.URL, &result); err != nil {
		t.Fatalf("GetJSON 失败: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("响应解析错误: %v", result)
	}

	err := client.GetJSON(context.Background(), server.URL+"/missing", &result)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("期望 404 StatusError，实际为 %v", err)
	}
}
