package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"eventhub/internal/logger"
	"eventhub/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	stop chan struct{}
	once sync.Once
}

func (c *clientConn) close() {
	c.once.Do(func() {
		close(c.stop)
		_ = c.conn.Close()
	})
}

// Hub 按主题管理 WebSocket 订阅，主题如 operation:<id>、instance:<id>、notices
type Hub struct {
	mu                sync.RWMutex
	clients           map[string]map[*websocket.Conn]*clientConn
	backlog           BacklogStore
	keepAliveInterval time.Duration
	logger            *zap.Logger
}

// HubOption 配置 hub
type HubOption func(*Hub)

// WithBacklogStore 指定补发存储
func WithBacklogStore(store BacklogStore) HubOption {
	return func(h *Hub) { h.backlog = store }
}

// WithKeepAliveInterval 设置心跳间隔
func WithKeepAliveInterval(interval time.Duration) HubOption {
	return func(h *Hub) { h.keepAliveInterval = interval }
}

// WithHubLogger 设置日志器
func WithHubLogger(l *zap.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub 创建 Hub
func NewHub(opts ...HubOption) *Hub {
	hub := &Hub{
		clients:           make(map[string]map[*websocket.Conn]*clientConn),
		backlog:           NewMemoryBacklogStore(50),
		keepAliveInterval: 30 * time.Second,
		logger:            logger.Get(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(hub)
		}
	}
	return hub
}

// Register 订阅主题，先补发主题最近的消息
func (h *Hub) Register(topic string, conn *websocket.Conn) {
	client := &clientConn{conn: conn, stop: make(chan struct{})}

	h.mu.Lock()
	if _, ok := h.clients[topic]; !ok {
		h.clients[topic] = make(map[*websocket.Conn]*clientConn)
	}
	h.clients[topic][conn] = client
	h.mu.Unlock()

	metrics.WebSocketConnectionsGauge.WithLabelValues(topicLabel(topic)).Inc()
	h.replayBacklog(context.Background(), topic, client)
	h.startKeepAlive(topic, client)
}

// Unregister 移除连接
func (h *Hub) Unregister(topic string, conn *websocket.Conn) {
	h.mu.Lock()
	client, ok := h.clients[topic][conn]
	if ok {
		delete(h.clients[topic], conn)
		if len(h.clients[topic]) == 0 {
			delete(h.clients, topic)
		}
	}
	h.mu.Unlock()

	if ok {
		metrics.WebSocketConnectionsGauge.WithLabelValues(topicLabel(topic)).Dec()
		client.close()
	}
}

// Publish 将消息推送给主题的所有连接，并写入补发存储
func (h *Hub) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if h.backlog != nil {
		if err := h.backlog.Append(context.Background(), topic, data); err != nil {
			h.logger.Debug("写入补发存储失败", zap.String("topic", topic), zap.Error(err))
		}
	}

	h.mu.RLock()
	targets := make([]*clientConn, 0, len(h.clients[topic]))
	for _, client := range h.clients[topic] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	var firstErr error
	for _, client := range targets {
		client.mu.Lock()
		_ = client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			h.Unregister(topic, client.conn)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ConnectedCount 返回主题的连接数
func (h *Hub) ConnectedCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Close 关闭所有连接
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[string]map[*websocket.Conn]*clientConn)
	h.mu.Unlock()

	for topic, conns := range all {
		for _, client := range conns {
			metrics.WebSocketConnectionsGauge.WithLabelValues(topicLabel(topic)).Dec()
			client.close()
		}
	}
}

func (h *Hub) replayBacklog(ctx context.Context, topic string, client *clientConn) {
	if h.backlog == nil {
		return
	}
	messages, err := h.backlog.Recent(ctx, topic)
	if err != nil {
		h.logger.Warn("补发消息读取失败", zap.String("topic", topic), zap.Error(err))
		return
	}
	for _, msg := range messages {
		client.mu.Lock()
		_ = client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("补发消息失败", zap.Error(err))
		}
		client.mu.Unlock()
	}
}

func (h *Hub) startKeepAlive(topic string, client *clientConn) {
	if h.keepAliveInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-client.stop:
				return
			case <-ticker.C:
				client.mu.Lock()
				err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				client.mu.Unlock()
				if err != nil {
					h.Unregister(topic, client.conn)
					return
				}
			}
		}
	}()
}

// topicLabel 指标只按主题前缀分组，避免标签基数随 ID 增长
func topicLabel(topic string) string {
	for i := 0; i < len(topic); i++ {
		if topic[i] == ':' {
			return topic[:i]
		}
	}
	return topic
}

// OperationTopic 操作进度主题
func OperationTopic(operationID string) string {
	return "operation:" + operationID
}

// InstanceTopic 实例状态主题
func InstanceTopic(instanceID string) string {
	return "instance:" + instanceID
}
