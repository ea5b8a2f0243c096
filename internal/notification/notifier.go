package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventhub/internal/logger"
	"eventhub/internal/metrics"

	"go.uber.org/zap"
)

// 通知类型
const (
	KindOperationFailed  = "operation.failed"
	KindInstanceError    = "instance.error"
	KindIncidentReported = "incident.reported"
)

// TopicNotices 通知在 WebSocket 上的广播主题
const TopicNotices = "notices"

// Notifier 通知器接口，只负责投递，由调用方决定是否需要通知
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
}

// Notification 通知消息
type Notification struct {
	Kind       string         `json:"kind"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Severity   string         `json:"severity,omitempty"`
	ResourceID string         `json:"resourceId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// NotifierFunc 函数适配器
type NotifierFunc func(ctx context.Context, notification *Notification) error

// Send 实现 Notifier
func (f NotifierFunc) Send(ctx context.Context, notification *Notification) error {
	return f(ctx, notification)
}

type channel struct {
	name     string
	notifier Notifier
}

// MultiNotifier 多通道通知器，逐个通道投递，单个通道失败不影响其他通道
type MultiNotifier struct {
	channels []channel
	logger   *zap.Logger
}

// NewMultiNotifier 创建多通道通知器
func NewMultiNotifier(log *zap.Logger) *MultiNotifier {
	if log == nil {
		log = logger.Get()
	}
	return &MultiNotifier{logger: log.Named("notification")}
}

// Add 注册通道，notifier 为 nil 时忽略
func (m *MultiNotifier) Add(name string, notifier Notifier) *MultiNotifier {
	if notifier != nil {
		m.channels = append(m.channels, channel{name: name, notifier: notifier})
	}
	return m
}

// Channels 已注册的通道名称
func (m *MultiNotifier) Channels() []string {
	names := make([]string, 0, len(m.channels))
	for _, c := range m.channels {
		names = append(names, c.name)
	}
	return names
}

// Send 发送到所有通道
func (m *MultiNotifier) Send(ctx context.Context, notification *Notification) error {
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}

	var errs []error
	for _, c := range m.channels {
		if err := c.notifier.Send(ctx, notification); err != nil {
			metrics.NotificationsTotal.WithLabelValues(c.name, "error").Inc()
			m.logger.Warn("通知发送失败",
				zap.String("channel", c.name),
				zap.String("kind", notification.Kind),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(c.name, "ok").Inc()
	}
	return errors.Join(errs...)
}

// LogNotifier 日志通知器，未配置其他通道时保证通知可见
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知器
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = logger.Get()
	}
	return &LogNotifier{logger: log.Named("notice")}
}

// Send 写一条 Warn 日志
func (n *LogNotifier) Send(_ context.Context, notification *Notification) error {
	n.logger.Warn(notification.Subject,
		zap.String("kind", notification.Kind),
		zap.String("severity", notification.Severity),
		zap.String("resource_id", notification.ResourceID),
		zap.String("body", notification.Body),
		zap.Any("data", notification.Data),
	)
	return nil
}

// HubNotifier 将通知广播到 WebSocket 主题
type HubNotifier struct {
	hub   *Hub
	topic string
}

// NewHubNotifier 创建 WebSocket 通知器
func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub, topic: TopicNotices}
}

// Send 广播通知
func (n *HubNotifier) Send(_ context.Context, notification *Notification) error {
	if n == nil || n.hub == nil {
		return fmt.Errorf("WebSocket hub 未配置")
	}
	return n.hub.Publish(n.topic, map[string]any{
		"type":         "notice",
		"notification": notification,
	})
}

// AsyncNotifier 带缓冲队列的异步通知器，调用方不会被慢通道阻塞
type AsyncNotifier struct {
	inner  Notifier
	queue  chan *Notification
	logger *zap.Logger
	done   chan struct{}
}

// NewAsyncNotifier 创建异步通知器并启动 workers 个投递协程
func NewAsyncNotifier(inner Notifier, queueSize, workers int, log *zap.Logger) *AsyncNotifier {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logger.Get()
	}
	a := &AsyncNotifier{
		inner:  inner,
		queue:  make(chan *Notification, queueSize),
		logger: log.Named("notification"),
		done:   make(chan struct{}),
	}
	remaining := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		go a.worker(remaining)
	}
	go func() {
		for i := 0; i < workers; i++ {
			<-remaining
		}
		close(a.done)
	}()
	return a
}

func (a *AsyncNotifier) worker(finished chan<- struct{}) {
	defer func() { finished <- struct{}{} }()
	for n := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.inner.Send(ctx, n); err != nil {
			a.logger.Debug("异步通知投递失败", zap.String("kind", n.Kind), zap.Error(err))
		}
		cancel()
	}
}

// Send 入队，队列满时丢弃并记录日志
func (a *AsyncNotifier) Send(_ context.Context, notification *Notification) error {
	select {
	case a.queue <- notification:
		return nil
	default:
		a.logger.Warn("通知队列已满，丢弃通知", zap.String("kind", notification.Kind))
		metrics.NotificationsTotal.WithLabelValues("async", "dropped").Inc()
		return fmt.Errorf("通知队列已满")
	}
}

// Stop 停止接收并等待队列中的通知投递完成
func (a *AsyncNotifier) Stop() {
	close(a.queue)
	<-a.done
}
