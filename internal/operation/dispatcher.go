package operation

import (
	"context"
	"errors"
	"sync"

	"eventhub/internal/worker/tasks"

	"go.uber.org/zap"
)

// ErrDispatcherClosed 调度器已关闭
var ErrDispatcherClosed = errors.New("调度器已关闭")

// ExecuteFunc 执行一个已创建的操作
type ExecuteFunc func(ctx context.Context, operationID string) error

// Dispatcher 将 PENDING 操作交给执行方
type Dispatcher interface {
	Dispatch(ctx context.Context, operationID string) error
}

// LocalDispatcher 进程内有界协程池
type LocalDispatcher struct {
	exec   ExecuteFunc
	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger *zap.Logger
}

// NewLocalDispatcher 创建本地调度器，maxConcurrent 限制同时执行的操作数
func NewLocalDispatcher(maxConcurrent int, exec ExecuteFunc, logger *zap.Logger) *LocalDispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		exec:   exec,
		sem:    make(chan struct{}, maxConcurrent),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Dispatch 立即返回；超出并发上限的操作保持 PENDING 直到有空闲槽位
func (d *LocalDispatcher) Dispatch(_ context.Context, operationID string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.sem }()

		if err := d.exec(d.ctx, operationID); err != nil {
			d.logger.Error("操作执行失败", zap.String("operation_id", operationID), zap.Error(err))
		}
	}()
	return nil
}

// Close 拒绝新操作并等待执行中的操作结束；ctx 到期后取消剩余操作
func (d *LocalDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Enqueuer 任务队列写入端
type Enqueuer interface {
	EnqueueExecuteOperation(ctx context.Context, payload tasks.ExecuteOperationPayload) error
}

// QueueDispatcher 通过 asynq 队列交给 worker 进程执行
type QueueDispatcher struct {
	queue Enqueuer
}

// NewQueueDispatcher 创建队列调度器
func NewQueueDispatcher(queue Enqueuer) *QueueDispatcher {
	return &QueueDispatcher{queue: queue}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, operationID string) error {
	return d.queue.EnqueueExecuteOperation(ctx, tasks.ExecuteOperationPayload{OperationID: operationID})
}
