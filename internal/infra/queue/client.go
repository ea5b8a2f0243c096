package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eventhub/internal/config"
	"eventhub/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueueExecuteOperation(ctx context.Context, payload tasks.ExecuteOperationPayload) error
	Close() error
}

type asynqClient struct {
	client  *asynq.Client
	timeout time.Duration
}

// RedisOpt 由配置构造 asynq 连接参数
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// NewClient 创建任务队列客户端，operationTimeout 为单个操作的执行上限
func NewClient(cfg config.RedisConfig, operationTimeout time.Duration) Client {
	if operationTimeout <= 0 {
		operationTimeout = 30 * time.Minute
	}
	return &asynqClient{
		client:  asynq.NewClient(RedisOpt(cfg)),
		timeout: operationTimeout,
	}
}

func (c *asynqClient) EnqueueExecuteOperation(ctx context.Context, payload tasks.ExecuteOperationPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeExecuteOperation, data)

	// 执行器自身负责超时与终态写入，队列不重试；TaskID 保证同一操作只入队一次
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(0),
		asynq.Timeout(c.timeout+time.Minute),
		asynq.Queue(tasks.QueueOperations),
		asynq.TaskID("operation:"+payload.OperationID),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
