package queue

import (
	"eventhub/internal/config"
	"eventhub/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Stats 队列统计
type Stats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

// Inspector 查询操作队列状态，供健康检查使用
type Inspector struct {
	inspector *asynq.Inspector
}

// NewInspector 创建队列检查器
func NewInspector(cfg config.RedisConfig) *Inspector {
	return &Inspector{inspector: asynq.NewInspector(RedisOpt(cfg))}
}

// OperationStats 操作队列统计
func (i *Inspector) OperationStats() (*Stats, error) {
	info, err := i.inspector.GetQueueInfo(tasks.QueueOperations)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Queue:     info.Queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Processed: info.Processed,
		Failed:    info.Failed,
	}, nil
}

// Close 关闭连接
func (i *Inspector) Close() error {
	return i.inspector.Close()
}
