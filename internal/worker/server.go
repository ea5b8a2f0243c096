package worker

import (
	"context"

	"eventhub/internal/config"
	"eventhub/internal/infra/queue"
	"eventhub/internal/worker/handlers"
	"eventhub/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

// NewServer 创建 Worker 服务器，concurrency 对应 lifecycle.max_concurrent
func NewServer(
	cfg config.RedisConfig,
	concurrency int,
	executor handlers.OperationExecutor,
	logger *zap.Logger,
) *Server {
	if concurrency <= 0 {
		concurrency = 4
	}
	srv := asynq.NewServer(
		queue.RedisOpt(cfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				tasks.QueueOperations: 6,
				"default":             1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()

	// 注册同步操作处理器
	operationHandler := handlers.NewOperationHandler(executor, logger)
	mux.HandleFunc(tasks.TypeExecuteOperation, operationHandler.HandleExecuteOperation)

	return &Server{
		server: srv,
		mux:    mux,
		logger: logger,
	}
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.server.Shutdown()
}
