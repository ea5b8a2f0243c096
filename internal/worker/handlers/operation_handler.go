package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"eventhub/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// OperationExecutor 同步操作执行器抽象，便于注入 mock
type OperationExecutor interface {
	Execute(ctx context.Context, operationID string) error
}

type OperationHandler struct {
	executor OperationExecutor
	logger   *zap.Logger
}

func NewOperationHandler(executor OperationExecutor, logger *zap.Logger) *OperationHandler {
	return &OperationHandler{
		executor: executor,
		logger:   logger,
	}
}

func (h *OperationHandler) HandleExecuteOperation(ctx context.Context, t *asynq.Task) error {
	var p tasks.ExecuteOperationPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w: %w", err, asynq.SkipRetry)
	}
	if p.OperationID == "" {
		return fmt.Errorf("缺少 operation_id: %w", asynq.SkipRetry)
	}

	h.logger.Info("开始执行同步操作", zap.String("operation_id", p.OperationID))

	if err := h.executor.Execute(ctx, p.OperationID); err != nil {
		h.logger.Error("同步操作执行失败",
			zap.String("operation_id", p.OperationID),
			zap.Error(err),
		)
		return err
	}

	h.logger.Info("同步操作执行结束", zap.String("operation_id", p.OperationID))
	return nil
}
