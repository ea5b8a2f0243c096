package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"eventhub/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap/zaptest"
)

type fakeExecutor struct {
	called bool
	opID   string
	retErr error
}

func (f *fakeExecutor) Execute(ctx context.Context, operationID string) error {
	f.called = true
	f.opID = operationID
	return f.retErr
}

func TestOperationHandlerHandleExecuteOperation_Success(t *testing.T) {
	executor := &fakeExecutor{}
	h := NewOperationHandler(executor, zaptest.NewLogger(t))
	payload, _ := json.Marshal(tasks.ExecuteOperationPayload{OperationID: "op-1"})
	task := asynq.NewTask(tasks.TypeExecuteOperation, payload)
	if err := h.HandleExecuteOperation(context.Background(), task); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !executor.called || executor.opID != "op-1" {
		t.Fatalf("executor not invoked correctly: called=%v id=%s", executor.called, executor.opID)
	}
}

func TestOperationHandlerHandleExecuteOperation_ExecuteError(t *testing.T) {
	expectedErr := errors.New("boom")
	executor := &fakeExecutor{retErr: expectedErr}
	h := NewOperationHandler(executor, zaptest.NewLogger(t))
	payload, _ := json.Marshal(tasks.ExecuteOperationPayload{OperationID: "op-2"})
	task := asynq.NewTask(tasks.TypeExecuteOperation, payload)
	if err := h.HandleExecuteOperation(context.Background(), task); !errors.Is(err, expectedErr) {
		t.Fatalf("expected error %v, got %v", expectedErr, err)
	}
}

func TestOperationHandlerHandleExecuteOperation_InvalidPayload(t *testing.T) {
	for name, body := range map[string][]byte{
		"非 JSON": []byte("not-json"),
		"缺少 ID":  []byte(`{}`),
	} {
		t.Run(name, func(t *testing.T) {
			executor := &fakeExecutor{}
			h := NewOperationHandler(executor, zaptest.NewLogger(t))
			err := h.HandleExecuteOperation(context.Background(), asynq.NewTask(tasks.TypeExecuteOperation, body))
			if !errors.Is(err, asynq.SkipRetry) {
				t.Fatalf("expected SkipRetry, got %v", err)
			}
			if executor.called {
				t.Fatalf("executor should not be called when payload invalid")
			}
		})
	}
}
