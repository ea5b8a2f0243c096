package tasks

// Task Types
const (
	TypeExecuteOperation = "operation:execute"
)

// QueueOperations 同步操作专用队列
const QueueOperations = "operations"

// ExecuteOperationPayload 同步操作执行任务载荷
type ExecuteOperationPayload struct {
	OperationID string `json:"operation_id"`
}
