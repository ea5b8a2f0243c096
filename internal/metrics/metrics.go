package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventhub_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 集成实例指标
var (
	// VerificationsTotal 连接校验次数
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_verifications_total",
			Help: "连接校验次数",
		},
		[]string{"category", "result"}, // result: success, failure, unchecked
	)

	// VerificationDuration 连接校验耗时（秒）
	VerificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventhub_verification_duration_seconds",
			Help:    "连接校验耗时分布",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"category"},
	)

	// InstanceTransitionsTotal 实例状态变更次数
	InstanceTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_instance_transitions_total",
			Help: "实例状态变更次数",
		},
		[]string{"resource_id", "status"},
	)
)

// 同步操作指标
var (
	// OperationsTotal 操作终态计数
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_operations_total",
			Help: "同步操作终态计数",
		},
		[]string{"kind", "status"},
	)

	// OperationDuration 操作耗时（秒）
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventhub_operation_duration_seconds",
			Help:    "同步操作耗时分布",
			Buckets: []float64{0.1, 1, 5, 10, 30, 60, 300, 600, 1800},
		},
		[]string{"kind"},
	)

	// OperationsRunning 正在执行的操作数量
	OperationsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventhub_operations_running",
			Help: "正在执行的同步操作数量",
		},
	)

	// OperationRecordsTotal 已处理记录数
	OperationRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_operation_records_total",
			Help: "同步操作处理的记录数",
		},
		[]string{"kind", "result"}, // result: ok, error
	)
)

// 审计与合规指标
var (
	// AuditEntriesTotal 审计写入次数
	AuditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_audit_entries_total",
			Help: "审计日志写入次数",
		},
		[]string{"severity", "sink"}, // sink: db, spool, log
	)

	// AuditSpoolReplayedTotal 兜底文件回放条数
	AuditSpoolReplayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventhub_audit_spool_replayed_total",
			Help: "兜底文件回放写入数据库的审计条数",
		},
	)

	// ConsentChangesTotal 同意记录变更次数
	ConsentChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_consent_changes_total",
			Help: "同意记录变更次数",
		},
		[]string{"consent_type", "granted"},
	)

	// ErasureOutcomesTotal 删除请求处理结果
	ErasureOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_erasure_outcomes_total",
			Help: "数据删除请求的处理结果",
		},
		[]string{"outcome"}, // deleted, retained, error
	)
)

// 定时任务指标
var (
	// JobRunsTotal 定时任务执行次数
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_job_runs_total",
			Help: "定时任务执行次数",
		},
		[]string{"job", "status"},
	)
)

// 通知指标
var (
	// NotificationsTotal 通知发送次数
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_notifications_total",
			Help: "通知发送次数",
		},
		[]string{"channel", "result"},
	)

	// WebSocketConnectionsGauge 当前 WebSocket 连接数
	WebSocketConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventhub_websocket_connections",
			Help: "当前 WebSocket 连接数",
		},
		[]string{"topic"},
	)
)

// 数据库指标
var (
	// DBQueryIssuesTotal SQL 错误与慢查询次数
	DBQueryIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventhub_db_query_issues_total",
			Help: "SQL 错误与慢查询次数",
		},
		[]string{"kind"}, // kind: error, slow
	)
)
