package audit

// 集成实例事件
const (
	ActionInstanceCreate  = "instance.create"  // 创建实例
	ActionInstanceUpdate  = "instance.update"  // 更新实例
	ActionInstanceDelete  = "instance.delete"  // 删除实例
	ActionInstanceVerify  = "instance.verify"  // 手动重新校验
	ActionInstanceError   = "instance.error"   // 实例进入 ERROR
	ActionInstanceDisable = "instance.disable" // 停用实例
)

// 同步操作事件
const (
	ActionOperationStart    = "operation.start"    // 发起操作
	ActionOperationComplete = "operation.complete" // 操作完成
	ActionOperationFail     = "operation.fail"     // 操作失败
	ActionOperationCancel   = "operation.cancel"   // 取消操作
	ActionOperationTimeout  = "operation.timeout"  // 操作超时
)

// 合规事件
const (
	ActionConsentGrant     = "consent.grant"     // 授予同意
	ActionConsentDeny      = "consent.deny"      // 拒绝同意
	ActionConsentWithdraw  = "consent.withdraw"  // 撤回同意
	ActionProcessingRecord = "processing.record" // 登记数据处理记录
	ActionErasureRequest   = "erasure.request"   // 删除请求
	ActionErasureDelete    = "erasure.delete"    // 删除处理记录
	ActionErasureRetain    = "erasure.retain"    // 保留处理记录
	ActionErasureError     = "erasure.error"     // 删除失败
	ActionIncidentReport   = "incident.report"   // 安全事件报告
	ActionDataExport       = "data.export"       // 数据导出
	ActionLedgerArchive    = "ledger.archive"    // 审计归档
)

// Severity 事件级别
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank 用于比较级别高低，未知级别返回 0
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid 是否为已知级别
func (s Severity) Valid() bool { return s.Rank() > 0 }

// AllSeverities 由低到高
var AllSeverities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// DefaultSeverity 根据事件类型推断级别
func DefaultSeverity(action string) Severity {
	switch action {
	case ActionInstanceError, ActionOperationFail, ActionOperationTimeout, ActionErasureError:
		return SeverityHigh
	case ActionInstanceDelete, ActionConsentWithdraw, ActionErasureRequest, ActionErasureDelete,
		ActionDataExport, ActionOperationCancel, ActionIncidentReport:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Description 事件描述
func Description(action string) string {
	if desc, ok := descriptions[action]; ok {
		return desc
	}
	return action
}

var descriptions = map[string]string{
	ActionInstanceCreate:  "创建集成实例",
	ActionInstanceUpdate:  "更新集成实例",
	ActionInstanceDelete:  "删除集成实例",
	ActionInstanceVerify:  "重新校验集成实例",
	ActionInstanceError:   "集成实例异常",
	ActionInstanceDisable: "停用集成实例",

	ActionOperationStart:    "发起同步操作",
	ActionOperationComplete: "同步操作完成",
	ActionOperationFail:     "同步操作失败",
	ActionOperationCancel:   "取消同步操作",
	ActionOperationTimeout:  "同步操作超时",

	ActionConsentGrant:     "授予同意",
	ActionConsentDeny:      "拒绝同意",
	ActionConsentWithdraw:  "撤回同意",
	ActionProcessingRecord: "登记数据处理记录",
	ActionErasureRequest:   "数据删除请求",
	ActionErasureDelete:    "删除数据处理记录",
	ActionErasureRetain:    "保留数据处理记录",
	ActionErasureError:     "数据删除失败",
	ActionIncidentReport:   "报告安全事件",
	ActionDataExport:       "导出数据",
	ActionLedgerArchive:    "归档审计日志",
}
