package operation

import (
	"math"
	"time"

	"eventhub/internal/common"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Kind 同步方向
type Kind string

const (
	KindImport        Kind = "IMPORT"
	KindExport        Kind = "EXPORT"
	KindBidirectional Kind = "BIDIRECTIONAL"
)

// Valid 是否为已知方向
func (k Kind) Valid() bool {
	switch k {
	case KindImport, KindExport, KindBidirectional:
		return true
	}
	return false
}

// Status 操作状态
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal 终态不可再迁移
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// activeStatuses 占用实例的状态
var activeStatuses = []Status{StatusPending, StatusRunning}

// Operation 一次同步操作
type Operation struct {
	ID               string                      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	InstanceID       string                      `json:"instanceId" gorm:"type:varchar(36);not null;index:idx_operation_instance_status,priority:1"`
	Kind             Kind                        `json:"kind" gorm:"type:varchar(16);not null"`
	Entity           string                      `json:"entity" gorm:"type:varchar(64);not null"`
	Status           Status                      `json:"status" gorm:"type:varchar(16);not null;index:idx_operation_instance_status,priority:2"`
	ProgressPercent  int                         `json:"progressPercent" gorm:"not null;default:0"`
	RecordsProcessed int64                       `json:"recordsProcessed" gorm:"not null;default:0"`
	RecordsTotal     int64                       `json:"recordsTotal" gorm:"not null;default:0"`
	StartedAt        *time.Time                  `json:"startedAt,omitempty"`
	CompletedAt      *time.Time                  `json:"completedAt,omitempty" gorm:"index"`
	Errors           datatypes.JSONSlice[string] `json:"errors"`
	CancelRequested  bool                        `json:"cancelRequested" gorm:"not null;default:false"`
	RequestedBy      string                      `json:"requestedBy,omitempty" gorm:"type:varchar(128)"`
	common.TimestampModel
}

func (Operation) TableName() string {
	return "sync_operations"
}

// Percent 按已处理与总数计算进度，四舍五入并限制在 0 到 100
func Percent(processed, total int64) int {
	if total <= 0 || processed <= 0 {
		return 0
	}
	p := int(math.Round(float64(processed) / float64(total) * 100))
	if p > 100 {
		return 100
	}
	return p
}

// StartRequest 发起操作请求
type StartRequest struct {
	InstanceID   string `json:"instanceId" binding:"required"`
	Entity       string `json:"entity" binding:"required"`
	Kind         Kind   `json:"kind" binding:"required"`
	RecordsTotal int64  `json:"recordsTotal"` // 连接器规划记录数时的提示值，0 表示由连接器决定
	ActorID      string `json:"-"`
}

// ListFilter 列表过滤条件
type ListFilter struct {
	InstanceID string `form:"instanceId"`
	Status     Status `form:"status"`
	common.PaginationRequest
}

// Migrate 迁移操作表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Operation{})
}
