package instance

import (
	"time"

	"eventhub/internal/catalog"
	"eventhub/internal/common"
	"eventhub/internal/security"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status 实例状态
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusError    Status = "ERROR"
	StatusDisabled Status = "DISABLED"
)

// Valid 是否为已知状态
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusError, StatusDisabled:
		return true
	}
	return false
}

// Config 实例配置，password 字段以密文保存
type Config map[string]string

// SyncStats 最近一次同步统计
type SyncStats struct {
	TotalRecords int64 `json:"totalRecords"`
	DurationMs   int64 `json:"durationMs"`
	ErrorCount   int   `json:"errorCount"`
}

// ResourceInstance 已配置的资源实例
type ResourceInstance struct {
	ID           string                        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ResourceID   string                        `json:"resourceId" gorm:"type:varchar(64);not null;index"`
	Name         string                        `json:"name" gorm:"size:200;not null"`
	Config       datatypes.JSONType[Config]    `json:"-"`
	Status       Status                        `json:"status" gorm:"type:varchar(16);not null;index"`
	ErrorMessage string                        `json:"errorMessage,omitempty" gorm:"type:text"`
	LastSyncAt   *time.Time                    `json:"lastSyncAt,omitempty"`
	SyncStats    datatypes.JSONType[SyncStats] `json:"syncStats"`
	CreatedBy    string                        `json:"createdBy,omitempty" gorm:"type:varchar(128)"`
	common.TimestampModel
}

func (ResourceInstance) TableName() string {
	return "resource_instances"
}

// View API 展示结构，敏感字段已脱敏
type View struct {
	ID           string            `json:"id"`
	ResourceID   string            `json:"resourceId"`
	Name         string            `json:"name"`
	Config       map[string]string `json:"config"`
	Status       Status            `json:"status"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	LastSyncAt   *time.Time        `json:"lastSyncAt,omitempty"`
	SyncStats    SyncStats         `json:"syncStats"`
	CreatedBy    string            `json:"createdBy,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// View 生成脱敏视图，def 为 nil 时所有密文值都会被遮盖
func (i *ResourceInstance) View(def *catalog.ResourceDefinition) View {
	secret := map[string]bool{}
	if def != nil {
		for _, k := range def.SecretKeys() {
			secret[k] = true
		}
	}
	cfg := make(map[string]string, len(i.Config.Data()))
	for k, v := range i.Config.Data() {
		if secret[k] || security.IsEncrypted(v) {
			cfg[k] = security.Mask(v)
			continue
		}
		cfg[k] = v
	}
	return View{
		ID:           i.ID,
		ResourceID:   i.ResourceID,
		Name:         i.Name,
		Config:       cfg,
		Status:       i.Status,
		ErrorMessage: i.ErrorMessage,
		LastSyncAt:   i.LastSyncAt,
		SyncStats:    i.SyncStats.Data(),
		CreatedBy:    i.CreatedBy,
		CreatedAt:    i.CreatedAt,
		UpdatedAt:    i.UpdatedAt,
	}
}

// CreateRequest 创建实例请求
type CreateRequest struct {
	ResourceID string            `json:"resourceId" binding:"required"`
	Name       string            `json:"name"`
	Config     map[string]string `json:"config"`
	ActorID    string            `json:"-"`
}

// UpdateRequest 更新实例请求；Config 为补丁，值为空字符串表示删除该键
type UpdateRequest struct {
	Name     *string           `json:"name"`
	Config   map[string]string `json:"config"`
	Disabled *bool             `json:"disabled"`
	ActorID  string            `json:"-"`
}

// ListFilter 列表过滤条件
type ListFilter struct {
	ResourceID string `form:"resourceId"`
	Status     Status `form:"status"`
	common.PaginationRequest
}

// Migrate 迁移实例表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&ResourceInstance{})
}
