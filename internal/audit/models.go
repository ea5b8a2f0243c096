package audit

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrAppendOnly 审计表只允许追加
var ErrAppendOnly = errors.New("审计日志只允许追加，禁止修改或删除")

// Entry 审计日志条目
type Entry struct {
	ID         string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	Timestamp  time.Time         `gorm:"not null;index:idx_audit_actor_time,priority:2;index:idx_audit_action_time,priority:2;index:idx_audit_resource_time,priority:3" json:"timestamp"`
	ActorID    string            `gorm:"type:varchar(128);index:idx_audit_actor_time,priority:1" json:"actorId,omitempty"`
	Action     string            `gorm:"type:varchar(64);not null;index:idx_audit_action_time,priority:1" json:"action"`
	Resource   string            `gorm:"type:varchar(64);index:idx_audit_resource_time,priority:1" json:"resource"`
	ResourceID string            `gorm:"type:varchar(128);index:idx_audit_resource_time,priority:2" json:"resourceId"`
	Severity   Severity          `gorm:"type:varchar(16);not null" json:"severity"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	Success    bool              `gorm:"not null" json:"success"`
}

// TableName 指定表名
func (Entry) TableName() string {
	return "audit_entries"
}

// BeforeUpdate 拒绝通过 ORM 修改审计条目
func (Entry) BeforeUpdate(*gorm.DB) error {
	return ErrAppendOnly
}

// BeforeDelete 拒绝通过 ORM 删除审计条目
func (Entry) BeforeDelete(*gorm.DB) error {
	return ErrAppendOnly
}

// Migrate 建表并在数据库层安装禁止 UPDATE/DELETE 的触发器
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return fmt.Errorf("审计表迁移失败: %w", err)
	}

	var stmts []string
	switch db.Dialector.Name() {
	case "sqlite":
		stmts = []string{
			`CREATE TRIGGER IF NOT EXISTS audit_entries_no_update BEFORE UPDATE ON audit_entries
			 BEGIN SELECT RAISE(ABORT, 'audit_entries is append-only'); END;`,
			`CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete BEFORE DELETE ON audit_entries
			 BEGIN SELECT RAISE(ABORT, 'audit_entries is append-only'); END;`,
		}
	case "postgres":
		stmts = []string{
			`CREATE OR REPLACE FUNCTION audit_entries_append_only() RETURNS trigger AS $$
			 BEGIN RAISE EXCEPTION 'audit_entries is append-only'; END;
			 $$ LANGUAGE plpgsql;`,
			`DROP TRIGGER IF EXISTS audit_entries_no_mutation ON audit_entries;`,
			`CREATE TRIGGER audit_entries_no_mutation BEFORE UPDATE OR DELETE ON audit_entries
			 FOR EACH ROW EXECUTE FUNCTION audit_entries_append_only();`,
		}
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("安装审计触发器失败: %w", err)
		}
	}
	return nil
}
