package instance

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"eventhub/internal/audit"
	"eventhub/internal/catalog"
	"eventhub/internal/common"
	"eventhub/internal/keylock"
	"eventhub/internal/logger"
	"eventhub/internal/metrics"
	"eventhub/internal/notification"
	"eventhub/internal/security"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const auditResource = "instance"

// Verifier 连接校验器
type Verifier interface {
	Verify(ctx context.Context, def *catalog.ResourceDefinition, config map[string]string) error
}

// Publisher 推送实例状态变更
type Publisher interface {
	Publish(topic string, payload any) error
}

// Option 服务选项
type Option func(*Service)

// WithNotifier 实例进入 ERROR 时发送通知
func WithNotifier(n notification.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithPublisher 状态变更推送到 WebSocket
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLocker 指定按实例加锁的实现
func WithLocker(l keylock.Locker) Option {
	return func(s *Service) { s.locks = l }
}

// WithLogger 指定日志器
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service 实例存储：创建、更新、校验与删除资源实例
type Service struct {
	db        *gorm.DB
	catalog   *catalog.Catalog
	verifier  Verifier
	secrets   *security.SecretBox
	ledger    audit.Recorder
	notifier  notification.Notifier
	publisher Publisher
	locks     keylock.Locker
	logger    *zap.Logger
}

// NewService 创建实例服务
func NewService(db *gorm.DB, cat *catalog.Catalog, v Verifier, secrets *security.SecretBox, ledger audit.Recorder, opts ...Option) *Service {
	s := &Service{
		db:       db,
		catalog:  cat,
		verifier: v,
		secrets:  secrets,
		ledger:   ledger,
		locks:    keylock.NewMemoryLocker(),
		logger:   logger.Get(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.Named("instance")
	return s
}

// LockKey 实例级互斥锁的 key，修改实例状态与启动操作共用
func LockKey(id string) string {
	return "instance:" + id
}

// Definition 实例对应的资源定义
func (s *Service) Definition(inst *ResourceInstance) (*catalog.ResourceDefinition, error) {
	return s.catalog.GetDefinition(inst.ResourceID)
}

// CreateInstance 校验配置并同步执行连接校验，返回的实例为 ACTIVE 或 ERROR
func (s *Service) CreateInstance(ctx context.Context, req *CreateRequest) (*ResourceInstance, error) {
	def, err := s.catalog.GetDefinition(req.ResourceID)
	if err != nil {
		return nil, err
	}
	cfg := normalize(req.Config)
	if err := catalog.Validate(def, cfg); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = def.Name
	}

	verifyErr := s.verifier.Verify(ctx, def, cfg)
	status, message := outcome(verifyErr)

	stored, err := s.encrypt(def, cfg)
	if err != nil {
		return nil, err
	}
	inst := &ResourceInstance{
		ID:           uuid.NewString(),
		ResourceID:   def.ID,
		Name:         name,
		Config:       datatypes.NewJSONType(stored),
		Status:       status,
		ErrorMessage: message,
		SyncStats:    datatypes.NewJSONType(SyncStats{}),
		CreatedBy:    req.ActorID,
	}
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		return nil, fmt.Errorf("创建实例失败: %w", err)
	}

	s.ledger.Record(ctx, audit.Entry{
		ActorID:    req.ActorID,
		Action:     audit.ActionInstanceCreate,
		Resource:   auditResource,
		ResourceID: inst.ID,
		Metadata: map[string]any{
			"resource_id": def.ID,
			"name":        inst.Name,
			"status":      string(inst.Status),
		},
		Success: true,
	})
	s.transitioned(ctx, inst, req.ActorID)

	logger.WithContext(ctx, s.logger).Info("实例已创建",
		zap.String("instance_id", inst.ID),
		zap.String("resource_id", def.ID),
		zap.String("status", string(inst.Status)),
	)
	return inst, nil
}

// UpdateInstance 合并配置补丁。配置实际变化时才重新校验；没有任何变化时不写库也不审计。
func (s *Service) UpdateInstance(ctx context.Context, id string, req *UpdateRequest) (*ResourceInstance, error) {
	unlock, err := s.locks.Lock(ctx, LockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := s.Definition(inst)
	if err != nil {
		return nil, err
	}
	current, err := s.ResolveConfig(inst)
	if err != nil {
		return nil, err
	}

	merged := mergePatch(current, req.Config, def.SecretKeys())
	configChanged := !maps.Equal(current, merged)

	name := inst.Name
	if req.Name != nil && strings.TrimSpace(*req.Name) != "" {
		name = strings.TrimSpace(*req.Name)
	}
	nameChanged := name != inst.Name

	disable := req.Disabled != nil && *req.Disabled && inst.Status != StatusDisabled
	enable := req.Disabled != nil && !*req.Disabled && inst.Status == StatusDisabled

	if !configChanged && !nameChanged && !disable && !enable {
		return inst, nil
	}

	if configChanged {
		if err := catalog.Validate(def, merged); err != nil {
			return nil, err
		}
	}

	prevStatus := inst.Status
	updates := map[string]any{}
	if nameChanged {
		updates["name"] = name
	}
	if configChanged {
		stored, err := s.encrypt(def, merged)
		if err != nil {
			return nil, err
		}
		updates["config"] = datatypes.NewJSONType(stored)
	}

	switch {
	case disable:
		updates["status"] = StatusDisabled
		updates["error_message"] = ""
	case inst.Status == StatusDisabled && !enable:
		// 停用中的实例修改配置不触发校验
	case enable || configChanged:
		status, message := outcome(s.verifier.Verify(ctx, def, merged))
		updates["status"] = status
		updates["error_message"] = message
	}

	if err := s.db.WithContext(ctx).Model(inst).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("更新实例失败: %w", err)
	}
	inst, err = s.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{
		"name_changed":   nameChanged,
		"config_changed": configChanged,
		"status":         string(inst.Status),
	}
	if configChanged {
		meta["changed_keys"] = changedKeys(current, merged)
	}
	s.ledger.Record(ctx, audit.Entry{
		ActorID:    req.ActorID,
		Action:     audit.ActionInstanceUpdate,
		Resource:   auditResource,
		ResourceID: inst.ID,
		Metadata:   meta,
		Success:    true,
	})
	if inst.Status != prevStatus || configChanged {
		s.transitioned(ctx, inst, req.ActorID)
	}
	return inst, nil
}

// DeleteInstance 删除实例。首次删除返回 true，之后返回 false，不存在的 ID 不报错。
// 进行中的操作不会被级联取消。
func (s *Service) DeleteInstance(ctx context.Context, id, actorID string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&ResourceInstance{})
	if res.Error != nil {
		return false, fmt.Errorf("删除实例失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	s.ledger.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionInstanceDelete,
		Resource:   auditResource,
		ResourceID: id,
		Success:    true,
	})
	s.publish(id, map[string]any{"type": "instance.deleted", "instanceId": id})
	return true, nil
}

// GetInstance 按 ID 获取实例
func (s *Service) GetInstance(ctx context.Context, id string) (*ResourceInstance, error) {
	var inst ResourceInstance
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewNotFound("实例", id)
		}
		return nil, err
	}
	return &inst, nil
}

// ListInstances 分页查询实例
func (s *Service) ListInstances(ctx context.Context, f ListFilter) ([]ResourceInstance, int64, error) {
	q := s.db.WithContext(ctx).Model(&ResourceInstance{}).
		Scopes(common.ByField("resource_id", f.ResourceID), common.ByStatus(string(f.Status)))

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var items []ResourceInstance
	if err := q.Scopes(common.Paginate(f.PaginationRequest)).
		Order("created_at DESC").Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// VerifyInstance 手动重新校验。停用的实例不会被校验。
func (s *Service) VerifyInstance(ctx context.Context, id, actorID string) (*ResourceInstance, error) {
	unlock, err := s.locks.Lock(ctx, LockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status == StatusDisabled {
		return nil, fmt.Errorf("%w: 实例已停用", common.ErrInstanceNotActive)
	}
	def, err := s.Definition(inst)
	if err != nil {
		return nil, err
	}
	cfg, err := s.ResolveConfig(inst)
	if err != nil {
		return nil, err
	}

	verifyErr := s.verifier.Verify(ctx, def, cfg)
	status, message := outcome(verifyErr)
	prevStatus := inst.Status
	if err := s.db.WithContext(ctx).Model(inst).Updates(map[string]any{
		"status":        status,
		"error_message": message,
	}).Error; err != nil {
		return nil, fmt.Errorf("更新实例状态失败: %w", err)
	}
	inst.Status, inst.ErrorMessage = status, message

	meta := map[string]any{"status": string(status)}
	if message != "" {
		meta["error"] = message
	}
	s.ledger.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionInstanceVerify,
		Resource:   auditResource,
		ResourceID: inst.ID,
		Metadata:   meta,
		Success:    verifyErr == nil,
	})
	if status != prevStatus || status == StatusError {
		s.transitioned(ctx, inst, actorID)
	}
	return inst, nil
}

// MarkError 将实例置为 ERROR，供同步操作在凭据失效等致命错误时调用
func (s *Service) MarkError(ctx context.Context, id, message string) error {
	if strings.TrimSpace(message) == "" {
		message = "未知错误"
	}
	unlock, err := s.locks.Lock(ctx, LockKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(inst).Updates(map[string]any{
		"status":        StatusError,
		"error_message": message,
	}).Error; err != nil {
		return fmt.Errorf("更新实例状态失败: %w", err)
	}
	inst.Status, inst.ErrorMessage = StatusError, message
	s.transitioned(ctx, inst, "")
	return nil
}

// RecordSyncResult 在调用方事务中写入同步时间与统计
func (s *Service) RecordSyncResult(tx *gorm.DB, id string, at time.Time, stats SyncStats) error {
	res := tx.Model(&ResourceInstance{}).Where("id = ?", id).Updates(map[string]any{
		"last_sync_at": at.UTC(),
		"sync_stats":   datatypes.NewJSONType(stats),
	})
	if res.Error != nil {
		return fmt.Errorf("写入同步统计失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return common.NewNotFound("实例", id)
	}
	return nil
}

// ResolveConfig 返回解密后的配置，供校验器与连接器使用
func (s *Service) ResolveConfig(inst *ResourceInstance) (map[string]string, error) {
	stored := inst.Config.Data()
	out := make(map[string]string, len(stored))
	for k, v := range stored {
		plain, err := s.secrets.Decrypt(v)
		if err != nil {
			return nil, fmt.Errorf("解密配置 %s 失败: %w", k, err)
		}
		out[k] = plain
	}
	return out, nil
}

// View 返回脱敏视图
func (s *Service) View(inst *ResourceInstance) View {
	def, _ := s.Definition(inst)
	return inst.View(def)
}

func (s *Service) encrypt(def *catalog.ResourceDefinition, cfg map[string]string) (Config, error) {
	out := make(Config, len(cfg))
	maps.Copy(out, cfg)
	for _, k := range def.SecretKeys() {
		v, ok := out[k]
		if !ok || v == "" || security.IsEncrypted(v) {
			continue
		}
		enc, err := s.secrets.Encrypt(v)
		if err != nil {
			return nil, fmt.Errorf("加密配置 %s 失败: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// transitioned 记录状态指标；进入 ERROR 时写审计并通知
func (s *Service) transitioned(ctx context.Context, inst *ResourceInstance, actorID string) {
	metrics.InstanceTransitionsTotal.WithLabelValues(inst.ResourceID, string(inst.Status)).Inc()
	s.publish(inst.ID, map[string]any{
		"type":         "instance.status",
		"instanceId":   inst.ID,
		"status":       inst.Status,
		"errorMessage": inst.ErrorMessage,
	})

	switch inst.Status {
	case StatusError:
		s.ledger.Record(ctx, audit.Entry{
			ActorID:    actorID,
			Action:     audit.ActionInstanceError,
			Resource:   auditResource,
			ResourceID: inst.ID,
			Metadata: map[string]any{
				"resource_id": inst.ResourceID,
				"error":       inst.ErrorMessage,
			},
			Success: false,
		})
		if s.notifier != nil {
			err := s.notifier.Send(ctx, &notification.Notification{
				Kind:       notification.KindInstanceError,
				Subject:    fmt.Sprintf("实例 %s 连接异常", inst.Name),
				Body:       inst.ErrorMessage,
				Severity:   string(audit.SeverityHigh),
				ResourceID: inst.ID,
				Data:       map[string]any{"resource_id": inst.ResourceID},
			})
			if err != nil {
				s.logger.Warn("发送实例异常通知失败", zap.String("instance_id", inst.ID), zap.Error(err))
			}
		}
	case StatusDisabled:
		s.ledger.Record(ctx, audit.Entry{
			ActorID:    actorID,
			Action:     audit.ActionInstanceDisable,
			Resource:   auditResource,
			ResourceID: inst.ID,
			Success:    true,
		})
	}
}

func (s *Service) publish(id string, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(notification.InstanceTopic(id), payload); err != nil {
		s.logger.Debug("推送实例状态失败", zap.String("instance_id", id), zap.Error(err))
	}
}

// outcome 将校验结果映射为状态；失败时消息保证非空
func outcome(verifyErr error) (Status, string) {
	if verifyErr == nil {
		return StatusActive, ""
	}
	msg := verifyErr.Error()
	if msg == "" {
		msg = common.ErrConnection.Error()
	}
	return StatusError, msg
}

// normalize 去除键值两端空白并丢弃空值
func normalize(cfg map[string]string) map[string]string {
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// mergePatch 合并配置补丁，空值表示删除
func mergePatch(current, patch map[string]string, secretKeys []string) map[string]string {
	out := make(map[string]string, len(current)+len(patch))
	maps.Copy(out, current)
	for k, v := range patch {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" {
			continue
		}
		// 回传的掩码表示沿用已保存的密钥
		if v == security.MaskedValue && current[k] != "" && slices.Contains(secretKeys, k) {
			continue
		}
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// changedKeys 发生变化的键，只记录键名不记录值
func changedKeys(before, after map[string]string) []string {
	var keys []string
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
