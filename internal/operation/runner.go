package operation

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"eventhub/internal/audit"
	"eventhub/internal/catalog"
	"eventhub/internal/common"
	"eventhub/internal/instance"
	"eventhub/internal/keylock"
	"eventhub/internal/logger"
	"eventhub/internal/metrics"
	"eventhub/internal/notification"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const auditResource = "operation"

// errStopped 操作已被其他写入方置为终态，执行循环应停止
var errStopped = errors.New("操作已结束")

// InstanceStore 执行器依赖的实例能力
type InstanceStore interface {
	GetInstance(ctx context.Context, id string) (*instance.ResourceInstance, error)
	Definition(inst *instance.ResourceInstance) (*catalog.ResourceDefinition, error)
	ResolveConfig(inst *instance.ResourceInstance) (map[string]string, error)
	MarkError(ctx context.Context, id, message string) error
	RecordSyncResult(tx *gorm.DB, id string, at time.Time, stats instance.SyncStats) error
}

// Ledger 审计账本，终态写入与操作状态在同一事务中提交
type Ledger interface {
	audit.Recorder
	RecordTx(tx *gorm.DB, entry audit.Entry) (*audit.Entry, error)
}

// Publisher 推送操作进度
type Publisher interface {
	Publish(topic string, payload any) error
}

// Config 执行参数
type Config struct {
	BatchSize     int           // 每批处理记录数
	StepDelay     time.Duration // 批次之间让出的时间
	Timeout       time.Duration // 单个操作最长执行时间，0 表示不限
	MaxConcurrent int           // 本地调度器并发上限
	PollInterval  time.Duration // Wait 轮询间隔
}

func (c *Config) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 25 * time.Millisecond
	}
}

// Option 执行器选项
type Option func(*Runner)

// WithDispatcher 替换默认的本地调度器
func WithDispatcher(d Dispatcher) Option {
	return func(r *Runner) { r.dispatcher = d }
}

// WithRegistry 指定连接器注册表
func WithRegistry(reg *Registry) Option {
	return func(r *Runner) { r.registry = reg }
}

// WithNotifier 操作失败时发送通知
func WithNotifier(n notification.Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

// WithPublisher 推送进度到 WebSocket
func WithPublisher(p Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithLocker 指定锁实现，多副本部署时使用 Redis 锁
func WithLocker(l keylock.Locker) Option {
	return func(r *Runner) { r.locks = l }
}

// WithLogger 指定日志器
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// Runner 同步操作执行器
type Runner struct {
	db         *gorm.DB
	instances  InstanceStore
	ledger     Ledger
	registry   *Registry
	dispatcher Dispatcher
	notifier   notification.Notifier
	publisher  Publisher
	locks      keylock.Locker
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewRunner 创建执行器；未指定调度器时使用本地有界协程池
func NewRunner(db *gorm.DB, instances InstanceStore, ledger Ledger, cfg Config, opts ...Option) *Runner {
	cfg.normalize()
	r := &Runner{
		db:        db,
		instances: instances,
		ledger:    ledger,
		locks:     keylock.NewMemoryLocker(),
		cfg:       cfg,
		logger:    logger.Get(),
		tracer:    otel.Tracer("eventhub/internal/operation"),
		now:       func() time.Time { return time.Now().UTC() },
		running:   make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = r.logger.Named("operation")
	if r.registry == nil {
		r.registry = NewRegistry(nil)
	}
	if r.dispatcher == nil {
		r.dispatcher = NewLocalDispatcher(cfg.MaxConcurrent, r.Execute, r.logger)
	}
	return r
}

// Dispatcher 当前调度器
func (r *Runner) Dispatcher() Dispatcher {
	return r.dispatcher
}

func operationLockKey(id string) string {
	return "operation:" + id
}

// StartOperation 在 ACTIVE 实例上创建 PENDING 操作并交给调度器。
// 同一实例已有 PENDING 或 RUNNING 操作时返回 ErrOperationInProgress。
func (r *Runner) StartOperation(ctx context.Context, req *StartRequest) (*Operation, error) {
	verr := &common.ValidationError{}
	instanceID := strings.TrimSpace(req.InstanceID)
	entity := strings.TrimSpace(req.Entity)
	if instanceID == "" {
		verr.Missing = append(verr.Missing, "instanceId")
	}
	if entity == "" {
		verr.Missing = append(verr.Missing, "entity")
	}
	if !req.Kind.Valid() {
		verr.Invalid = append(verr.Invalid, fmt.Sprintf("kind (%q 不是支持的同步方向)", req.Kind))
	}
	if req.RecordsTotal < 0 {
		verr.Invalid = append(verr.Invalid, "recordsTotal (不能为负数)")
	}
	if !verr.Empty() {
		return nil, verr
	}

	unlock, err := r.locks.Lock(ctx, instance.LockKey(instanceID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := r.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != instance.StatusActive {
		return nil, fmt.Errorf("%w: 当前状态为 %s", common.ErrInstanceNotActive, inst.Status)
	}

	var inFlight int64
	if err := r.db.WithContext(ctx).Model(&Operation{}).
		Where("instance_id = ? AND status IN ?", instanceID, activeStatuses).
		Count(&inFlight).Error; err != nil {
		return nil, fmt.Errorf("查询进行中的操作失败: %w", err)
	}
	if inFlight > 0 {
		return nil, fmt.Errorf("%w: %s", common.ErrOperationInProgress, instanceID)
	}

	op := &Operation{
		ID:           uuid.NewString(),
		InstanceID:   instanceID,
		Kind:         req.Kind,
		Entity:       entity,
		Status:       StatusPending,
		RecordsTotal: req.RecordsTotal,
		Errors:       datatypes.JSONSlice[string]{},
		RequestedBy:  req.ActorID,
	}
	if err := r.db.WithContext(ctx).Create(op).Error; err != nil {
		return nil, fmt.Errorf("创建操作失败: %w", err)
	}

	r.ledger.Record(ctx, audit.Entry{
		ActorID:    req.ActorID,
		Action:     audit.ActionOperationStart,
		Resource:   auditResource,
		ResourceID: op.ID,
		Metadata: map[string]any{
			"instance_id": instanceID,
			"kind":        string(op.Kind),
			"entity":      entity,
		},
		Success: true,
	})

	if err := r.dispatcher.Dispatch(ctx, op.ID); err != nil {
		msg := fmt.Sprintf("调度失败: %v", err)
		if final, applied, ferr := r.finish(ctx, op.ID, terminal{status: StatusFailed, message: msg, action: audit.ActionOperationFail}); ferr == nil && applied {
			r.afterTerminal(ctx, final, terminal{status: StatusFailed, message: msg, action: audit.ActionOperationFail})
		}
		return nil, fmt.Errorf("调度操作失败: %w", err)
	}

	logger.WithContext(ctx, r.logger).Info("操作已创建",
		zap.String("operation_id", op.ID),
		zap.String("instance_id", instanceID),
		zap.String("kind", string(op.Kind)),
		zap.String("entity", entity),
	)
	return op, nil
}

// Execute 执行一个 PENDING 操作，由调度器或 worker 调用。
// 已被其他执行方接管或已进入终态的操作直接返回 nil。
func (r *Runner) Execute(ctx context.Context, id string) error {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&Operation{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{"status": StatusRunning, "started_at": now})
	if res.Error != nil {
		return fmt.Errorf("启动操作失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		r.logger.Debug("操作不处于 PENDING，跳过执行", zap.String("operation_id", id))
		return nil
	}
	op, err := r.GetOperation(ctx, id)
	if err != nil {
		return err
	}

	ctx, span := r.tracer.Start(ctx, "Runner.Execute", trace.WithAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.kind", string(op.Kind)),
		attribute.String("operation.entity", op.Entity),
		attribute.String("instance.id", op.InstanceID),
	))
	defer span.End()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if r.cfg.Timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, r.cfg.Timeout, common.ErrOperationTimeout)
		defer stop()
	}
	r.track(id, cancel)
	defer r.untrack(id)

	metrics.OperationsRunning.Inc()
	defer metrics.OperationsRunning.Dec()
	r.publishProgress(op)

	done := make(chan error, 1)
	go func() { done <- r.process(runCtx, op) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-runCtx.Done():
		// 连接器可能不响应取消，此处不再等待
		runErr = context.Cause(runCtx)
	}

	t := classify(runErr)
	final, applied, err := r.finish(context.WithoutCancel(ctx), id, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if t.status == StatusFailed {
		span.SetStatus(codes.Error, t.message)
	}
	if applied {
		r.afterTerminal(context.WithoutCancel(ctx), final, t)
		if t.fatal {
			if err := r.instances.MarkError(context.WithoutCancel(ctx), final.InstanceID, t.message); err != nil && !errors.Is(err, common.ErrNotFound) {
				r.logger.Error("标记实例异常失败", zap.String("instance_id", final.InstanceID), zap.Error(err))
			}
		}
	}
	return nil
}

// process 执行批处理循环，返回 nil 表示全部记录已处理
func (r *Runner) process(ctx context.Context, op *Operation) error {
	inst, err := r.instances.GetInstance(ctx, op.InstanceID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return errors.New("实例已被删除")
		}
		return err
	}
	def, err := r.instances.Definition(inst)
	if err != nil {
		return err
	}
	cfg, err := r.instances.ResolveConfig(inst)
	if err != nil {
		return Fatal(err)
	}
	job := &Job{Operation: op, Instance: inst, Definition: def, Config: cfg}
	conn := r.registry.For(def.Category)

	total, err := conn.Plan(ctx, job)
	if err != nil {
		return fmt.Errorf("规划同步失败: %w", err)
	}
	if total < 0 {
		total = 0
	}
	if err := r.saveProgress(ctx, op.ID, 0, total, nil); err != nil {
		return err
	}

	batch := int64(r.cfg.BatchSize)
	var processed int64
	for processed < total {
		if err := r.checkpoint(ctx, op.ID); err != nil {
			return err
		}

		limit := min(batch, total-processed)
		res, err := conn.ProcessBatch(ctx, job, processed, limit)
		var n int64
		var batchErrs []string
		if res != nil {
			n, batchErrs = res.Processed, res.Errors
		}
		switch {
		case err == nil:
		case IsFatal(err):
			if serr := r.saveProgress(ctx, op.ID, processed+max(n, 0), total, batchErrs); serr != nil && !errors.Is(serr, errStopped) {
				r.logger.Warn("保存进度失败", zap.String("operation_id", op.ID), zap.Error(serr))
			}
			return err
		case ctx.Err() != nil:
			return context.Cause(ctx)
		default:
			batchErrs = append(batchErrs, fmt.Sprintf("批次 %d-%d 失败: %v", processed, processed+limit, err))
			n = limit
		}
		if n <= 0 || n > limit {
			n = limit
		}
		processed += n

		if ok := n - int64(len(batchErrs)); ok > 0 {
			metrics.OperationRecordsTotal.WithLabelValues(string(op.Kind), "ok").Add(float64(ok))
		}
		if len(batchErrs) > 0 {
			metrics.OperationRecordsTotal.WithLabelValues(string(op.Kind), "error").Add(float64(len(batchErrs)))
		}
		if err := r.saveProgress(ctx, op.ID, processed, total, batchErrs); err != nil {
			return err
		}
		r.yield(ctx)
	}
	return nil
}

// checkpoint 批次边界检查取消标记与超时
func (r *Runner) checkpoint(ctx context.Context, id string) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	var cur Operation
	if err := r.db.WithContext(ctx).Select("status", "cancel_requested").Where("id = ?", id).First(&cur).Error; err != nil {
		return err
	}
	if cur.CancelRequested {
		return common.ErrOperationCancelled
	}
	if cur.Status != StatusRunning {
		return errStopped
	}
	return nil
}

func (r *Runner) yield(ctx context.Context) {
	if r.cfg.StepDelay <= 0 {
		runtime.Gosched()
		return
	}
	timer := time.NewTimer(r.cfg.StepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// saveProgress 在操作锁内持久化进度，只允许进度前进
func (r *Runner) saveProgress(ctx context.Context, id string, processed, total int64, newErrs []string) error {
	unlock, err := r.locks.Lock(ctx, operationLockKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	var snapshot Operation
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Operation
		if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
			return err
		}
		if cur.Status != StatusRunning {
			return errStopped
		}
		if processed < cur.RecordsProcessed {
			processed = cur.RecordsProcessed
		}
		errs := append(datatypes.JSONSlice[string]{}, cur.Errors...)
		errs = append(errs, newErrs...)
		if err := tx.Model(&Operation{}).
			Where("id = ? AND status = ?", id, StatusRunning).
			Updates(map[string]any{
				"records_processed": processed,
				"records_total":     total,
				"progress_percent":  max(Percent(processed, total), cur.ProgressPercent),
				"errors":            errs,
			}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).First(&snapshot).Error
	})
	if err != nil {
		return err
	}
	r.publishProgress(&snapshot)
	return nil
}

// terminal 终态写入描述
type terminal struct {
	status  Status
	message string // 追加到 errors 末尾
	action  string
	actorID string
	fatal   bool
	notify  bool
}

func classify(err error) terminal {
	switch {
	case err == nil:
		return terminal{status: StatusCompleted, action: audit.ActionOperationComplete}
	case errors.Is(err, errStopped):
		return terminal{status: StatusFailed, message: errStopped.Error(), action: audit.ActionOperationFail}
	case errors.Is(err, common.ErrOperationCancelled):
		return terminal{status: StatusFailed, message: common.ErrOperationCancelled.Error(), action: audit.ActionOperationCancel}
	case errors.Is(err, common.ErrOperationTimeout):
		return terminal{status: StatusFailed, message: common.ErrOperationTimeout.Error(), action: audit.ActionOperationTimeout, notify: true}
	case errors.Is(err, context.Canceled):
		return terminal{status: StatusFailed, message: "服务停止，操作已中断", action: audit.ActionOperationFail, notify: true}
	case IsFatal(err):
		return terminal{status: StatusFailed, message: "致命错误: " + err.Error(), action: audit.ActionOperationFail, fatal: true, notify: true}
	default:
		return terminal{status: StatusFailed, message: err.Error(), action: audit.ActionOperationFail, notify: true}
	}
}

// auditWriteError 终态事务内审计写入失败
type auditWriteError struct{ err error }

func (e *auditWriteError) Error() string { return e.err.Error() }

func (e *auditWriteError) Unwrap() error { return e.err }

// finish 在一个事务中写入终态、实例同步统计与审计条目。
// 操作已是终态时不做任何修改，applied 为 false。
func (r *Runner) finish(ctx context.Context, id string, t terminal) (*Operation, bool, error) {
	unlock, err := r.locks.Lock(ctx, operationLockKey(id))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	var (
		final   Operation
		applied bool
		entry   audit.Entry
	)
	write := func(withAudit bool) error {
		applied = false
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var cur Operation
			if err := tx.Where("id = ?", id).First(&cur).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return common.NewNotFound("操作", id)
				}
				return err
			}
			if cur.Status.Terminal() {
				final = cur
				return nil
			}

			now := r.now()
			errs := append(datatypes.JSONSlice[string]{}, cur.Errors...)
			if t.message != "" {
				errs = append(errs, t.message)
			}
			updates := map[string]any{
				"status":       t.status,
				"completed_at": now,
				"errors":       errs,
			}
			if t.status == StatusCompleted {
				updates["records_processed"] = cur.RecordsTotal
				updates["progress_percent"] = 100
			}
			res := tx.Model(&Operation{}).Where("id = ? AND status IN ?", id, activeStatuses).Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return tx.Where("id = ?", id).First(&final).Error
			}

			if t.status == StatusCompleted {
				stats := instance.SyncStats{
					TotalRecords: cur.RecordsTotal,
					ErrorCount:   len(errs),
				}
				if cur.StartedAt != nil {
					stats.DurationMs = now.Sub(*cur.StartedAt).Milliseconds()
				}
				if err := r.instances.RecordSyncResult(tx, cur.InstanceID, now, stats); err != nil && !errors.Is(err, common.ErrNotFound) {
					return err
				}
			}

			if err := tx.Where("id = ?", id).First(&final).Error; err != nil {
				return err
			}
			entry = terminalEntry(&final, t)
			if withAudit {
				if _, err := r.ledger.RecordTx(tx, entry); err != nil {
					return &auditWriteError{err: err}
				}
			}
			applied = true
			return nil
		})
	}

	err = write(true)
	var aerr *auditWriteError
	if errors.As(err, &aerr) {
		r.logger.Warn("终态审计写入失败，改为事务外写入", zap.String("operation_id", id), zap.Error(aerr.err))
		if err = write(false); err == nil && applied {
			r.ledger.Record(ctx, entry)
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("写入操作终态失败: %w", err)
	}
	return &final, applied, nil
}

func terminalEntry(op *Operation, t terminal) audit.Entry {
	meta := map[string]any{
		"instance_id":       op.InstanceID,
		"kind":              string(op.Kind),
		"entity":            op.Entity,
		"status":            string(op.Status),
		"records_processed": op.RecordsProcessed,
		"records_total":     op.RecordsTotal,
		"error_count":       len(op.Errors),
	}
	if t.message != "" {
		meta["error"] = t.message
	}
	actor := t.actorID
	if actor == "" && t.status == StatusCompleted {
		actor = op.RequestedBy
	}
	return audit.Entry{
		ActorID:    actor,
		Action:     t.action,
		Resource:   auditResource,
		ResourceID: op.ID,
		Metadata:   meta,
		Success:    t.status == StatusCompleted,
	}
}

// afterTerminal 终态提交后的指标、推送与通知
func (r *Runner) afterTerminal(ctx context.Context, op *Operation, t terminal) {
	metrics.OperationsTotal.WithLabelValues(string(op.Kind), string(op.Status)).Inc()
	if op.StartedAt != nil && op.CompletedAt != nil {
		metrics.OperationDuration.WithLabelValues(string(op.Kind)).Observe(op.CompletedAt.Sub(*op.StartedAt).Seconds())
	}
	r.publishProgress(op)

	fields := []zap.Field{
		zap.String("operation_id", op.ID),
		zap.String("instance_id", op.InstanceID),
		zap.String("status", string(op.Status)),
		zap.Int64("records_processed", op.RecordsProcessed),
		zap.Int("errors", len(op.Errors)),
	}
	if op.Status == StatusCompleted {
		logger.WithContext(ctx, r.logger).Info("操作完成", fields...)
		return
	}
	logger.WithContext(ctx, r.logger).Warn("操作失败", append(fields, zap.String("reason", t.message))...)

	if !t.notify || r.notifier == nil {
		return
	}
	err := r.notifier.Send(ctx, &notification.Notification{
		Kind:       notification.KindOperationFailed,
		Subject:    fmt.Sprintf("同步操作失败: %s %s", op.Kind, op.Entity),
		Body:       strings.Join(op.Errors, "\n"),
		Severity:   string(audit.DefaultSeverity(t.action)),
		ResourceID: op.ID,
		Data: map[string]any{
			"instance_id":       op.InstanceID,
			"records_processed": op.RecordsProcessed,
			"records_total":     op.RecordsTotal,
		},
	})
	if err != nil {
		r.logger.Warn("发送操作失败通知失败", zap.String("operation_id", op.ID), zap.Error(err))
	}
}

// CancelOperation 取消 PENDING 或 RUNNING 操作，终态操作原样返回
func (r *Runner) CancelOperation(ctx context.Context, id, actorID string) (*Operation, error) {
	op, err := r.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status.Terminal() {
		return op, nil
	}

	if err := r.db.WithContext(ctx).Model(&Operation{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Update("cancel_requested", true).Error; err != nil {
		return nil, fmt.Errorf("写入取消标记失败: %w", err)
	}
	r.signal(id, common.ErrOperationCancelled)

	t := terminal{status: StatusFailed, message: common.ErrOperationCancelled.Error(), action: audit.ActionOperationCancel, actorID: actorID}
	final, applied, err := r.finish(ctx, id, t)
	if err != nil {
		return nil, err
	}
	if applied {
		r.afterTerminal(ctx, final, t)
	}
	return final, nil
}

// GetOperation 按 ID 获取操作
func (r *Runner) GetOperation(ctx context.Context, id string) (*Operation, error) {
	var op Operation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&op).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewNotFound("操作", id)
		}
		return nil, err
	}
	return &op, nil
}

// ListOperations 分页查询操作
func (r *Runner) ListOperations(ctx context.Context, f ListFilter) ([]Operation, int64, error) {
	q := r.db.WithContext(ctx).Model(&Operation{}).
		Scopes(common.ByField("instance_id", f.InstanceID), common.ByStatus(string(f.Status)))

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var items []Operation
	if err := q.Scopes(common.Paginate(f.PaginationRequest)).
		Order("created_at DESC").Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Wait 阻塞直到操作进入终态或 ctx 结束
func (r *Runner) Wait(ctx context.Context, id string) (*Operation, error) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		op, err := r.GetOperation(ctx, id)
		if err != nil {
			return nil, err
		}
		if op.Status.Terminal() {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RecoverStale 将长时间没有进展的 PENDING/RUNNING 操作标记为超时失败，
// 用于进程重启或 worker 崩溃后释放实例
func (r *Runner) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := r.now().Add(-olderThan)
	var stale []Operation
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", activeStatuses, cutoff).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("查询滞留操作失败: %w", err)
	}

	recovered := 0
	for i := range stale {
		if r.isTracked(stale[i].ID) {
			continue
		}
		t := terminal{
			status:  StatusFailed,
			message: fmt.Sprintf("%s: 超过 %s 无进展", common.ErrOperationTimeout.Error(), olderThan),
			action:  audit.ActionOperationTimeout,
			notify:  true,
		}
		final, applied, err := r.finish(ctx, stale[i].ID, t)
		if err != nil {
			r.logger.Error("回收滞留操作失败", zap.String("operation_id", stale[i].ID), zap.Error(err))
			continue
		}
		if applied {
			recovered++
			r.afterTerminal(ctx, final, t)
		}
	}
	return recovered, nil
}

// PruneTerminal 删除完成时间早于保留期的终态操作
func (r *Runner) PruneTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-retention)
	res := r.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []Status{StatusCompleted, StatusFailed}, cutoff).
		Delete(&Operation{})
	if res.Error != nil {
		return 0, fmt.Errorf("清理历史操作失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *Runner) track(id string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[id] = cancel
}

func (r *Runner) untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
}

func (r *Runner) isTracked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}

// signal 通知本进程内的执行循环停止
func (r *Runner) signal(id string, cause error) {
	r.mu.Lock()
	cancel, ok := r.running[id]
	r.mu.Unlock()
	if ok {
		cancel(cause)
	}
}

func (r *Runner) publishProgress(op *Operation) {
	if r.publisher == nil {
		return
	}
	payload := map[string]any{
		"type":             "operation.progress",
		"operationId":      op.ID,
		"instanceId":       op.InstanceID,
		"status":           op.Status,
		"progressPercent":  op.ProgressPercent,
		"recordsProcessed": op.RecordsProcessed,
		"recordsTotal":     op.RecordsTotal,
	}
	if op.Status.Terminal() {
		payload["type"] = "operation.finished"
		payload["errors"] = op.Errors
	}
	for _, topic := range []string{notification.OperationTopic(op.ID), notification.InstanceTopic(op.InstanceID)} {
		if err := r.publisher.Publish(topic, payload); err != nil {
			r.logger.Debug("推送操作进度失败", zap.String("topic", topic), zap.Error(err))
		}
	}
}
