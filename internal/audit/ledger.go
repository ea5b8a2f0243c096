package audit

import (
	"context"
	"fmt"
	"time"

	"eventhub/internal/common"
	"eventhub/internal/keylock"
	"eventhub/internal/logger"
	"eventhub/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Recorder 审计写入接口，其他组件只依赖该接口
type Recorder interface {
	Record(ctx context.Context, entry Entry) *Entry
}

// Ledger 审计账本：写入永不向调用方报错。
//
// 数据库写入失败时条目进入 Spool，Spool 也失败时写入 zap 错误日志。
// 同一 (resource, resourceId) 的写入串行执行，保证同一对象的审计顺序。
type Ledger struct {
	db     *gorm.DB
	spool  Spool
	locks  keylock.Locker
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger 创建审计账本，spool 可以为 nil
func NewLedger(db *gorm.DB, spool Spool, locks keylock.Locker, log *zap.Logger) *Ledger {
	if locks == nil {
		locks = keylock.NewMemoryLocker()
	}
	if log == nil {
		log = logger.Get()
	}
	return &Ledger{
		db:     db,
		spool:  spool,
		locks:  locks,
		logger: log.Named("audit"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Prepare 补全 ID、时间与默认级别
func (l *Ledger) Prepare(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	if !entry.Severity.Valid() {
		entry.Severity = DefaultSeverity(entry.Action)
	}
}

// Record 写入一条审计日志，永不返回错误
func (l *Ledger) Record(ctx context.Context, entry Entry) *Entry {
	l.Prepare(&entry)

	// 调用方的 ctx 取消不应让审计丢失
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	unlock, err := l.locks.Lock(writeCtx, lockKey(&entry))
	if err != nil {
		l.logger.Warn("获取审计写锁失败，直接写入", zap.String("action", entry.Action), zap.Error(err))
	} else {
		defer unlock()
	}

	if err := l.insert(l.db.WithContext(writeCtx), &entry); err != nil {
		l.fallback(&entry, err)
		return &entry
	}
	metrics.AuditEntriesTotal.WithLabelValues(string(entry.Severity), "db").Inc()
	return &entry
}

// RecordTx 在调用方事务中写入审计，失败时返回错误由调用方回滚
func (l *Ledger) RecordTx(tx *gorm.DB, entry Entry) (*Entry, error) {
	l.Prepare(&entry)
	if err := l.insert(tx, &entry); err != nil {
		return nil, fmt.Errorf("写入审计日志失败: %w", err)
	}
	metrics.AuditEntriesTotal.WithLabelValues(string(entry.Severity), "db").Inc()
	return &entry, nil
}

func (l *Ledger) insert(db *gorm.DB, entry *Entry) error {
	// 兜底回放时可能重复写入同一 ID
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error
}

func (l *Ledger) fallback(entry *Entry, cause error) {
	if l.spool != nil {
		err := l.spool.Append(entry)
		if err == nil {
			metrics.AuditEntriesTotal.WithLabelValues(string(entry.Severity), "spool").Inc()
			l.logger.Warn("审计写库失败，已写入兜底文件",
				zap.String("id", entry.ID),
				zap.String("action", entry.Action),
				zap.Error(cause),
			)
			return
		}
		cause = fmt.Errorf("%v; 兜底文件写入失败: %w", cause, err)
	}

	metrics.AuditEntriesTotal.WithLabelValues(string(entry.Severity), "log").Inc()
	l.logger.Error("审计日志写入失败",
		zap.String("id", entry.ID),
		zap.Time("timestamp", entry.Timestamp),
		zap.String("actor_id", entry.ActorID),
		zap.String("action", entry.Action),
		zap.String("resource", entry.Resource),
		zap.String("resource_id", entry.ResourceID),
		zap.String("severity", string(entry.Severity)),
		zap.Any("metadata", map[string]any(entry.Metadata)),
		zap.Bool("success", entry.Success),
		zap.Error(cause),
	)
}

func lockKey(entry *Entry) string {
	if entry.ResourceID == "" {
		return "audit:" + entry.Resource
	}
	return "audit:" + entry.Resource + ":" + entry.ResourceID
}

// ReplaySpool 将兜底文件中的条目写回数据库
func (l *Ledger) ReplaySpool(ctx context.Context) (int, error) {
	if l.spool == nil {
		return 0, nil
	}
	n, err := l.spool.Drain(func(entry *Entry) error {
		return l.insert(l.db.WithContext(ctx), entry)
	})
	if n > 0 {
		metrics.AuditSpoolReplayedTotal.Add(float64(n))
		l.logger.Info("审计兜底文件回放完成", zap.Int("replayed", n))
	}
	if err != nil {
		return n, fmt.Errorf("回放审计兜底文件失败: %w", err)
	}
	return n, nil
}

// Filter 审计查询条件
type Filter struct {
	ActorID    string
	Action     string
	Actions    []string
	Resource   string
	ResourceID string
	Severity   Severity
	Range      common.DateRange
	Limit      int
	Offset     int
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if len(f.Actions) > 0 {
		q = q.Where("action IN ?", f.Actions)
	}
	if f.Resource != "" {
		q = q.Where("resource = ?", f.Resource)
	}
	if f.ResourceID != "" {
		q = q.Where("resource_id = ?", f.ResourceID)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if !f.Range.Start.IsZero() {
		q = q.Where("timestamp >= ?", f.Range.Start.UTC())
	}
	if !f.Range.End.IsZero() {
		q = q.Where("timestamp <= ?", f.Range.End.UTC())
	}
	return q
}

// Query 按条件查询，按时间升序返回并附带总数
func (l *Ledger) Query(ctx context.Context, f Filter) ([]Entry, int64, error) {
	q := f.apply(l.db.WithContext(ctx).Model(&Entry{}))

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计审计日志失败: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}
	var entries []Entry
	err := q.Order("timestamp ASC").Order("id ASC").Limit(limit).Offset(f.Offset).Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询审计日志失败: %w", err)
	}
	return entries, total, nil
}

// QueryByActor 查询某操作人在时间范围内的审计日志
func (l *Ledger) QueryByActor(ctx context.Context, actorID string, r common.DateRange) ([]Entry, error) {
	entries, _, err := l.Query(ctx, Filter{ActorID: actorID, Range: r})
	return entries, err
}

// QueryByAction 查询某类事件在时间范围内的审计日志
func (l *Ledger) QueryByAction(ctx context.Context, action string, r common.DateRange) ([]Entry, error) {
	entries, _, err := l.Query(ctx, Filter{Action: action, Range: r})
	return entries, err
}

// CountByAction 时间范围内各事件数量
func (l *Ledger) CountByAction(ctx context.Context, r common.DateRange, actions ...string) (map[string]int64, error) {
	type row struct {
		Action string
		Count  int64
	}
	var rows []row
	q := Filter{Actions: actions, Range: r}.apply(l.db.WithContext(ctx).Model(&Entry{}))
	if err := q.Select("action, COUNT(*) AS count").Group("action").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("统计审计事件失败: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Action] = r.Count
	}
	return out, nil
}

// CountBySeverity 时间范围内各级别数量及失败数量
func (l *Ledger) CountBySeverity(ctx context.Context, r common.DateRange) (map[Severity]int64, int64, error) {
	type row struct {
		Severity Severity
		Count    int64
	}
	var rows []row
	base := Filter{Range: r}
	if err := base.apply(l.db.WithContext(ctx).Model(&Entry{})).
		Select("severity, COUNT(*) AS count").Group("severity").Scan(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("统计审计级别失败: %w", err)
	}
	out := make(map[Severity]int64, len(AllSeverities))
	for _, s := range AllSeverities {
		out[s] = 0
	}
	for _, r := range rows {
		out[r.Severity] = r.Count
	}

	var failures int64
	if err := base.apply(l.db.WithContext(ctx).Model(&Entry{})).
		Where("success = ?", false).Count(&failures).Error; err != nil {
		return nil, 0, fmt.Errorf("统计失败事件失败: %w", err)
	}
	return out, failures, nil
}
