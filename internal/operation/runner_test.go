package operation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eventhub/internal/audit"
	"eventhub/internal/catalog"
	"eventhub/internal/common"
	"eventhub/internal/instance"
	"eventhub/internal/keylock"
	"eventhub/internal/notification"
	"eventhub/internal/security"
	"eventhub/internal/verifier"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []*notification.Notification
}

func (f *fakeNotifier) Send(_ context.Context, n *notification.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.sent {
		out = append(out, n.Kind)
	}
	return out
}

type recordingPublisher struct {
	mu       sync.Mutex
	progress map[string][]int
}

func (p *recordingPublisher) Publish(topic string, payload any) error {
	m, ok := payload.(map[string]any)
	if !ok || !strings.HasPrefix(topic, "operation:") {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := m["operationId"].(string)
	p.progress[id] = append(p.progress[id], m["progressPercent"].(int))
	return nil
}

func (p *recordingPublisher) series(id string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.progress[id]...)
}

// blockingConnector 忽略 ctx，直到 release 关闭
type blockingConnector struct {
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (c *blockingConnector) Plan(context.Context, *Job) (int64, error) { return 10, nil }

func (c *blockingConnector) ProcessBatch(ctx context.Context, _ *Job, _, limit int64) (*BatchResult, error) {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return &BatchResult{Processed: limit}, ctx.Err()
}

type fixture struct {
	runner    *Runner
	instances *instance.Service
	ledger    *audit.Ledger
	db        *gorm.DB
	notifier  *fakeNotifier
	publisher *recordingPublisher
	locks     keylock.Locker
}

func setup(t *testing.T, cfg Config, reg *Registry) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:operation_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, instance.Migrate(db))
	require.NoError(t, Migrate(db))
	require.NoError(t, audit.Migrate(db))

	log := zaptest.NewLogger(t)
	box, err := security.NewSecretBox("test-seed")
	require.NoError(t, err)
	ledger := audit.NewLedger(db, nil, nil, log)
	notifier := &fakeNotifier{}
	locks := keylock.NewMemoryLocker()
	instances := instance.NewService(db, catalog.Default(), verifier.New(verifier.Options{AllowUnchecked: true}, log), box, ledger,
		instance.WithNotifier(notifier), instance.WithLogger(log), instance.WithLocker(locks))
	publisher := &recordingPublisher{progress: map[string][]int{}}

	runner := NewRunner(db, instances, ledger, cfg,
		WithRegistry(reg), WithNotifier(notifier), WithPublisher(publisher), WithLogger(log), WithLocker(locks))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Dispatcher().(*LocalDispatcher).Close(ctx)
	})
	return &fixture{runner: runner, instances: instances, ledger: ledger, db: db, notifier: notifier, publisher: publisher, locks: locks}
}

func (f *fixture) salesforce(t *testing.T) *instance.ResourceInstance {
	t.Helper()
	inst, err := f.instances.CreateInstance(context.Background(), &instance.CreateRequest{
		ResourceID: "salesforce",
		Name:       "Acme CRM",
		Config: map[string]string{
			"instance_url":  "https://acme.my.salesforce.com",
			"client_id":     "3MVG9abc",
			"client_secret": "s3cr3t",
			"scopes":        "api refresh_token",
		},
		ActorID: "admin",
	})
	require.NoError(t, err)
	require.Equal(t, instance.StatusActive, inst.Status)
	return inst
}

func (f *fixture) actions(t *testing.T, opID string) []string {
	t.Helper()
	entries, _, err := f.ledger.Query(context.Background(), audit.Filter{Resource: auditResource, ResourceID: opID})
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunner_ExportCompletes(t *testing.T) {
	f := setup(t, Config{BatchSize: 10}, nil)
	inst := f.salesforce(t)
	ctx := waitCtx(t)

	op, err := f.runner.StartOperation(ctx, &StartRequest{
		InstanceID: inst.ID, Entity: "attendees", Kind: KindExport, RecordsTotal: 100, ActorID: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)

	done, err := f.runner.Wait(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, int64(100), done.RecordsProcessed)
	assert.Equal(t, int64(100), done.RecordsTotal)
	assert.Equal(t, 100, done.ProgressPercent)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.Errors)

	got, err := f.instances.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncAt)
	assert.Equal(t, int64(100), got.SyncStats.Data().TotalRecords)

	completed, _, err := f.ledger.Query(ctx, audit.Filter{Action: audit.ActionOperationComplete})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, op.ID, completed[0].ResourceID)
	assert.Equal(t, []string{audit.ActionOperationStart, audit.ActionOperationComplete}, f.actions(t, op.ID))
}

func TestRunner_ProgressMonotonic(t *testing.T) {
	f := setup(t, Config{BatchSize: 7}, nil)
	inst := f.salesforce(t)
	ctx := waitCtx(t)

	op, err := f.runner.StartOperation(ctx, &StartRequest{InstanceID: inst.ID, Entity: "attendees", Kind: KindImport, RecordsTotal: 45})
	require.NoError(t, err)
	_, err = f.runner.Wait(ctx, op.ID)
	require.NoError(t, err)

	series := f.publisher.series(op.ID)
	require.NotEmpty(t, series)
	for i, p := range series {
		assert.GreaterOrEqual(t, p, 0)
		assert.LessOrEqual(t, p, 100)
		if i > 0 {
			assert.GreaterOrEqual(t, p, series[i-1], "进度不能回退")
		}
	}
	assert.Equal(t, 100, series[len(series)-1])
}

func TestRunner_StartPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("参数校验", func(t *testing.T) {
		f := setup(t, Config{}, nil)
		_, err := f.runner.StartOperation(ctx, &StartRequest{Kind: "SIDEWAYS"})
		require.ErrorIs(t, err, common.ErrValidation)
		var verr *common.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, []string{"instanceId", "entity"}, verr.Missing)
		assert.Len(t, verr.Invalid, 1)
	})

	t.Run("实例不存在", func(t *testing.T) {
		f := setup(t, Config{}, nil)
		_, err := f.runner.StartOperation(ctx, &StartRequest{InstanceID: "missing", Entity: "attendees", Kind: KindExport})
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("实例非 ACTIVE", func(t *testing.T) {
		f := setup(t, Config{}, nil)
		inst, err := f.instances.CreateInstance(ctx, &instance.CreateRequest{
			ResourceID: "mailchimp",
			Config:     map[string]string{"api_key": "0123abcd-us6", "server_prefix": "us1"},
		})
		require.NoError(t, err)
		require.Equal(t, instance.StatusError, inst.Status)

		_, err = f.runner.StartOperation(ctx, &StartRequest{InstanceID: inst.ID, Entity: "attendees", Kind: KindExport})
		assert.ErrorIs(t, err, common.ErrInstanceNotActive)

		var n int64
		require.NoError(t, f.db.Model(&Operation{}).Count(&n).Error)
		assert.Zero(t, n)
	})
}

func TestRunner_RejectsConcurrentOnSameInstance(t *testing.T) {
	conn := &blockingConnector{release: make(chan struct{}), entered: make(chan struct{})}
	f := setup(t, Config{}, NewRegistry(conn))
	inst := f.salesforce(t)
	ctx := waitCtx(t)
	t.Cleanup(func() { close(conn.release) })

	first, err := f.runner.StartOperation(ctx, &StartRequest{InstanceID: inst.ID, Entity: "attendees", Kind: KindExport})
	require.NoError(t, err)

	_, err = f.runner.StartOperation(ctx, &StartRequest{InstanceID: inst.ID, Entity: "sessions", Kind: KindImport})
	require.ErrorIs(t, err, common.ErrOperationInProgress)

	<-conn.entered
	_, err = f.runner.StartOperation(ctx, &StartRequest{InstanceID: inst.ID, Entity: "sessions", Kind: KindImport})
	require.ErrorIs(t, err, common.ErrOperationInProgress, "RUNNING 时同样拒绝")

	cancelled, err := f.runner.CancelOperation(ctx, first.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cancelled.Status)

	ops, total, err := f.runner.ListOperations(ctx, ListFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, ops, 1)
}

func TestRunner_StartWaitsForInstanceLock(t *testing.T) {
	f := setup(t, Config{}, nil)
	inst := f.salesforce(t)

	unlock, err := f.locks.Lock(context.Background(), instance.LockKey(inst.ID))
	require.NoError(t, err)

	t.Run("实例被修改时无法启动", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := f.runner.StartOperation(ctx, &StartRequest{InstanceID: inst.ID, Entity: "attendees", Kind: KindExport})
		require.ErrorIs(t, err, keylock.ErrLockTimeout)
	})

	t.Run("与实例修改共用同一把锁", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := f.instances.MarkError(ctx, inst.ID, "凭据已失效")
		require.ErrorIs(t, err, keylock.ErrLockTimeout)
	})

	t.Run("释放后可以启动", func(t *testing.T) {
		unlock()
		op, err := f.runner.StartOperation(waitCtx(t), &StartRequest{InstanceID: inst.ID, Entity: "attendees", Kind: KindExport})
		require.NoError(t, err)
		assert.Equal(t, inst.ID, op.InstanceID)
	})
}

func TestRunner_Cancel(t *testing.T) {
	ctx := waitCtx(t)

	t.Run("运行中取消", func(t *testing.T) {
		sim := NewSimulatedConnector(0)
		sim.BatchDelay = 20 * time.Millisecond
		f := setup(t, Config{BatchSize: 5}, NewRegistry(sim))
		inst := f.salesforce(t)

		op, err := f.runner.StartOperation(ctx, &StartRequest{InstanceID: inst.ID, Entity: "attendees", Kind: KindExport, RecordsTotal: 1000})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			cur, err := f.runner.GetOperation(ctx, op.ID)
			return err == nil && cur.RecordsProcessed > 0
		}, 5*time.Second, 10*time.Millisecond)

		cancelled, err := f.runner.CancelOperation(ctx, op.ID, "admin")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, cancelled.Status)
		assert.True(t, cancelled.CancelRequested)
		require.NotEmpty(t, cancelled.Errors)
		assert.Equal(t, common.ErrOperationCancelled.Error(), cancelled.Errors[len(cancelled.Errors)-1])

		final, err := f.runner.Wait(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, final.Status)
		assert.Less(t, final.RecordsProcessed, int64(1000))

		// 执行循环随后结束，但不会再写第二条终态审计
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, []string{audit.ActionOperationStart, audit.ActionOperationCancel}, f.actions(t, op.ID))

		got, err := f.instances.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Nil(t, got.LastSyncAt, "取消的操作不更新同步时间")
	})

	t.Run("终态操作原样返回", func(t *testing.T) {
		f := setup(t, Config{}, nil)
		inst := f.salesforce(t)
		op, err := f.runner.StartOperation(ctx, &StartRequest{InstanceID: inst.ID, Entity: "attendees", Kind: KindExport, RecordsTotal: 5})
		require.NoError(t, err)
		done, err := f.runner.Wait(ctx, op.ID)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, done.Status)

		again, err := f.runner.CancelOperation(ctx, op.ID, "admin")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, again.Status)
		assert.Empty(t, again.Errors)
	})

	t.Run("不存在的操作", func(t *testing.T) {
		f := setup(t, Config{}, nil)
		_, err := f.runner.CancelOperation(ctx, "missing", "admin")
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestRunner_TimeoutForcesFailed(t *testing.T) {
	conn := &blockingConnector{release: make(chan struct{}), entered: make(chan struct{})}
	f := setup(t, Config{Timeout: 100 * time.Millisecond}, NewRegistry(conn))
	inst := f.salesforce(t)
	ctx := waitCtx(t)
	t.Cleanup(func() { close(conn.release) })

	op, err := f.runner.StartOperation(ctx, &StartRequest{InstanceID: inst.ID, Entity: "attendees", Kind: KindExport})
	require.NoError(t, err)

	final, err := f.runner.Wait(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotEmpty(t, final.Errors)
	assert.Equal(t, common.ErrOperationTimeout.Error(), final.Errors[len(final.Errors)-1])
	assert.Contains(t, f.actions(t, op.ID), audit.ActionOperationTimeout)
	assert.Eventually(t, func() bool {
		for _, k := range f.notifier.kinds() {
			if k == notification.KindOperationFailed {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// 超时释放实例，可以再次发起
	_, err = f.runner.StartOperation(ctx, &StartRequest{InstanceID: inst.ID, Entity: "attendees", Kind: KindExport})
	assert.NoError(t, err)
}

func TestRunner_RecordErrors(t *testing.T) {
	ctx := waitCtx(t)

	t.Run("单条失败不中断", func(t *testing.T) {
		sim := NewSimulatedConnector(0)
		sim.FailRecord = func(_ *Job, i int64) error {
			if i%10 == 0 {
				return errors.New("邮箱格式错误")
			}
			return nil
		}
		f := setup(t, Config{BatchSize: 8}, NewRegistry(sim))
		inst := f.salesforce(t)

		op, err := f.runner.StartOperation(ctx, &StartRequest{InstanceID: inst.ID, Entity: "attendees", Kind: KindExport, RecordsTotal: 50})
		require.NoError(t, err)
		done, err := f.runner.Wait(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)
		assert.Equal(t, int64(50), done.RecordsProcessed)
		require.Len(t, done.Errors, 5)
		assert.Equal(t, "记录 0: 邮箱格式错误", done.Errors[0])

		got, err := f.instances.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, got.SyncStats.Data().ErrorCount)
	})

	t.Run("致命错误立即失败并标记实例", func(t *testing.T) {
		var calls atomic.Int64
		sim := NewSimulatedConnector(0)
		sim.FailRecord = func(_ *Job, i int64) error {
			calls.Add(1)
			switch {
			case i == 3:
				return errors.New("重复记录")
			case i == 12:
				return Fatal(errors.New("凭据已被吊销"))
			}
			return nil
		}
		f := setup(t, Config{BatchSize: 5}, NewRegistry(sim))
		inst := f.salesforce(t)

		op, err := f.runner.StartOperation(ctx, &StartRequest{InstanceID: inst.ID, Entity: "attendees", Kind: KindBidirectional, RecordsTotal: 100})
		require.NoError(t, err)
		done, err := f.runner.Wait(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, done.Status)
		assert.Equal(t, int64(13), calls.Load(), "致命错误后不再处理后续记录")
		require.Len(t, done.Errors, 2)
		assert.Contains(t, done.Errors[0], "重复记录")
		assert.Contains(t, done.Errors[1], "凭据已被吊销")

		require.Eventually(t, func() bool {
			got, err := f.instances.GetInstance(ctx, inst.ID)
			return err == nil && got.Status == instance.StatusError
		}, 5*time.Second, 10*time.Millisecond)
		got, err := f.instances.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Contains(t, got.ErrorMessage, "凭据已被吊销")
		assert.Nil(t, got.LastSyncAt)
	})
}

func TestRunner_RecoverAndPrune(t *testing.T) {
	f := setup(t, Config{}, nil)
	inst := f.salesforce(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-2 * time.Hour)

	stale := &Operation{ID: "stale-1", InstanceID: inst.ID, Kind: KindExport, Entity: "attendees", Status: StatusRunning, StartedAt: &old}
	stale.CreatedAt, stale.UpdatedAt = old, old
	require.NoError(t, f.db.Create(stale).Error)
	fresh := &Operation{ID: "fresh-1", InstanceID: "other", Kind: KindExport, Entity: "attendees", Status: StatusPending}
	require.NoError(t, f.db.Create(fresh).Error)

	n, err := f.runner.RecoverStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.runner.GetOperation(ctx, "stale-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Errors[len(got.Errors)-1], common.ErrOperationTimeout.Error())

	got, err = f.runner.GetOperation(ctx, "fresh-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	require.NoError(t, f.db.Model(&Operation{}).Where("id = ?", "stale-1").
		Update("completed_at", time.Now().UTC().Add(-40*24*time.Hour)).Error)
	pruned, err := f.runner.PruneTerminal(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = f.runner.GetOperation(ctx, "stale-1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestLocalDispatcher_Bounded(t *testing.T) {
	var (
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	exec := func(_ context.Context, _ string) error {
		defer wg.Done()
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil
	}
	d := NewLocalDispatcher(2, exec, zaptest.NewLogger(t))

	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, d.Dispatch(context.Background(), fmt.Sprintf("op-%d", i)))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))

	require.NoError(t, d.Close(context.Background()))
	assert.ErrorIs(t, d.Dispatch(context.Background(), "late"), ErrDispatcherClosed)
}

func TestPercent(t *testing.T) {
	tests := []struct {
		name             string
		processed, total int64
		want             int
	}{
		{"总数为零", 5, 0, 0},
		{"四舍五入", 1, 3, 33},
		{"进位", 2, 3, 67},
		{"完成", 100, 100, 100},
		{"超出上限", 120, 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Percent(tt.processed, tt.total))
		})
	}
}
