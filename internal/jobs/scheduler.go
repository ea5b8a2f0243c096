package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"eventhub/internal/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Func 定时任务
type Func func(ctx context.Context) error

// Scheduler 基于 cron 的后台任务调度，表达式带秒字段
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]Func
}

// NewScheduler 创建调度器，同一任务上一次未结束时跳过本次触发
func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = logger.Get()
	}
	log = log.Named("jobs")
	cl := cronLogger{log: log.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
		logger: log,
		jobs:   make(map[string]Func),
	}
}

// Add 注册任务；spec 为空时不调度，但仍可通过 RunNow 手动执行
func (s *Scheduler) Add(name, spec string, fn Func) error {
	s.mu.Lock()
	if _, dup := s.jobs[name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("任务 %s 已注册", name)
	}
	s.jobs[name] = fn
	s.mu.Unlock()

	if spec == "" {
		s.logger.Info("任务未配置调度表达式，仅支持手动执行", zap.String("job", name))
		return nil
	}
	if _, err := s.cron.AddFunc(spec, func() { s.run(name, fn) }); err != nil {
		s.mu.Lock()
		delete(s.jobs, name)
		s.mu.Unlock()
		return fmt.Errorf("任务 %s 的 cron 表达式无效: %w", name, err)
	}
	return nil
}

// RunNow 立即执行一次指定任务
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	fn, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("任务 %s 未注册", name)
	}
	return fn(ctx)
}

// Names 已注册任务
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) run(name string, fn Func) {
	started := time.Now()
	if err := fn(s.ctx); err != nil {
		s.logger.Error("定时任务执行失败", zap.String("job", name), zap.Error(err))
		return
	}
	s.logger.Debug("定时任务完成", zap.String("job", name), zap.Duration("elapsed", time.Since(started)))
}

// Start 启动调度
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop 停止调度并等待执行中的任务结束，ctx 到期后取消任务上下文
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// cronLogger 将 cron 内部日志转到 zap
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
