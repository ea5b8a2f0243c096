package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventhub/internal/logger"
	"eventhub/internal/metrics"

	"go.uber.org/zap"
	gormLogger "gorm.io/gorm/logger"
)

const defaultSlowQuery = 200 * time.Millisecond

// sqlLogger 将 GORM 日志写入 zap，并带上请求上下文中的 trace_id 与 actor_id
type sqlLogger struct {
	base  *zap.Logger
	level gormLogger.LogLevel
	slow  time.Duration
}

// newSQLLogger 按数据库配置构建日志适配器。logSQL 打开时逐条记录 SQL（Debug 级别）。
func newSQLLogger(base *zap.Logger, slow time.Duration, logSQL bool) *sqlLogger {
	if slow <= 0 {
		slow = defaultSlowQuery
	}
	level := gormLogger.Warn
	if logSQL {
		level = gormLogger.Info
	}
	return &sqlLogger{base: base, level: level, slow: slow}
}

func (l *sqlLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *sqlLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormLogger.Info {
		logger.WithContext(ctx, l.base).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *sqlLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormLogger.Warn {
		logger.WithContext(ctx, l.base).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *sqlLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormLogger.Error {
		logger.WithContext(ctx, l.base).Error(fmt.Sprintf(msg, data...))
	}
}

// Trace 记录单条 SQL。记录不存在不算错误；超过阈值的查询计入慢查询指标。
func (l *sqlLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormLogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gormLogger.ErrRecordNotFound)
	slow := elapsed > l.slow
	if !failed && !slow && l.level < gormLogger.Info {
		return
	}

	sql, rows := fc()
	log := logger.WithContext(ctx, l.base)
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}
	switch {
	case failed:
		metrics.DBQueryIssuesTotal.WithLabelValues("error").Inc()
		log.Error("SQL 执行错误", append(fields, zap.Error(err))...)
	case slow:
		metrics.DBQueryIssuesTotal.WithLabelValues("slow").Inc()
		log.Warn("SQL 慢查询", append(fields, zap.Duration("threshold", l.slow))...)
	default:
		log.Debug("SQL 执行", fields...)
	}
}
