package jobs

import (
	"context"
	"time"

	"eventhub/internal/audit"

	"go.uber.org/zap"
)

// 内置维护任务名称
const (
	JobReplaySpool     = "audit.replay_spool"
	JobArchiveAudit    = "audit.archive"
	JobRecoverStale    = "operation.recover_stale"
	JobPruneOperations = "operation.prune"
)

// SpoolReplayer 审计兜底回放
type SpoolReplayer interface {
	ReplaySpool(ctx context.Context) (int, error)
}

// AuditArchiver 审计归档
type AuditArchiver interface {
	Archive(ctx context.Context) (*audit.ArchiveResult, error)
}

// OperationMaintainer 操作记录维护
type OperationMaintainer interface {
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
	PruneTerminal(ctx context.Context, retention time.Duration) (int64, error)
}

// Specs 各任务的 cron 表达式
type Specs struct {
	Replay    string
	Archive   string
	Retention string
}

// Maintenance 维护任务依赖
type Maintenance struct {
	Ledger     SpoolReplayer
	Archiver   AuditArchiver
	Operations OperationMaintainer
	StaleAfter time.Duration // 超过该时长无进展的操作视为滞留
	Retention  time.Duration // 终态操作保留期，0 表示永久保留
}

// RegisterMaintenance 注册审计与操作维护任务；依赖为 nil 的任务不注册
func RegisterMaintenance(s *Scheduler, specs Specs, m Maintenance) error {
	if m.Ledger != nil {
		err := s.Add(JobReplaySpool, specs.Replay, func(ctx context.Context) error {
			n, err := m.Ledger.ReplaySpool(ctx)
			if n > 0 {
				s.logger.Info("审计兜底条目已回放", zap.Int("count", n))
			}
			return err
		})
		if err != nil {
			return err
		}
	}

	if m.Archiver != nil {
		err := s.Add(JobArchiveAudit, specs.Archive, func(ctx context.Context) error {
			res, err := m.Archiver.Archive(ctx)
			if err != nil {
				return err
			}
			s.logger.Info("审计归档完成",
				zap.Int("files", len(res.ArchivedFiles)),
				zap.Int64("entries", res.TotalEntries),
				zap.Int("skipped", res.SkippedDays),
			)
			return nil
		})
		if err != nil {
			return err
		}
	}

	if m.Operations != nil {
		if m.StaleAfter > 0 {
			err := s.Add(JobRecoverStale, specs.Retention, func(ctx context.Context) error {
				n, err := m.Operations.RecoverStale(ctx, m.StaleAfter)
				if n > 0 {
					s.logger.Warn("已回收滞留操作", zap.Int("count", n))
				}
				return err
			})
			if err != nil {
				return err
			}
		}
		if m.Retention > 0 {
			err := s.Add(JobPruneOperations, specs.Retention, func(ctx context.Context) error {
				n, err := m.Operations.PruneTerminal(ctx, m.Retention)
				if n > 0 {
					s.logger.Info("已清理历史操作", zap.Int64("count", n))
				}
				return err
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
