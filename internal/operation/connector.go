package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventhub/internal/catalog"
	"eventhub/internal/instance"
)

// Job 连接器执行上下文
type Job struct {
	Operation  *Operation
	Instance   *instance.ResourceInstance
	Definition *catalog.ResourceDefinition
	Config     map[string]string // 已解密
}

// BatchResult 单批处理结果
type BatchResult struct {
	Processed int64    // 本批处理的记录数（含失败记录）
	Errors    []string // 单条记录失败，不中断操作
}

// Connector 与第三方系统交换数据
type Connector interface {
	// Plan 返回本次同步的记录总数
	Plan(ctx context.Context, job *Job) (int64, error)
	// ProcessBatch 处理 [offset, offset+limit) 区间的记录
	ProcessBatch(ctx context.Context, job *Job, offset, limit int64) (*BatchResult, error)
}

// FatalError 致命错误：操作立即失败，实例进入 ERROR
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal 将错误标记为致命
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal 是否为致命错误
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// SimulatedConnector 不访问外部系统的连接器，按批推进记录并可注入单条失败
type SimulatedConnector struct {
	DefaultTotal int64                             // 请求未给出总数时使用
	BatchDelay   time.Duration                     // 模拟每批 I/O 耗时
	FailRecord   func(job *Job, index int64) error // 返回非 nil 时该条记录失败
}

// NewSimulatedConnector 创建模拟连接器
func NewSimulatedConnector(defaultTotal int64) *SimulatedConnector {
	if defaultTotal <= 0 {
		defaultTotal = 100
	}
	return &SimulatedConnector{DefaultTotal: defaultTotal}
}

func (c *SimulatedConnector) Plan(_ context.Context, job *Job) (int64, error) {
	if job.Operation.RecordsTotal > 0 {
		return job.Operation.RecordsTotal, nil
	}
	return c.DefaultTotal, nil
}

func (c *SimulatedConnector) ProcessBatch(ctx context.Context, job *Job, offset, limit int64) (*BatchResult, error) {
	if c.BatchDelay > 0 {
		timer := time.NewTimer(c.BatchDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	res := &BatchResult{}
	for i := offset; i < offset+limit; i++ {
		if c.FailRecord != nil {
			if err := c.FailRecord(job, i); err != nil {
				if IsFatal(err) {
					return res, err
				}
				res.Errors = append(res.Errors, fmt.Sprintf("记录 %d: %v", i, err))
			}
		}
		res.Processed++
	}
	return res, nil
}

// Registry 按资源类别选择连接器
type Registry struct {
	byCategory map[catalog.Category]Connector
	fallback   Connector
}

// NewRegistry 创建连接器注册表，fallback 处理未注册的类别
func NewRegistry(fallback Connector) *Registry {
	if fallback == nil {
		fallback = NewSimulatedConnector(0)
	}
	return &Registry{byCategory: make(map[catalog.Category]Connector), fallback: fallback}
}

// Register 注册类别连接器
func (r *Registry) Register(category catalog.Category, c Connector) *Registry {
	r.byCategory[category] = c
	return r
}

// For 返回类别对应的连接器
func (r *Registry) For(category catalog.Category) Connector {
	if c, ok := r.byCategory[category]; ok {
		return c
	}
	return r.fallback
}
