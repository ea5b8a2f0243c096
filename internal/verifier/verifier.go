// Package verifier 连接校验：确认实例配置当前可用。
//
// 校验顺序固定为：必填字段 → 定义规则 → 类别检查。必填字段检查在任何策略下都会执行，
// 未注册类别检查时按 AllowUnchecked 策略处理（记录日志的 no-op 成功，或直接失败）。
package verifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"eventhub/internal/catalog"
	"eventhub/internal/common"
	"eventhub/internal/logger"
	"eventhub/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Check 类别检查，返回的错误信息会作为实例的 errorMessage
type Check func(ctx context.Context, def *catalog.ResourceDefinition, config map[string]string) error

// Options 校验策略
type Options struct {
	AllowUnchecked bool          // 未注册检查的类别视为 no-op 成功
	Live           bool          // 允许发起真实网络探测
	Timeout        time.Duration // 单次校验超时
}

// Verifier 按资源类别分派的连接校验器
type Verifier struct {
	mu     sync.RWMutex
	checks map[catalog.Category]Check
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
}

// New 创建校验器并注册内置类别检查
func New(opts Options, log *zap.Logger) *Verifier {
	if log == nil {
		log = logger.Get()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	v := &Verifier{
		checks: make(map[catalog.Category]Check),
		opts:   opts,
		logger: log.Named("verifier"),
		tracer: otel.Tracer("eventhub/internal/verifier"),
	}
	v.Register(catalog.CategoryCRM, v.checkCRM)
	v.Register(catalog.CategoryMarketing, checkMarketing)
	v.Register(catalog.CategoryCommunication, checkCommunication)
	v.Register(catalog.CategoryPayment, checkPayment)
	// 合规框架与主题的有效性完全由定义规则描述
	v.Register(catalog.CategoryComplianceFramework, RulesOnly)
	v.Register(catalog.CategoryTheme, RulesOnly)
	return v
}

// Register 注册或替换类别检查
func (v *Verifier) Register(category catalog.Category, check Check) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.checks[category] = check
}

// Unregister 移除类别检查
func (v *Verifier) Unregister(category catalog.Category) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.checks, category)
}

// RulesOnly 规则已足够判定有效性的类别使用
func RulesOnly(context.Context, *catalog.ResourceDefinition, map[string]string) error {
	return nil
}

// Verify 校验配置，失败返回 *common.ConnectionError
func (v *Verifier) Verify(ctx context.Context, def *catalog.ResourceDefinition, config map[string]string) error {
	ctx, span := v.tracer.Start(ctx, "Verifier.Verify")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", def.ID),
		attribute.String("category", string(def.Category)),
	)

	start := time.Now()
	result, err := v.verify(ctx, def, config)
	metrics.VerificationsTotal.WithLabelValues(string(def.Category), result).Inc()
	metrics.VerificationDuration.WithLabelValues(string(def.Category)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.WithContext(ctx, v.logger).Info("连接校验失败",
			zap.String("resource_id", def.ID),
			zap.Error(err),
		)
	}
	return err
}

func (v *Verifier) verify(ctx context.Context, def *catalog.ResourceDefinition, config map[string]string) (string, error) {
	if missing := catalog.MissingRequired(def, config); len(missing) > 0 {
		return "failure", v.fail(def, "缺少必填字段: "+strings.Join(missing, ", "))
	}
	if failed := def.EvaluateRules(config); len(failed) > 0 {
		return "failure", v.fail(def, strings.Join(failed, "; "))
	}

	v.mu.RLock()
	check, ok := v.checks[def.Category]
	v.mu.RUnlock()

	if !ok {
		if !v.opts.AllowUnchecked {
			return "failure", v.fail(def, "类别 "+string(def.Category)+" 未注册连接检查")
		}
		logger.WithContext(ctx, v.logger).Info("no-op success: 类别未注册连接检查，按策略放行",
			zap.String("resource_id", def.ID),
			zap.String("category", string(def.Category)),
		)
		return "unchecked", nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()
	if err := check(checkCtx, def, config); err != nil {
		if errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
			return "failure", v.fail(def, "连接校验超时")
		}
		return "failure", v.fail(def, err.Error())
	}
	return "success", nil
}

func (v *Verifier) fail(def *catalog.ResourceDefinition, reason string) error {
	return &common.ConnectionError{ResourceID: def.ID, Reason: reason}
}
