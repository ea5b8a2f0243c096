package compliance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"eventhub/internal/audit"
	"eventhub/internal/common"
)

// Framework 合规框架
type Framework string

const (
	FrameworkGDPR  Framework = "GDPR"
	FrameworkCCPA  Framework = "CCPA"
	FrameworkHIPAA Framework = "HIPAA"
)

// ParseFramework 解析框架名称（不区分大小写）
func ParseFramework(s string) (Framework, error) {
	switch f := Framework(strings.ToUpper(strings.TrimSpace(s))); f {
	case FrameworkGDPR, FrameworkCCPA, FrameworkHIPAA:
		return f, nil
	}
	return "", &common.ValidationError{Invalid: []string{fmt.Sprintf("framework (%q 不是支持的合规框架)", s)}}
}

// 报告指标名称
const (
	MetricConsentGrants      = "consent_grants"
	MetricConsentDenials     = "consent_denials"
	MetricConsentWithdrawals = "consent_withdrawals"
	MetricOptOuts            = "opt_outs"
	MetricErasureRequests    = "erasure_requests"
	MetricErasureDeletions   = "erasure_deletions"
	MetricErasureRetentions  = "erasure_retentions"
	MetricErasureErrors      = "erasure_errors"
	MetricProcessingRecords  = "processing_records"
	MetricDataBreaches       = "data_breaches"
	MetricSecurityIncidents  = "security_incidents"
	MetricAffectedSubjects   = "affected_subjects"
	MetricDataExports        = "data_exports"
	MetricOperationFailures  = "operation_failures"
	MetricInstanceErrors     = "instance_errors"
)

// Report 合规报告，只读聚合
type Report struct {
	Framework   Framework                `json:"framework"`
	Start       time.Time                `json:"start"`
	End         time.Time                `json:"end"`
	GeneratedAt time.Time                `json:"generatedAt"`
	Metrics     map[string]int64         `json:"metrics"`
	BySeverity  map[audit.Severity]int64 `json:"bySeverity"`
	Failures    int64                    `json:"failures"`
	TotalEvents int64                    `json:"totalEvents"`
}

// frameworkActions 各框架关注的审计事件
var frameworkActions = map[Framework]map[string]string{
	FrameworkGDPR: {
		MetricConsentGrants:      audit.ActionConsentGrant,
		MetricConsentWithdrawals: audit.ActionConsentWithdraw,
		MetricErasureRequests:    audit.ActionErasureRequest,
		MetricErasureDeletions:   audit.ActionErasureDelete,
		MetricErasureRetentions:  audit.ActionErasureRetain,
		MetricErasureErrors:      audit.ActionErasureError,
		MetricProcessingRecords:  audit.ActionProcessingRecord,
		MetricDataExports:        audit.ActionDataExport,
	},
	FrameworkCCPA: {
		MetricConsentGrants:    audit.ActionConsentGrant,
		MetricConsentDenials:   audit.ActionConsentDeny,
		MetricErasureRequests:  audit.ActionErasureRequest,
		MetricErasureDeletions: audit.ActionErasureDelete,
		MetricDataExports:      audit.ActionDataExport,
	},
	FrameworkHIPAA: {
		MetricDataExports:       audit.ActionDataExport,
		MetricOperationFailures: audit.ActionOperationFail,
		MetricInstanceErrors:    audit.ActionInstanceError,
		MetricProcessingRecords: audit.ActionProcessingRecord,
	},
}

// GenerateReport 生成合规报告。只读，不写审计。
func (s *Service) GenerateReport(ctx context.Context, framework Framework, start, end time.Time) (*Report, error) {
	actions, ok := frameworkActions[framework]
	if !ok {
		return nil, &common.ValidationError{Invalid: []string{fmt.Sprintf("framework (%q 不是支持的合规框架)", framework)}}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, &common.ValidationError{Invalid: []string{"end (结束时间早于开始时间)"}}
	}
	r := common.DateRange{Start: start, End: end}

	names := make([]string, 0, len(actions))
	for _, action := range actions {
		names = append(names, action)
	}
	counts, err := s.ledger.CountByAction(ctx, r, names...)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Framework:   framework,
		Start:       start,
		End:         end,
		GeneratedAt: s.now(),
		Metrics:     make(map[string]int64, len(actions)+3),
	}
	for metric, action := range actions {
		report.Metrics[metric] = counts[action]
	}

	if err := s.incidentMetrics(ctx, framework, r, report.Metrics); err != nil {
		return nil, err
	}
	if framework == FrameworkCCPA {
		optOuts, err := s.countOptOuts(ctx, r)
		if err != nil {
			return nil, err
		}
		report.Metrics[MetricOptOuts] = optOuts
	}

	report.BySeverity, report.Failures, err = s.ledger.CountBySeverity(ctx, r)
	if err != nil {
		return nil, err
	}
	for _, n := range report.BySeverity {
		report.TotalEvents += n
	}
	return report, nil
}

func (s *Service) incidentMetrics(ctx context.Context, framework Framework, r common.DateRange, out map[string]int64) error {
	incidents, err := s.ListIncidents(ctx, r)
	if err != nil {
		return fmt.Errorf("查询安全事件失败: %w", err)
	}
	var breaches, affected int64
	for _, inc := range incidents {
		if inc.Category == IncidentDataBreach {
			breaches++
			affected += int64(inc.AffectedSubjects)
		}
	}
	out[MetricDataBreaches] = breaches
	if framework == FrameworkHIPAA {
		out[MetricSecurityIncidents] = int64(len(incidents))
		out[MetricAffectedSubjects] = affected
	}
	return nil
}

// countOptOuts 时间范围内以 OPT_OUT 方式记录或拒绝的同意
func (s *Service) countOptOuts(ctx context.Context, r common.DateRange) (int64, error) {
	q := s.db.WithContext(ctx).Model(&ConsentRecord{}).
		Where("(method = ? OR granted = ?)", MethodOptOut, false)
	if !r.Start.IsZero() {
		q = q.Where("timestamp >= ?", r.Start.UTC())
	}
	if !r.End.IsZero() {
		q = q.Where("timestamp <= ?", r.End.UTC())
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("统计退出记录失败: %w", err)
	}
	return n, nil
}
