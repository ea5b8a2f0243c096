package compliance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"eventhub/internal/audit"
	"eventhub/internal/common"
	"eventhub/internal/notification"

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

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:compliance_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func setupService(t *testing.T) (*Service, *audit.Ledger, *fakeNotifier, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	require.NoError(t, audit.Migrate(db))
	log := zaptest.NewLogger(t)
	ledger := audit.NewLedger(db, nil, nil, log)
	notifier := &fakeNotifier{}
	return NewService(db, ledger, nil, notifier, log), ledger, notifier, db
}

func countActive(t *testing.T, db *gorm.DB, subjectID string, ct ConsentType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&ConsentRecord{}).
		Where("subject_id = ? AND consent_type = ? AND withdrawn_at IS NULL", subjectID, ct).
		Count(&n).Error)
	return n
}

func TestRecordConsent_RegrantWithdrawsPrevious(t *testing.T) {
	svc, ledger, _, db := setupService(t)
	ctx := context.Background()

	first, err := svc.RecordConsent(ctx, &RecordConsentRequest{
		SubjectID: "u1", ConsentType: ConsentMarketing, Granted: true, Method: MethodExplicit, ActorID: "admin",
	})
	require.NoError(t, err)

	second, err := svc.RecordConsent(ctx, &RecordConsentRequest{
		SubjectID: "u1", ConsentType: ConsentMarketing, Granted: true, Method: MethodOptIn, ActorID: "admin",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), countActive(t, db, "u1", ConsentMarketing))

	records, err := svc.ListConsents(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first.ID, records[0].ID)
	assert.NotNil(t, records[0].WithdrawnAt, "原有效记录被撤回")
	assert.Nil(t, records[1].WithdrawnAt)

	active, err := svc.ActiveConsent(ctx, "u1", ConsentMarketing)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, MethodOptIn, active.Method)

	entries, _, err := ledger.Query(ctx, audit.Filter{Resource: "consent_subject", ResourceID: "u1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[1].Metadata["previous_id"])
}

func TestRecordConsent_DenyAfterGrantIsWithdrawal(t *testing.T) {
	svc, ledger, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.RecordConsent(ctx, &RecordConsentRequest{SubjectID: "u1", ConsentType: ConsentMarketing, Granted: true, Method: MethodExplicit})
	require.NoError(t, err)
	_, err = svc.RecordConsent(ctx, &RecordConsentRequest{SubjectID: "u1", ConsentType: ConsentMarketing, Granted: false, Method: MethodOptOut})
	require.NoError(t, err)
	_, err = svc.RecordConsent(ctx, &RecordConsentRequest{SubjectID: "u1", ConsentType: ConsentMarketing, Granted: false, Method: MethodOptOut})
	require.NoError(t, err)

	entries, _, err := ledger.Query(ctx, audit.Filter{Resource: "consent_subject", ResourceID: "u1"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	actions := map[string]int{}
	for _, e := range entries {
		actions[e.Action]++
	}
	assert.Equal(t, map[string]int{
		audit.ActionConsentGrant:    1,
		audit.ActionConsentWithdraw: 1,
		audit.ActionConsentDeny:     1,
	}, actions, "已拒绝时再次拒绝仍记为拒绝")
}

func TestRecordConsent_Validation(t *testing.T) {
	svc, _, _, _ := setupService(t)

	_, err := svc.RecordConsent(context.Background(), &RecordConsentRequest{
		ConsentType: "NEWSLETTER", Method: "SHOUTED",
	})
	require.ErrorIs(t, err, common.ErrValidation)
	var verr *common.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"subjectId"}, verr.Missing)
	assert.Len(t, verr.Invalid, 2)
}

func TestRecordConsent_ConcurrentSinglePair(t *testing.T) {
	svc, _, _, db := setupService(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RecordConsent(context.Background(), &RecordConsentRequest{
				SubjectID: "u2", ConsentType: ConsentAnalytics, Granted: i%2 == 0, Method: MethodExplicit,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), countActive(t, db, "u2", ConsentAnalytics))
	records, err := svc.ListConsents(context.Background(), "u2")
	require.NoError(t, err)
	assert.Len(t, records, 10)
}

func TestConsentRecord_PartialUniqueIndex(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()
	require.NoError(t, db.Create(&ConsentRecord{
		ID: "c1", SubjectID: "u3", ConsentType: ConsentCookies, Granted: true, Method: MethodImplied, Timestamp: now,
	}).Error)

	err := db.Create(&ConsentRecord{
		ID: "c2", SubjectID: "u3", ConsentType: ConsentCookies, Granted: true, Method: MethodImplied, Timestamp: now,
	}).Error
	assert.Error(t, err, "同一对不能有两条有效记录")

	withdrawn := now
	require.NoError(t, db.Create(&ConsentRecord{
		ID: "c3", SubjectID: "u3", ConsentType: ConsentCookies, Method: MethodImplied, Timestamp: now, WithdrawnAt: &withdrawn,
	}).Error, "已撤回记录不受约束")
}

func TestRecordConsent_AuditFailureRollsBack(t *testing.T) {
	db := openTestDB(t) // 未迁移审计表
	log := zaptest.NewLogger(t)
	svc := NewService(db, audit.NewLedger(db, nil, nil, log), nil, nil, log)

	_, err := svc.RecordConsent(context.Background(), &RecordConsentRequest{
		SubjectID: "u4", ConsentType: ConsentMarketing, Granted: true, Method: MethodExplicit,
	})
	require.Error(t, err)

	var n int64
	db.Model(&ConsentRecord{}).Where("subject_id = ?", "u4").Count(&n)
	assert.Equal(t, int64(0), n, "审计写入失败时同意记录一并回滚")
}

func TestWithdrawConsent(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.WithdrawConsent(ctx, "u5", ConsentMarketing, "")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = svc.RecordConsent(ctx, &RecordConsentRequest{
		SubjectID: "u5", ConsentType: ConsentMarketing, Granted: true, Method: MethodOptIn,
	})
	require.NoError(t, err)

	withdrawn, err := svc.WithdrawConsent(ctx, "u5", ConsentMarketing, "u5")
	require.NoError(t, err)
	assert.NotNil(t, withdrawn.WithdrawnAt)

	_, err = svc.ActiveConsent(ctx, "u5", ConsentMarketing)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestHandleErasureRequest(t *testing.T) {
	svc, ledger, _, _ := setupService(t)
	ctx := context.Background()
	twoDaysAgo := time.Now().UTC().AddDate(0, 0, -2)

	_, err := svc.RecordConsent(ctx, &RecordConsentRequest{SubjectID: "u6", ConsentType: ConsentMarketing, Granted: true, Method: MethodExplicit})
	require.NoError(t, err)
	_, err = svc.WithdrawConsent(ctx, "u6", ConsentMarketing, "u6")
	require.NoError(t, err)
	_, err = svc.RecordConsent(ctx, &RecordConsentRequest{SubjectID: "u6", ConsentType: ConsentAnalytics, Granted: true, Method: MethodExplicit})
	require.NoError(t, err)

	marketing, err := svc.RecordProcessing(ctx, &RecordProcessingRequest{
		SubjectID: "u6", Purpose: "newsletter", LegalBasis: BasisConsent, ConsentType: ConsentMarketing,
	})
	require.NoError(t, err)
	analytics, err := svc.RecordProcessing(ctx, &RecordProcessingRequest{
		SubjectID: "u6", Purpose: "usage stats", LegalBasis: BasisConsent, ConsentType: ConsentAnalytics,
	})
	require.NoError(t, err)
	contract, err := svc.RecordProcessing(ctx, &RecordProcessingRequest{
		SubjectID: "u6", Purpose: "ticket invoice", LegalBasis: BasisContract, RetentionDays: 30,
	})
	require.NoError(t, err)
	expired, err := svc.RecordProcessing(ctx, &RecordProcessingRequest{
		SubjectID: "u6", Purpose: "door access log", LegalBasis: BasisLegalObligation, RetentionDays: 1, RecordedAt: &twoDaysAgo,
	})
	require.NoError(t, err)

	first, err := svc.HandleErasureRequest(ctx, "u6", "subject request", "dpo")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{marketing.ID, expired.ID}, first.DeletedRecords)
	retainedIDs := func(r *ErasureResult) []string {
		ids := make([]string, 0, len(r.RetainedRecords))
		for _, rr := range r.RetainedRecords {
			ids = append(ids, rr.RecordID)
			assert.NotEmpty(t, rr.Reason)
		}
		return ids
	}
	assert.ElementsMatch(t, []string{analytics.ID, contract.ID}, retainedIDs(first))
	assert.Empty(t, first.Errors)

	t.Run("重复请求不产生新的删除", func(t *testing.T) {
		second, err := svc.HandleErasureRequest(ctx, "u6", "subject request", "dpo")
		require.NoError(t, err)
		assert.Empty(t, second.DeletedRecords)
		assert.ElementsMatch(t, retainedIDs(first), retainedIDs(second))
	})

	t.Run("每个结果都有审计", func(t *testing.T) {
		counts, err := ledger.CountByAction(ctx, common.DateRange{},
			audit.ActionErasureDelete, audit.ActionErasureRetain, audit.ActionErasureRequest)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[audit.ActionErasureDelete])
		assert.Equal(t, int64(4), counts[audit.ActionErasureRetain])
		assert.Equal(t, int64(2), counts[audit.ActionErasureRequest])
	})

	t.Run("缺少主体", func(t *testing.T) {
		_, err := svc.HandleErasureRequest(ctx, "", "x", "")
		assert.ErrorIs(t, err, common.ErrValidation)
	})
}

func TestReportIncident(t *testing.T) {
	svc, ledger, notifier, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.ReportIncident(ctx, &ReportIncidentRequest{Title: "minor", Category: IncidentSecurity, Severity: audit.SeverityMedium})
	require.NoError(t, err)
	assert.Empty(t, notifier.sent, "MEDIUM 级别的非泄露事件不通知")

	breach, err := svc.ReportIncident(ctx, &ReportIncidentRequest{
		Title: "attendee export leaked", Category: IncidentDataBreach, Severity: audit.SeverityLow, AffectedSubjects: 40, ActorID: "sec",
	})
	require.NoError(t, err)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, notification.KindIncidentReported, notifier.sent[0].Kind)
	assert.Equal(t, breach.ID, notifier.sent[0].ResourceID)

	_, err = svc.ReportIncident(ctx, &ReportIncidentRequest{Title: "outage", Category: IncidentAvailability, Severity: audit.SeverityCritical})
	require.NoError(t, err)
	assert.Len(t, notifier.sent, 2)

	entries, err := ledger.QueryByAction(ctx, audit.ActionIncidentReport, common.DateRange{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, audit.SeverityCritical, entries[2].Severity)

	_, err = svc.ReportIncident(ctx, &ReportIncidentRequest{Category: "ALIENS", Severity: "HUGE"})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestGenerateReport(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Hour)

	_, err := svc.RecordConsent(ctx, &RecordConsentRequest{SubjectID: "a", ConsentType: ConsentMarketing, Granted: true, Method: MethodExplicit})
	require.NoError(t, err)
	_, err = svc.RecordConsent(ctx, &RecordConsentRequest{SubjectID: "b", ConsentType: ConsentThirdPartySharing, Granted: false, Method: MethodOptOut})
	require.NoError(t, err)
	_, err = svc.WithdrawConsent(ctx, "a", ConsentMarketing, "a")
	require.NoError(t, err)
	_, err = svc.RecordConsent(ctx, &RecordConsentRequest{SubjectID: "c", ConsentType: ConsentMarketing, Granted: true, Method: MethodExplicit})
	require.NoError(t, err)
	_, err = svc.RecordConsent(ctx, &RecordConsentRequest{SubjectID: "c", ConsentType: ConsentMarketing, Granted: false, Method: MethodOptOut})
	require.NoError(t, err)
	_, err = svc.HandleErasureRequest(ctx, "a", "request", "dpo")
	require.NoError(t, err)
	_, err = svc.ReportIncident(ctx, &ReportIncidentRequest{Title: "leak", Category: IncidentDataBreach, Severity: audit.SeverityHigh, AffectedSubjects: 3})
	require.NoError(t, err)
	end := time.Now().UTC().Add(time.Hour)

	t.Run("GDPR", func(t *testing.T) {
		report, err := svc.GenerateReport(ctx, FrameworkGDPR, start, end)
		require.NoError(t, err)
		assert.Equal(t, int64(2), report.Metrics[MetricConsentGrants])
		assert.Equal(t, int64(2), report.Metrics[MetricConsentWithdrawals], "拒绝覆盖有效授权计为撤回")
		assert.Equal(t, int64(1), report.Metrics[MetricErasureRequests])
		assert.Equal(t, int64(1), report.Metrics[MetricDataBreaches])
		assert.Equal(t, int64(1), report.BySeverity[audit.SeverityHigh])
		assert.Greater(t, report.TotalEvents, int64(0))
	})

	t.Run("CCPA", func(t *testing.T) {
		report, err := svc.GenerateReport(ctx, FrameworkCCPA, start, end)
		require.NoError(t, err)
		assert.Equal(t, int64(2), report.Metrics[MetricOptOuts])
		assert.Equal(t, int64(1), report.Metrics[MetricConsentDenials])
	})

	t.Run("HIPAA", func(t *testing.T) {
		report, err := svc.GenerateReport(ctx, FrameworkHIPAA, start, end)
		require.NoError(t, err)
		assert.Equal(t, int64(1), report.Metrics[MetricSecurityIncidents])
		assert.Equal(t, int64(3), report.Metrics[MetricAffectedSubjects])
	})

	t.Run("范围外为空", func(t *testing.T) {
		report, err := svc.GenerateReport(ctx, FrameworkGDPR, end, end.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), report.Metrics[MetricConsentGrants])
		assert.Equal(t, int64(0), report.TotalEvents)
	})

	t.Run("非法参数", func(t *testing.T) {
		_, err := svc.GenerateReport(ctx, "SOX", start, end)
		assert.ErrorIs(t, err, common.ErrValidation)
		_, err = svc.GenerateReport(ctx, FrameworkGDPR, end, start)
		assert.ErrorIs(t, err, common.ErrValidation)
	})

	t.Run("报告只读", func(t *testing.T) {
		var before, after int64
		svc.db.Model(&audit.Entry{}).Count(&before)
		_, err := svc.GenerateReport(ctx, FrameworkGDPR, start, end)
		require.NoError(t, err)
		svc.db.Model(&audit.Entry{}).Count(&after)
		assert.Equal(t, before, after)
	})
}

func TestParseFramework(t *testing.T) {
	f, err := ParseFramework(" gdpr ")
	require.NoError(t, err)
	assert.Equal(t, FrameworkGDPR, f)

	_, err = ParseFramework("pci")
	assert.ErrorIs(t, err, common.ErrValidation)
}
