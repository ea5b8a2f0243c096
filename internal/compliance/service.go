package compliance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"eventhub/internal/audit"
	"eventhub/internal/common"
	"eventhub/internal/keylock"
	"eventhub/internal/logger"
	"eventhub/internal/metrics"
	"eventhub/internal/notification"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 审计中合规对象的资源名
const (
	resourceSubject  = "consent_subject"
	resourceIncident = "incident"
)

// Service 合规服务：同意记录、数据处理记录、安全事件与删除请求
type Service struct {
	db       *gorm.DB
	ledger   *audit.Ledger
	locks    keylock.Locker
	notifier notification.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewService 创建服务，notifier 可以为 nil
func NewService(db *gorm.DB, ledger *audit.Ledger, locks keylock.Locker, notifier notification.Notifier, log *zap.Logger) *Service {
	if locks == nil {
		locks = keylock.NewMemoryLocker()
	}
	if log == nil {
		log = logger.Get()
	}
	return &Service{
		db:       db,
		ledger:   ledger,
		locks:    locks,
		notifier: notifier,
		logger:   log.Named("compliance"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func subjectKey(subjectID string) string {
	return "compliance:subject:" + subjectID
}

// ============================================================================
// 同意记录
// ============================================================================

// RecordConsent 记录同意：撤回同类型的当前记录、写入新记录、写一条审计，三步在同一事务内完成
func (s *Service) RecordConsent(ctx context.Context, req *RecordConsentRequest) (*ConsentRecord, error) {
	verr := &common.ValidationError{}
	if req.SubjectID == "" {
		verr.Missing = append(verr.Missing, "subjectId")
	}
	if !req.ConsentType.Valid() {
		verr.Invalid = append(verr.Invalid, fmt.Sprintf("consentType (%q 不是合法类型)", req.ConsentType))
	}
	if !req.Method.Valid() {
		verr.Invalid = append(verr.Invalid, fmt.Sprintf("method (%q 不是合法方式)", req.Method))
	}
	if !verr.Empty() {
		return nil, verr
	}

	unlock, err := s.locks.Lock(ctx, subjectKey(req.SubjectID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	record := &ConsentRecord{
		ID:          uuid.NewString(),
		SubjectID:   req.SubjectID,
		ConsentType: req.ConsentType,
		Granted:     req.Granted,
		Method:      req.Method,
		Source:      req.Source,
		Timestamp:   now,
	}

	action := audit.ActionConsentGrant
	if !req.Granted {
		action = audit.ActionConsentDeny
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var previous ConsentRecord
		found := true
		if err := tx.Where("subject_id = ? AND consent_type = ? AND withdrawn_at IS NULL", req.SubjectID, req.ConsentType).
			First(&previous).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("查询当前同意记录失败: %w", err)
			}
			found = false
		}

		meta := map[string]any{
			"consent_id":   record.ID,
			"consent_type": string(req.ConsentType),
			"granted":      req.Granted,
			"method":       string(req.Method),
		}
		if req.Source != "" {
			meta["source"] = req.Source
		}
		if found {
			if err := tx.Model(&ConsentRecord{}).
				Where("id = ? AND withdrawn_at IS NULL", previous.ID).
				Update("withdrawn_at", now).Error; err != nil {
				return fmt.Errorf("撤回原同意记录失败: %w", err)
			}
			meta["previous_id"] = previous.ID
			meta["previous_granted"] = previous.Granted
			// 以拒绝覆盖有效授权即为撤回
			if previous.Granted && !req.Granted {
				action = audit.ActionConsentWithdraw
			}
		}

		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("写入同意记录失败: %w", err)
		}

		_, err := s.ledger.RecordTx(tx, audit.Entry{
			Timestamp:  now,
			ActorID:    req.ActorID,
			Action:     action,
			Resource:   resourceSubject,
			ResourceID: req.SubjectID,
			Metadata:   meta,
			Success:    true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.ConsentChangesTotal.WithLabelValues(string(req.ConsentType), strconv.FormatBool(req.Granted)).Inc()
	s.logger.Debug("同意记录已更新",
		zap.String("subject_id", req.SubjectID),
		zap.String("consent_type", string(req.ConsentType)),
		zap.Bool("granted", req.Granted),
	)
	return record, nil
}

// WithdrawConsent 撤回当前有效的同意记录
func (s *Service) WithdrawConsent(ctx context.Context, subjectID string, consentType ConsentType, actorID string) (*ConsentRecord, error) {
	unlock, err := s.locks.Lock(ctx, subjectKey(subjectID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var record ConsentRecord
	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subject_id = ? AND consent_type = ? AND withdrawn_at IS NULL", subjectID, consentType).
			First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return common.NewNotFound("有效同意记录", subjectID+"/"+string(consentType))
			}
			return err
		}
		if err := tx.Model(&ConsentRecord{}).Where("id = ?", record.ID).Update("withdrawn_at", now).Error; err != nil {
			return fmt.Errorf("撤回同意记录失败: %w", err)
		}
		record.WithdrawnAt = &now

		_, err := s.ledger.RecordTx(tx, audit.Entry{
			Timestamp:  now,
			ActorID:    actorID,
			Action:     audit.ActionConsentWithdraw,
			Resource:   resourceSubject,
			ResourceID: subjectID,
			Metadata: map[string]any{
				"consent_id":   record.ID,
				"consent_type": string(consentType),
			},
			Success: true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.ConsentChangesTotal.WithLabelValues(string(consentType), "withdrawn").Inc()
	return &record, nil
}

// ListConsents 数据主体的全部同意记录，按时间升序
func (s *Service) ListConsents(ctx context.Context, subjectID string) ([]ConsentRecord, error) {
	var records []ConsentRecord
	if err := s.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("timestamp ASC").Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ActiveConsent 当前有效的同意记录
func (s *Service) ActiveConsent(ctx context.Context, subjectID string, consentType ConsentType) (*ConsentRecord, error) {
	var record ConsentRecord
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND consent_type = ? AND withdrawn_at IS NULL", subjectID, consentType).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewNotFound("有效同意记录", subjectID+"/"+string(consentType))
		}
		return nil, err
	}
	return &record, nil
}

// consentGranted 当前是否持有已授予的同意
func (s *Service) consentGranted(ctx context.Context, subjectID string, consentType ConsentType) (bool, error) {
	record, err := s.ActiveConsent(ctx, subjectID, consentType)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return record.Granted, nil
}

// ============================================================================
// 数据处理记录
// ============================================================================

// RecordProcessing 登记数据处理记录
func (s *Service) RecordProcessing(ctx context.Context, req *RecordProcessingRequest) (*ProcessingRecord, error) {
	verr := &common.ValidationError{}
	if req.SubjectID == "" {
		verr.Missing = append(verr.Missing, "subjectId")
	}
	if req.Purpose == "" {
		verr.Missing = append(verr.Missing, "purpose")
	}
	if !req.LegalBasis.Valid() {
		verr.Invalid = append(verr.Invalid, fmt.Sprintf("legalBasis (%q 不是合法依据)", req.LegalBasis))
	}
	consentType := req.ConsentType
	if req.LegalBasis == BasisConsent {
		if consentType == "" {
			consentType = ConsentDataProcessing
		}
		if !consentType.Valid() {
			verr.Invalid = append(verr.Invalid, fmt.Sprintf("consentType (%q 不是合法类型)", consentType))
		}
	}
	if req.RetentionDays < 0 {
		verr.Invalid = append(verr.Invalid, "retentionDays (不能为负数)")
	}
	if !verr.Empty() {
		return nil, verr
	}

	recordedAt := s.now()
	if req.RecordedAt != nil {
		recordedAt = req.RecordedAt.UTC()
	}
	record := &ProcessingRecord{
		ID:             uuid.NewString(),
		SubjectID:      req.SubjectID,
		Purpose:        req.Purpose,
		DataCategories: req.DataCategories,
		LegalBasis:     req.LegalBasis,
		ConsentType:    consentType,
		RetentionDays:  req.RetentionDays,
		Processor:      req.Processor,
		RecordedAt:     recordedAt,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("写入数据处理记录失败: %w", err)
	}

	s.ledger.Record(ctx, audit.Entry{
		ActorID:    req.ActorID,
		Action:     audit.ActionProcessingRecord,
		Resource:   resourceSubject,
		ResourceID: req.SubjectID,
		Metadata: map[string]any{
			"record_id":      record.ID,
			"purpose":        record.Purpose,
			"legal_basis":    string(record.LegalBasis),
			"retention_days": record.RetentionDays,
		},
		Success: true,
	})
	return record, nil
}

// ListProcessing 数据主体的处理记录
func (s *Service) ListProcessing(ctx context.Context, subjectID string) ([]ProcessingRecord, error) {
	var records []ProcessingRecord
	if err := s.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("recorded_at ASC").Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ============================================================================
// 安全事件
// ============================================================================

// ReportIncident 上报安全事件，数据泄露或 HIGH 及以上级别会触发通知
func (s *Service) ReportIncident(ctx context.Context, req *ReportIncidentRequest) (*Incident, error) {
	verr := &common.ValidationError{}
	if req.Title == "" {
		verr.Missing = append(verr.Missing, "title")
	}
	if !req.Category.Valid() {
		verr.Invalid = append(verr.Invalid, fmt.Sprintf("category (%q 不是合法类别)", req.Category))
	}
	if !req.Severity.Valid() {
		verr.Invalid = append(verr.Invalid, fmt.Sprintf("severity (%q 不是合法级别)", req.Severity))
	}
	if !verr.Empty() {
		return nil, verr
	}

	now := s.now()
	detectedAt := now
	if req.DetectedAt != nil {
		detectedAt = req.DetectedAt.UTC()
	}
	incident := &Incident{
		ID:               uuid.NewString(),
		Title:            req.Title,
		Description:      req.Description,
		Category:         req.Category,
		Severity:         req.Severity,
		AffectedSubjects: req.AffectedSubjects,
		ReportedBy:       req.ActorID,
		DetectedAt:       detectedAt,
		ReportedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(incident).Error; err != nil {
		return nil, fmt.Errorf("写入安全事件失败: %w", err)
	}

	s.ledger.Record(ctx, audit.Entry{
		ActorID:    req.ActorID,
		Action:     audit.ActionIncidentReport,
		Resource:   resourceIncident,
		ResourceID: incident.ID,
		Severity:   incident.Severity,
		Metadata: map[string]any{
			"category":          string(incident.Category),
			"title":             incident.Title,
			"affected_subjects": incident.AffectedSubjects,
		},
		Success: true,
	})

	if incident.Category == IncidentDataBreach || incident.Severity.Rank() >= audit.SeverityHigh.Rank() {
		s.notify(ctx, &notification.Notification{
			Kind:       notification.KindIncidentReported,
			Subject:    "安全事件: " + incident.Title,
			Body:       incident.Description,
			Severity:   string(incident.Severity),
			ResourceID: incident.ID,
			Data: map[string]any{
				"category":          string(incident.Category),
				"affected_subjects": incident.AffectedSubjects,
			},
		})
	}
	return incident, nil
}

// ListIncidents 时间范围内上报的事件
func (s *Service) ListIncidents(ctx context.Context, r common.DateRange) ([]Incident, error) {
	q := s.db.WithContext(ctx).Model(&Incident{})
	if !r.Start.IsZero() {
		q = q.Where("reported_at >= ?", r.Start.UTC())
	}
	if !r.End.IsZero() {
		q = q.Where("reported_at <= ?", r.End.UTC())
	}
	var incidents []Incident
	if err := q.Order("reported_at ASC").Find(&incidents).Error; err != nil {
		return nil, err
	}
	return incidents, nil
}

func (s *Service) notify(ctx context.Context, n *notification.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.Warn("发送通知失败", zap.String("kind", n.Kind), zap.Error(err))
	}
}

// ============================================================================
// 删除请求
// ============================================================================

// HandleErasureRequest 处理数据主体的删除请求。
//
// 处理记录满足以下任一条件时删除：保留期已届满；依据为 CONSENT 且对应同意当前未授予。
// 其余记录保留并给出原因。每条结果都会写审计。重复调用不会产生新的删除。
func (s *Service) HandleErasureRequest(ctx context.Context, subjectID, reason, actorID string) (*ErasureResult, error) {
	if subjectID == "" {
		return nil, &common.ValidationError{Missing: []string{"subjectId"}}
	}

	unlock, err := s.locks.Lock(ctx, subjectKey(subjectID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := &ErasureResult{
		SubjectID:       subjectID,
		DeletedRecords:  []string{},
		RetainedRecords: []RetainedRecord{},
		Errors:          []string{},
	}

	records, err := s.ListProcessing(ctx, subjectID)
	if err != nil {
		s.ledger.Record(ctx, audit.Entry{
			ActorID:    actorID,
			Action:     audit.ActionErasureError,
			Resource:   resourceSubject,
			ResourceID: subjectID,
			Metadata:   map[string]any{"reason": reason, "error": err.Error()},
			Success:    false,
		})
		metrics.ErasureOutcomesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("查询数据处理记录失败: %w", err)
	}

	now := s.now()
	for i := range records {
		rec := &records[i]
		erase, why, err := s.erasable(ctx, rec, now)
		if err != nil {
			s.recordErasureError(ctx, result, rec, actorID, err)
			continue
		}
		if !erase {
			result.RetainedRecords = append(result.RetainedRecords, RetainedRecord{RecordID: rec.ID, Reason: why})
			metrics.ErasureOutcomesTotal.WithLabelValues("retained").Inc()
			s.ledger.Record(ctx, audit.Entry{
				ActorID:    actorID,
				Action:     audit.ActionErasureRetain,
				Resource:   resourceSubject,
				ResourceID: subjectID,
				Metadata:   map[string]any{"record_id": rec.ID, "reason": why},
				Success:    true,
			})
			continue
		}

		res := s.db.WithContext(ctx).Where("id = ?", rec.ID).Delete(&ProcessingRecord{})
		if res.Error != nil {
			s.recordErasureError(ctx, result, rec, actorID, res.Error)
			continue
		}
		if res.RowsAffected == 0 {
			// 并发删除已处理
			continue
		}
		result.DeletedRecords = append(result.DeletedRecords, rec.ID)
		metrics.ErasureOutcomesTotal.WithLabelValues("deleted").Inc()
		s.ledger.Record(ctx, audit.Entry{
			ActorID:    actorID,
			Action:     audit.ActionErasureDelete,
			Resource:   resourceSubject,
			ResourceID: subjectID,
			Metadata:   map[string]any{"record_id": rec.ID, "reason": why, "purpose": rec.Purpose},
			Success:    true,
		})
	}

	s.ledger.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionErasureRequest,
		Resource:   resourceSubject,
		ResourceID: subjectID,
		Metadata: map[string]any{
			"reason":   reason,
			"deleted":  len(result.DeletedRecords),
			"retained": len(result.RetainedRecords),
			"errors":   len(result.Errors),
		},
		Success: len(result.Errors) == 0,
	})

	s.logger.Info("删除请求处理完成",
		zap.String("subject_id", subjectID),
		zap.Int("deleted", len(result.DeletedRecords)),
		zap.Int("retained", len(result.RetainedRecords)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// erasable 判断处理记录是否可以删除，并给出原因
func (s *Service) erasable(ctx context.Context, rec *ProcessingRecord, now time.Time) (bool, string, error) {
	if rec.RetentionElapsed(now) {
		return true, "保留期已届满", nil
	}
	if rec.LegalBasis == BasisConsent {
		granted, err := s.consentGranted(ctx, rec.SubjectID, rec.ConsentType)
		if err != nil {
			return false, "", err
		}
		if !granted {
			return true, "同意未授予或已撤回", nil
		}
		return false, fmt.Sprintf("%s 同意仍然有效", rec.ConsentType), nil
	}
	if rec.RetentionDays > 0 {
		until := rec.RecordedAt.AddDate(0, 0, rec.RetentionDays)
		return false, fmt.Sprintf("处理依据 %s 要求保留至 %s", rec.LegalBasis, until.Format("2006-01-02")), nil
	}
	return false, fmt.Sprintf("处理依据 %s 要求保留", rec.LegalBasis), nil
}

func (s *Service) recordErasureError(ctx context.Context, result *ErasureResult, rec *ProcessingRecord, actorID string, err error) {
	msg := fmt.Sprintf("%s: %v", rec.ID, err)
	result.Errors = append(result.Errors, msg)
	metrics.ErasureOutcomesTotal.WithLabelValues("error").Inc()
	s.ledger.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionErasureError,
		Resource:   resourceSubject,
		ResourceID: rec.SubjectID,
		Metadata:   map[string]any{"record_id": rec.ID, "error": err.Error()},
		Success:    false,
	})
}
