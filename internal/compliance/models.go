package compliance

import (
	"time"

	"eventhub/internal/audit"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ============================================================================
// 同意记录
// ============================================================================

// ConsentType 同意类型
type ConsentType string

const (
	ConsentMarketing         ConsentType = "MARKETING"
	ConsentAnalytics         ConsentType = "ANALYTICS"
	ConsentCommunications    ConsentType = "COMMUNICATIONS"
	ConsentDataProcessing    ConsentType = "DATA_PROCESSING"
	ConsentThirdPartySharing ConsentType = "THIRD_PARTY_SHARING"
	ConsentCookies           ConsentType = "COOKIES"
)

// Valid 是否为已知类型
func (t ConsentType) Valid() bool {
	switch t {
	case ConsentMarketing, ConsentAnalytics, ConsentCommunications,
		ConsentDataProcessing, ConsentThirdPartySharing, ConsentCookies:
		return true
	}
	return false
}

// ConsentMethod 同意方式
type ConsentMethod string

const (
	MethodExplicit ConsentMethod = "EXPLICIT"
	MethodImplied  ConsentMethod = "IMPLIED"
	MethodOptIn    ConsentMethod = "OPT_IN"
	MethodOptOut   ConsentMethod = "OPT_OUT"
)

// Valid 是否为已知方式
func (m ConsentMethod) Valid() bool {
	switch m {
	case MethodExplicit, MethodImplied, MethodOptIn, MethodOptOut:
		return true
	}
	return false
}

// ConsentRecord 同意记录。同一 (subject_id, consent_type) 最多一条未撤回记录，
// 由部分唯一索引保证。
type ConsentRecord struct {
	ID          string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	SubjectID   string        `json:"subjectId" gorm:"type:varchar(128);not null;index;uniqueIndex:idx_active_consent,where:withdrawn_at IS NULL"`
	ConsentType ConsentType   `json:"consentType" gorm:"type:varchar(32);not null;uniqueIndex:idx_active_consent,where:withdrawn_at IS NULL"`
	Granted     bool          `json:"granted" gorm:"not null"`
	Method      ConsentMethod `json:"method" gorm:"type:varchar(16);not null"`
	Source      string        `json:"source,omitempty" gorm:"size:100"`
	Timestamp   time.Time     `json:"timestamp" gorm:"not null"`
	WithdrawnAt *time.Time    `json:"withdrawnAt,omitempty"`
}

func (ConsentRecord) TableName() string {
	return "consent_records"
}

// Active 是否为当前有效记录
func (c *ConsentRecord) Active() bool {
	return c.WithdrawnAt == nil
}

// ============================================================================
// 数据处理记录
// ============================================================================

// LegalBasis 处理依据
type LegalBasis string

const (
	BasisConsent             LegalBasis = "CONSENT"
	BasisContract            LegalBasis = "CONTRACT"
	BasisLegalObligation     LegalBasis = "LEGAL_OBLIGATION"
	BasisVitalInterests      LegalBasis = "VITAL_INTERESTS"
	BasisPublicTask          LegalBasis = "PUBLIC_TASK"
	BasisLegitimateInterests LegalBasis = "LEGITIMATE_INTERESTS"
)

// Valid 是否为已知依据
func (b LegalBasis) Valid() bool {
	switch b {
	case BasisConsent, BasisContract, BasisLegalObligation,
		BasisVitalInterests, BasisPublicTask, BasisLegitimateInterests:
		return true
	}
	return false
}

// ProcessingRecord 与数据主体关联的数据处理记录
type ProcessingRecord struct {
	ID             string                      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	SubjectID      string                      `json:"subjectId" gorm:"type:varchar(128);not null;index"`
	Purpose        string                      `json:"purpose" gorm:"size:200;not null"`
	DataCategories datatypes.JSONSlice[string] `json:"dataCategories"`
	LegalBasis     LegalBasis                  `json:"legalBasis" gorm:"type:varchar(32);not null"`
	ConsentType    ConsentType                 `json:"consentType,omitempty" gorm:"type:varchar(32)"` // 依据为 CONSENT 时对应的同意类型
	RetentionDays  int                         `json:"retentionDays" gorm:"not null;default:0"`       // 0 表示无固定保留期
	Processor      string                      `json:"processor,omitempty" gorm:"size:200"`
	RecordedAt     time.Time                   `json:"recordedAt" gorm:"not null"`
}

func (ProcessingRecord) TableName() string {
	return "processing_records"
}

// RetentionElapsed 保留期是否已届满
func (p *ProcessingRecord) RetentionElapsed(now time.Time) bool {
	if p.RetentionDays <= 0 {
		return false
	}
	return !now.Before(p.RecordedAt.AddDate(0, 0, p.RetentionDays))
}

// ============================================================================
// 安全事件
// ============================================================================

// IncidentCategory 事件类别
type IncidentCategory string

const (
	IncidentDataBreach      IncidentCategory = "DATA_BREACH"
	IncidentSecurity        IncidentCategory = "SECURITY"
	IncidentAvailability    IncidentCategory = "AVAILABILITY"
	IncidentPolicyViolation IncidentCategory = "POLICY_VIOLATION"
)

// Valid 是否为已知类别
func (c IncidentCategory) Valid() bool {
	switch c {
	case IncidentDataBreach, IncidentSecurity, IncidentAvailability, IncidentPolicyViolation:
		return true
	}
	return false
}

// Incident 安全/数据泄露事件
type Incident struct {
	ID               string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Title            string           `json:"title" gorm:"size:200;not null"`
	Description      string           `json:"description" gorm:"type:text"`
	Category         IncidentCategory `json:"category" gorm:"type:varchar(32);not null;index"`
	Severity         audit.Severity   `json:"severity" gorm:"type:varchar(16);not null"`
	AffectedSubjects int              `json:"affectedSubjects" gorm:"not null;default:0"`
	ReportedBy       string           `json:"reportedBy,omitempty" gorm:"type:varchar(128)"`
	DetectedAt       time.Time        `json:"detectedAt" gorm:"not null"`
	ReportedAt       time.Time        `json:"reportedAt" gorm:"not null;index"`
}

func (Incident) TableName() string {
	return "incidents"
}

// ============================================================================
// 请求/响应
// ============================================================================

// RecordConsentRequest 记录同意请求
type RecordConsentRequest struct {
	SubjectID   string        `json:"subjectId" binding:"required"`
	ConsentType ConsentType   `json:"consentType" binding:"required"`
	Granted     bool          `json:"granted"`
	Method      ConsentMethod `json:"method" binding:"required"`
	Source      string        `json:"source"`
	ActorID     string        `json:"-"`
}

// RecordProcessingRequest 记录数据处理请求
type RecordProcessingRequest struct {
	SubjectID      string      `json:"subjectId" binding:"required"`
	Purpose        string      `json:"purpose" binding:"required"`
	DataCategories []string    `json:"dataCategories"`
	LegalBasis     LegalBasis  `json:"legalBasis" binding:"required"`
	ConsentType    ConsentType `json:"consentType"`
	RetentionDays  int         `json:"retentionDays"`
	Processor      string      `json:"processor"`
	RecordedAt     *time.Time  `json:"recordedAt"`
	ActorID        string      `json:"-"`
}

// ReportIncidentRequest 上报事件请求
type ReportIncidentRequest struct {
	Title            string           `json:"title" binding:"required"`
	Description      string           `json:"description"`
	Category         IncidentCategory `json:"category" binding:"required"`
	Severity         audit.Severity   `json:"severity" binding:"required"`
	AffectedSubjects int              `json:"affectedSubjects"`
	DetectedAt       *time.Time       `json:"detectedAt"`
	ActorID          string           `json:"-"`
}

// RetainedRecord 被保留的处理记录及原因
type RetainedRecord struct {
	RecordID string `json:"recordId"`
	Reason   string `json:"reason"`
}

// ErasureResult 删除请求处理结果
type ErasureResult struct {
	SubjectID       string           `json:"subjectId"`
	DeletedRecords  []string         `json:"deletedRecords"`
	RetainedRecords []RetainedRecord `json:"retainedRecords"`
	Errors          []string         `json:"errors"`
}

// Migrate 迁移合规相关表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&ConsentRecord{}, &ProcessingRecord{}, &Incident{})
}
