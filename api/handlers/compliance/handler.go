package compliance

import (
	"time"

	"eventhub/internal/auth"
	"eventhub/internal/common"
	"eventhub/internal/compliance"

	"github.com/gin-gonic/gin"
)

// Handler 合规管理 API 处理器
type Handler struct {
	service *compliance.Service
}

// NewHandler 创建处理器
func NewHandler(service *compliance.Service) *Handler {
	return &Handler{service: service}
}

// ========== 同意记录 ==========

// RecordConsent 记录同意或拒绝
// @Summary 记录同意
// @Tags Compliance
// @Accept json
// @Produce json
// @Param request body compliance.RecordConsentRequest true "同意信息"
// @Success 201 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Router /api/v1/compliance/consents [post]
func (h *Handler) RecordConsent(c *gin.Context) {
	var req compliance.RecordConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}
	req.ActorID = auth.ActorID(c)

	rec, err := h.service.RecordConsent(c.Request.Context(), &req)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseCreated(c, rec)
}

// WithdrawConsent 撤回同意
// @Summary 撤回同意
// @Tags Compliance
// @Produce json
// @Param subjectId path string true "数据主体"
// @Param type path string true "同意类型"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/compliance/subjects/{subjectId}/consents/{type}/withdraw [post]
func (h *Handler) WithdrawConsent(c *gin.Context) {
	rec, err := h.service.WithdrawConsent(c.Request.Context(), c.Param("subjectId"),
		compliance.ConsentType(c.Param("type")), auth.ActorID(c))
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseSuccess(c, rec)
}

// ListConsents 列出数据主体的同意记录
// @Summary 列出同意记录
// @Tags Compliance
// @Produce json
// @Param subjectId path string true "数据主体"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/compliance/subjects/{subjectId}/consents [get]
func (h *Handler) ListConsents(c *gin.Context) {
	items, err := h.service.ListConsents(c.Request.Context(), c.Param("subjectId"))
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{"items": items})
}

// ========== 数据处理记录 ==========

// RecordProcessing 记录数据处理
// @Summary 记录数据处理
// @Tags Compliance
// @Accept json
// @Produce json
// @Param request body compliance.RecordProcessingRequest true "处理信息"
// @Success 201 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Router /api/v1/compliance/processing [post]
func (h *Handler) RecordProcessing(c *gin.Context) {
	var req compliance.RecordProcessingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}
	req.ActorID = auth.ActorID(c)

	rec, err := h.service.RecordProcessing(c.Request.Context(), &req)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseCreated(c, rec)
}

// ListProcessing 列出数据主体的处理记录
// @Summary 列出处理记录
// @Tags Compliance
// @Produce json
// @Param subjectId path string true "数据主体"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/compliance/subjects/{subjectId}/processing [get]
func (h *Handler) ListProcessing(c *gin.Context) {
	items, err := h.service.ListProcessing(c.Request.Context(), c.Param("subjectId"))
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{"items": items})
}

// ========== 事件 ==========

// ReportIncident 上报安全事件
// @Summary 上报事件
// @Tags Compliance
// @Accept json
// @Produce json
// @Param request body compliance.ReportIncidentRequest true "事件信息"
// @Success 201 {object} common.APIResponse
// @Router /api/v1/compliance/incidents [post]
func (h *Handler) ReportIncident(c *gin.Context) {
	var req compliance.ReportIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}
	req.ActorID = auth.ActorID(c)

	inc, err := h.service.ReportIncident(c.Request.Context(), &req)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseCreated(c, inc)
}

// ListIncidents 按时间范围列出事件
// @Summary 列出事件
// @Tags Compliance
// @Produce json
// @Param start query string false "开始时间"
// @Param end query string false "结束时间"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/compliance/incidents [get]
func (h *Handler) ListIncidents(c *gin.Context) {
	r, err := common.BindDateRange(c)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	items, err := h.service.ListIncidents(c.Request.Context(), r)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{"items": items})
}

// ========== 删除请求 ==========

// erasureRequest 删除请求
type erasureRequest struct {
	Reason string `json:"reason"`
}

// RequestErasure 处理数据主体删除请求
// @Summary 处理删除请求
// @Tags Compliance
// @Accept json
// @Produce json
// @Param subjectId path string true "数据主体"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/compliance/subjects/{subjectId}/erasure [post]
func (h *Handler) RequestErasure(c *gin.Context) {
	var req erasureRequest
	// 请求体可省略
	_ = c.ShouldBindJSON(&req)

	result, err := h.service.HandleErasureRequest(c.Request.Context(), c.Param("subjectId"), req.Reason, auth.ActorID(c))
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseSuccess(c, result)
}

// ========== 报告 ==========

// GenerateReport 生成合规报告，默认最近 30 天
// @Summary 生成合规报告
// @Tags Compliance
// @Produce json
// @Param framework query string true "GDPR / CCPA / HIPAA"
// @Param start query string false "开始时间"
// @Param end query string false "结束时间"
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Router /api/v1/compliance/reports [get]
func (h *Handler) GenerateReport(c *gin.Context) {
	framework, err := compliance.ParseFramework(c.Query("framework"))
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	r, err := common.BindDateRange(c)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	if r.End.IsZero() {
		r.End = time.Now().UTC()
	}
	if r.Start.IsZero() {
		r.Start = r.End.AddDate(0, 0, -30)
	}

	report, err := h.service.GenerateReport(c.Request.Context(), framework, r.Start, r.End)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseSuccess(c, report)
}
