package audit

import (
	"fmt"
	"net/http"

	"eventhub/internal/audit"
	"eventhub/internal/auth"
	"eventhub/internal/common"

	"github.com/gin-gonic/gin"
)

// Handler 审计日志 API 处理器，只读
type Handler struct {
	ledger   *audit.Ledger
	exporter *audit.Exporter
	archiver *audit.Archiver
}

// NewHandler 创建处理器，archiver 可为 nil
func NewHandler(ledger *audit.Ledger, exporter *audit.Exporter, archiver *audit.Archiver) *Handler {
	return &Handler{ledger: ledger, exporter: exporter, archiver: archiver}
}

// queryParams 查询参数
type queryParams struct {
	ActorID    string `form:"actorId"`
	Action     string `form:"action"`
	Resource   string `form:"resource"`
	ResourceID string `form:"resourceId"`
	Severity   string `form:"severity"`
	common.PaginationRequest
}

func bindFilter(c *gin.Context) (audit.Filter, common.PaginationRequest, error) {
	var p queryParams
	if err := c.ShouldBindQuery(&p); err != nil {
		return audit.Filter{}, p.PaginationRequest, &common.ValidationError{Invalid: []string{err.Error()}}
	}
	r, err := common.BindDateRange(c)
	if err != nil {
		return audit.Filter{}, p.PaginationRequest, err
	}
	sev := audit.Severity(p.Severity)
	if sev != "" && !sev.Valid() {
		return audit.Filter{}, p.PaginationRequest, &common.ValidationError{Invalid: []string{fmt.Sprintf("severity (%q)", p.Severity)}}
	}
	return audit.Filter{
		ActorID:    p.ActorID,
		Action:     p.Action,
		Resource:   p.Resource,
		ResourceID: p.ResourceID,
		Severity:   sev,
		Range:      r,
	}, p.PaginationRequest, nil
}

// QueryEntries 查询审计条目，按时间升序
// @Summary 查询审计日志
// @Tags Audit
// @Produce json
// @Param actorId query string false "操作人"
// @Param action query string false "事件，如 operation.complete"
// @Param resource query string false "资源类型"
// @Param resourceId query string false "资源 ID"
// @Param severity query string false "级别"
// @Param start query string false "开始时间"
// @Param end query string false "结束时间"
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Router /api/v1/audit/entries [get]
func (h *Handler) QueryEntries(c *gin.Context) {
	f, page, err := bindFilter(c)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	f.Limit = page.GetPageSize()
	f.Offset = page.GetOffset()

	entries, total, err := h.ledger.Query(c.Request.Context(), f)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseList(c, entries, total, page)
}

// ExportEntries 导出审计条目为附件，导出行为本身会被审计
// @Summary 导出审计日志
// @Tags Audit
// @Produce octet-stream
// @Param format query string false "csv / json / jsonl.gz"
// @Success 200 {file} file
// @Router /api/v1/audit/export [get]
func (h *Handler) ExportEntries(c *gin.Context) {
	f, _, err := bindFilter(c)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	result, err := h.exporter.Export(c.Request.Context(), &audit.ExportRequest{
		Format:  audit.ParseFormat(c.Query("format")),
		Filter:  f,
		ActorID: auth.ActorID(c),
	})
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Header("X-Total-Count", fmt.Sprint(result.TotalCount))
	c.Data(http.StatusOK, result.ContentType, result.Data)
}

// ListArchives 列出归档文件
// @Summary 列出审计归档
// @Tags Audit
// @Produce json
// @Success 200 {object} common.APIResponse
// @Router /api/v1/audit/archives [get]
func (h *Handler) ListArchives(c *gin.Context) {
	if h.archiver == nil {
		common.ResponseError(c, common.CodeServiceUnavailable, "未配置审计归档")
		return
	}
	archives, err := h.archiver.ListArchives()
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{"items": archives})
}
