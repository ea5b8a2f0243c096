package catalog

import (
	"net/http"
	"strings"

	"eventhub/internal/catalog"
	"eventhub/internal/common"

	"github.com/gin-gonic/gin"
)

// Handler 资源目录 API 处理器
type Handler struct {
	catalog *catalog.Catalog
}

// NewHandler 创建处理器
func NewHandler(c *catalog.Catalog) *Handler {
	return &Handler{catalog: c}
}

// ListDefinitions 列出资源定义
// @Summary 列出资源定义
// @Tags Catalog
// @Produce json
// @Param category query string false "类别过滤，如 CRM"
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Router /api/v1/catalog [get]
func (h *Handler) ListDefinitions(c *gin.Context) {
	category := strings.ToUpper(strings.TrimSpace(c.Query("category")))
	if category == "" {
		common.ResponseSuccess(c, gin.H{"items": h.catalog.ListDefinitions()})
		return
	}
	cat := catalog.Category(category)
	if !cat.Valid() {
		common.ResponseBadRequest(c, "未知的资源类别: "+category)
		return
	}
	common.ResponseSuccess(c, gin.H{"items": h.catalog.ListByCategory(cat)})
}

// GetDefinition 获取资源定义
// @Summary 获取资源定义
// @Tags Catalog
// @Produce json
// @Param id path string true "资源 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/catalog/{id} [get]
func (h *Handler) GetDefinition(c *gin.Context) {
	def, err := h.catalog.GetDefinition(c.Param("id"))
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	c.JSON(http.StatusOK, common.SuccessResponse(def))
}
