package instances

import (
	"net/http"

	"eventhub/internal/auth"
	"eventhub/internal/common"
	"eventhub/internal/instance"

	"github.com/gin-gonic/gin"
)

// Handler 集成实例 API 处理器
type Handler struct {
	service *instance.Service
}

// NewHandler 创建处理器
func NewHandler(service *instance.Service) *Handler {
	return &Handler{service: service}
}

// CreateInstance 创建实例
// @Summary 创建集成实例
// @Description 校验配置并执行连接校验，成功为 ACTIVE，连接失败为 ERROR
// @Tags Instances
// @Accept json
// @Produce json
// @Param request body instance.CreateRequest true "实例信息"
// @Success 201 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/instances [post]
func (h *Handler) CreateInstance(c *gin.Context) {
	var req instance.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}
	req.ActorID = auth.ActorID(c)

	inst, err := h.service.CreateInstance(c.Request.Context(), &req)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseCreated(c, h.service.View(inst))
}

// UpdateInstance 更新实例
// @Summary 更新集成实例
// @Description 配置为合并语义，空字符串删除字段；disabled 控制启停
// @Tags Instances
// @Accept json
// @Produce json
// @Param id path string true "实例 ID"
// @Param request body instance.UpdateRequest true "更新内容"
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/instances/{id} [patch]
func (h *Handler) UpdateInstance(c *gin.Context) {
	var req instance.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}
	req.ActorID = auth.ActorID(c)

	inst, err := h.service.UpdateInstance(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseSuccess(c, h.service.View(inst))
}

// DeleteInstance 删除实例，重复删除同样返回成功
// @Summary 删除集成实例
// @Tags Instances
// @Produce json
// @Param id path string true "实例 ID"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/instances/{id} [delete]
func (h *Handler) DeleteInstance(c *gin.Context) {
	deleted, err := h.service.DeleteInstance(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{"deleted": deleted})
}

// GetInstance 获取实例，敏感字段已脱敏
// @Summary 获取集成实例
// @Tags Instances
// @Produce json
// @Param id path string true "实例 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/instances/{id} [get]
func (h *Handler) GetInstance(c *gin.Context) {
	inst, err := h.service.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseSuccess(c, h.service.View(inst))
}

// ListInstances 分页列出实例
// @Summary 列出集成实例
// @Tags Instances
// @Produce json
// @Param resourceId query string false "资源 ID"
// @Param status query string false "状态"
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/instances [get]
func (h *Handler) ListInstances(c *gin.Context) {
	var f instance.ListFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}

	items, total, err := h.service.ListInstances(c.Request.Context(), f)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	views := make([]instance.View, 0, len(items))
	for i := range items {
		views = append(views, h.service.View(&items[i]))
	}
	common.ResponseList(c, views, total, f.PaginationRequest)
}

// VerifyInstance 重新执行连接校验
// @Summary 重新校验集成实例
// @Tags Instances
// @Produce json
// @Param id path string true "实例 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/instances/{id}/verify [post]
func (h *Handler) VerifyInstance(c *gin.Context) {
	inst, err := h.service.VerifyInstance(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	// 连接失败不视为请求失败，结果体现在实例状态上
	c.JSON(http.StatusOK, common.SuccessResponse(h.service.View(inst)))
}
