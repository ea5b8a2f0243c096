package operations

import (
	"context"
	"errors"
	"time"

	"eventhub/internal/auth"
	"eventhub/internal/common"
	"eventhub/internal/operation"

	"github.com/gin-gonic/gin"
)

// maxWait 单次长轮询的最长等待
const maxWait = 60 * time.Second

// Handler 同步操作 API 处理器
type Handler struct {
	runner *operation.Runner
}

// NewHandler 创建处理器
func NewHandler(runner *operation.Runner) *Handler {
	return &Handler{runner: runner}
}

// StartOperation 发起同步操作，立即返回 PENDING 操作
// @Summary 发起同步操作
// @Tags Operations
// @Accept json
// @Produce json
// @Param request body operation.StartRequest true "操作参数"
// @Success 202 {object} common.APIResponse
// @Failure 400 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Failure 409 {object} common.APIResponse
// @Router /api/v1/operations [post]
func (h *Handler) StartOperation(c *gin.Context) {
	var req operation.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}
	req.ActorID = auth.ActorID(c)

	op, err := h.runner.StartOperation(c.Request.Context(), &req)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	c.JSON(202, common.SuccessResponse(op))
}

// GetOperation 获取操作；wait 参数大于 0 时等待其进入终态
// @Summary 获取同步操作
// @Tags Operations
// @Produce json
// @Param id path string true "操作 ID"
// @Param wait query string false "等待时长，如 30s，最长 60s"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/operations/{id} [get]
func (h *Handler) GetOperation(c *gin.Context) {
	id := c.Param("id")
	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		common.ResponseBadRequest(c, err.Error())
		return
	}
	if wait <= 0 {
		op, err := h.runner.GetOperation(c.Request.Context(), id)
		if err != nil {
			common.ResponseErr(c, err)
			return
		}
		common.ResponseSuccess(c, op)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	op, err := h.runner.Wait(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) && op == nil {
		// 等待期满时的最后一次查询可能被截断，返回当前状态
		op, err = h.runner.GetOperation(c.Request.Context(), id)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseSuccess(c, op)
}

// ListOperations 分页列出操作
// @Summary 列出同步操作
// @Tags Operations
// @Produce json
// @Param instanceId query string false "实例 ID"
// @Param status query string false "状态"
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Success 200 {object} common.APIResponse
// @Router /api/v1/operations [get]
func (h *Handler) ListOperations(c *gin.Context) {
	var f operation.ListFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}
	items, total, err := h.runner.ListOperations(c.Request.Context(), f)
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseList(c, items, total, f.PaginationRequest)
}

// CancelOperation 取消操作，已终态的操作原样返回
// @Summary 取消同步操作
// @Tags Operations
// @Produce json
// @Param id path string true "操作 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.APIResponse
// @Router /api/v1/operations/{id}/cancel [post]
func (h *Handler) CancelOperation(c *gin.Context) {
	op, err := h.runner.CancelOperation(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		common.ResponseErr(c, err)
		return
	}
	common.ResponseSuccess(c, op)
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("wait 参数格式错误，示例: 30s")
	}
	if d > maxWait {
		d = maxWait
	}
	return d, nil
}
