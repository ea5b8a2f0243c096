package auth

import (
	"eventhub/internal/auth"
	"eventhub/internal/common"

	"github.com/gin-gonic/gin"
)

// Handler 令牌刷新与注销。令牌由运维工具签发，服务本身不管理账号。
type Handler struct {
	jwt *auth.JWTService
}

// NewHandler 创建处理器
func NewHandler(jwt *auth.JWTService) *Handler {
	return &Handler{jwt: jwt}
}

// RefreshRequest 刷新令牌请求
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh 使用刷新令牌换取新令牌对
// @Summary 刷新令牌
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body RefreshRequest true "刷新令牌"
// @Success 200 {object} common.APIResponse
// @Failure 401 {object} common.APIResponse
// @Router /api/auth/refresh [post]
func (h *Handler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "参数错误: "+err.Error())
		return
	}
	pair, err := h.jwt.RefreshAccessToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		common.ResponseUnauthorized(c, err.Error())
		return
	}
	common.ResponseSuccess(c, pair)
}

// Logout 吊销当前访问令牌
// @Summary 注销
// @Tags Auth
// @Produce json
// @Success 200 {object} common.APIResponse
// @Router /api/v1/auth/logout [post]
func (h *Handler) Logout(c *gin.Context) {
	token := auth.ExtractTokenFromBearer(c.GetHeader("Authorization"))
	if token != "" {
		if err := h.jwt.InvalidateToken(c.Request.Context(), token); err != nil {
			common.ResponseErr(c, err)
			return
		}
	}
	common.ResponseSuccess(c, gin.H{"revoked": token != ""})
}

// Me 返回当前操作者
// @Summary 当前操作者
// @Tags Auth
// @Produce json
// @Success 200 {object} common.APIResponse
// @Router /api/v1/auth/me [get]
func (h *Handler) Me(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		common.ResponseUnauthorized(c, "")
		return
	}
	common.ResponseSuccess(c, gin.H{"actorId": actor.ID, "roles": actor.Roles})
}
