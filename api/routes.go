package api

import (
	"eventhub/internal/auth"
	middlewarepkg "eventhub/internal/middleware"

	"github.com/gin-gonic/gin"
)

// defaultActor 关闭鉴权且请求未声明操作者时使用
const defaultActor = "anonymous"

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, container *AppContainer, handlers *Handlers) {
	// 认证 API（公开）
	if handlers.Auth != nil {
		router.POST("/api/auth/refresh", handlers.Auth.Refresh)
	}

	apiV1 := router.Group("/api/v1")
	if container.JWTService != nil {
		apiV1.Use(auth.AuthMiddleware(container.JWTService))
	} else {
		apiV1.Use(auth.HeaderActorMiddleware(defaultActor))
	}
	if limiter := container.RateLimiter; limiter != nil {
		apiV1.Use(middlewarepkg.RateLimitMiddleware(limiter))
	}
	registerAPIRoutes(apiV1, handlers)
}

// registerAPIRoutes 注册需要认证的 API 路由
func registerAPIRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	operatorGuard := auth.RequireRole(auth.RoleOperator)
	complianceGuard := auth.RequireRole(auth.RoleCompliance)
	auditGuard := auth.RequireRole(auth.RoleAuditor, auth.RoleCompliance)

	// WebSocket
	apiGroup.GET("/ws", h.Notification.Connect)

	if h.Auth != nil {
		apiGroup.POST("/auth/logout", h.Auth.Logout)
		apiGroup.GET("/auth/me", h.Auth.Me)
	}

	// 资源目录
	registerCatalogRoutes(apiGroup, h)

	// 集成实例
	registerInstanceRoutes(apiGroup, h, operatorGuard)

	// 同步操作
	registerOperationRoutes(apiGroup, h, operatorGuard)

	// 审计日志
	registerAuditRoutes(apiGroup, h, auditGuard)

	// 合规管理
	registerComplianceRoutes(apiGroup, h, complianceGuard)
}

func registerCatalogRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	catalogGroup := apiGroup.Group("/catalog")
	{
		catalogGroup.GET("", h.Catalog.ListDefinitions)
		catalogGroup.GET("/:id", h.Catalog.GetDefinition)
	}
}

func registerInstanceRoutes(apiGroup *gin.RouterGroup, h *Handlers, guard gin.HandlerFunc) {
	instances := apiGroup.Group("/instances")
	{
		instances.GET("", h.Instance.ListInstances)
		instances.GET("/:id", h.Instance.GetInstance)
		instances.POST("", guard, h.Instance.CreateInstance)
		instances.PATCH("/:id", guard, h.Instance.UpdateInstance)
		instances.DELETE("/:id", guard, h.Instance.DeleteInstance)
		instances.POST("/:id/verify", guard, h.Instance.VerifyInstance)
	}
}

func registerOperationRoutes(apiGroup *gin.RouterGroup, h *Handlers, guard gin.HandlerFunc) {
	operations := apiGroup.Group("/operations")
	{
		operations.GET("", h.Operation.ListOperations)
		operations.GET("/:id", h.Operation.GetOperation)
		operations.POST("", guard, h.Operation.StartOperation)
		operations.POST("/:id/cancel", guard, h.Operation.CancelOperation)
	}
}

func registerAuditRoutes(apiGroup *gin.RouterGroup, h *Handlers, guard gin.HandlerFunc) {
	auditGroup := apiGroup.Group("/audit", guard)
	{
		auditGroup.GET("/entries", h.Audit.QueryEntries)
		auditGroup.GET("/export", h.Audit.ExportEntries)
		auditGroup.GET("/archives", h.Audit.ListArchives)
	}
}

func registerComplianceRoutes(apiGroup *gin.RouterGroup, h *Handlers, guard gin.HandlerFunc) {
	complianceGroup := apiGroup.Group("/compliance", guard)
	{
		complianceGroup.POST("/consents", h.Compliance.RecordConsent)
		complianceGroup.POST("/processing", h.Compliance.RecordProcessing)
		complianceGroup.POST("/incidents", h.Compliance.ReportIncident)
		complianceGroup.GET("/incidents", h.Compliance.ListIncidents)
		complianceGroup.GET("/reports", h.Compliance.GenerateReport)

		subjects := complianceGroup.Group("/subjects/:subjectId")
		subjects.GET("/consents", h.Compliance.ListConsents)
		subjects.POST("/consents/:type/withdraw", h.Compliance.WithdrawConsent)
		subjects.GET("/processing", h.Compliance.ListProcessing)
		subjects.POST("/erasure", h.Compliance.RequestErasure)
	}
}
