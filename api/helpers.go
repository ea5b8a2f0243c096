package api

import (
	"eventhub/internal/infra"
	"eventhub/internal/infra/queue"

	"github.com/gin-gonic/gin"
)

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ReadinessResponse 就绪检查响应
type ReadinessResponse struct {
	Status   string       `json:"status"`
	Reason   string       `json:"reason,omitempty"`
	Database string       `json:"database,omitempty"`
	Redis    string       `json:"redis,omitempty"`
	Queue    *queue.Stats `json:"queue,omitempty"`
	Spooled  int          `json:"spooled"` // 等待回放的审计兜底条目数
}

// HealthCheck 健康检查
// @Summary 服务健康检查
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func HealthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, HealthResponse{Status: "healthy", Service: "eventhub"})
	}
}

// ReadinessCheck 就绪检查，包含数据库、Redis 与操作队列状态
// @Summary 服务就绪检查
// @Tags System
// @Produce json
// @Success 200 {object} ReadinessResponse
// @Failure 503 {object} ReadinessResponse
// @Router /ready [get]
func ReadinessCheck(container *AppContainer) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := container.DB.DB()
		if err != nil {
			c.JSON(503, ReadinessResponse{Status: "not_ready", Reason: "database connection error"})
			return
		}
		if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			c.JSON(503, ReadinessResponse{Status: "not_ready", Reason: "database ping failed"})
			return
		}

		resp := ReadinessResponse{Status: "ready", Database: "connected"}
		if container.RedisClient != nil {
			if err := infra.HealthCheckRedis(); err != nil {
				c.JSON(503, ReadinessResponse{Status: "not_ready", Reason: "redis ping failed", Database: "connected"})
				return
			}
			resp.Redis = "connected"
		}
		if container.Inspector != nil {
			if stats, err := container.Inspector.OperationStats(); err == nil {
				resp.Queue = stats
			}
		}
		if container.Spool != nil {
			if n, err := container.Spool.Len(); err == nil {
				resp.Spooled = n
			}
		}
		c.JSON(200, resp)
	}
}
