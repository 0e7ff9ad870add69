package router

import (
	"github.com/hewenyu/fleet-core/internal/api/handler"
	"github.com/labstack/echo/v4"
)

// Handlers 路由依赖的全部处理器
type Handlers struct {
	Server *handler.ServerHandler
	Stats  *handler.StatsHandler
	Health *handler.HealthHandler
	Stream *handler.StreamHandler
}

// RegisterRoutes 配置舰队API路由
func RegisterRoutes(e *echo.Echo, h Handlers) {
	// 健康检查
	e.GET("/health", h.Health.HealthCheck)

	// API分组，版本v1
	api := e.Group("/api/v1")

	// 服务器管理
	servers := api.Group("/servers")
	servers.GET("", h.Server.ListServers)              // 查询服务器列表
	servers.POST("", h.Server.CreateServer)            // 新增服务器
	servers.GET("/least-used", h.Server.LeastUsed)     // 负载最低的服务器
	servers.GET("/positions", h.Server.ListPositions)  // 全部服务器的画布坐标
	servers.GET("/:id", h.Server.GetServer)            // 查询服务器详情
	servers.PATCH("/:id", h.Server.UpdateServer)       // 更新服务器
	servers.DELETE("/:id", h.Server.DeleteServer)      // 删除服务器
	servers.POST("/:id/usage", h.Server.RecordUsage)   // 记录使用情况
	servers.GET("/:id/position", h.Server.GetPosition) // 服务器画布坐标

	// 读模型
	api.GET("/stats", h.Stats.Overall)             // 舰队汇总
	api.GET("/stats/usage", h.Stats.Usage)         // 每台服务器的使用统计
	api.GET("/rotation", h.Stats.Rotation)         // 备份轮换状态
	api.GET("/connectivity", h.Stats.Connectivity) // 连通性

	// 实时推送
	api.GET("/ws", h.Stream.Stream)
}
