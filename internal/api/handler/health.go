package handler

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	fleet   Fleet
	version string
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(fleet Fleet, version string) *HealthHandler {
	return &HealthHandler{
		fleet:   fleet,
		version: version,
	}
}

// HealthCheck 健康检查处理函数
// 变更流出错时返回503，但仍给出最后一次成功快照的规模
func (h *HealthHandler) HealthCheck(c echo.Context) error {
	details := map[string]any{
		"version":    h.version,
		"uptime":     time.Since(startTime).String(),
		"servers":    len(h.fleet.Servers()),
		"resources":  getResourceUsage(),
		"goroutines": runtime.NumGoroutine(),
	}

	if err := h.fleet.Err(); err != nil {
		details["error"] = err.Error()
		details["component"] = "registry"
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{
			Status:    "degraded",
			Timestamp: time.Now(),
			Details:   details,
		})
	}

	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Details:   details,
	})
}

// 应用启动时间
var startTime = time.Now()

// getResourceUsage 获取资源使用情况
func getResourceUsage() map[string]any {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]any{
		"memory_alloc": formatBytes(memStats.Alloc),
		"memory_sys":   formatBytes(memStats.Sys),
		"memory_heap":  formatBytes(memStats.HeapAlloc),
		"num_gc":       memStats.NumGC,
	}
}

// formatBytes 将字节数格式化为可读形式
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
