package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// StatsHandler 统计与运行状态处理器
type StatsHandler struct {
	fleet Fleet
}

// NewStatsHandler 创建统计处理器
func NewStatsHandler(fleet Fleet) *StatsHandler {
	return &StatsHandler{
		fleet: fleet,
	}
}

// Overall 舰队汇总数据
func (h *StatsHandler) Overall(c echo.Context) error {
	return success(c, http.StatusOK, h.fleet.OverallStats())
}

// Usage 每台服务器的使用统计
func (h *StatsHandler) Usage(c echo.Context) error {
	return success(c, http.StatusOK, h.fleet.UsageStats())
}

// Rotation 当前备份轮换状态
func (h *StatsHandler) Rotation(c echo.Context) error {
	return success(c, http.StatusOK, h.fleet.Rotation())
}

// Connectivity 全部服务器的连通性
func (h *StatsHandler) Connectivity(c echo.Context) error {
	return success(c, http.StatusOK, h.fleet.Connectivity())
}
