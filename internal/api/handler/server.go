package handler

import (
	"net/http"

	"github.com/hewenyu/fleet-core/pkg/geo"
	"github.com/hewenyu/fleet-core/pkg/model"
	"github.com/labstack/echo/v4"
)

// UsageRequest 使用记录请求
type UsageRequest struct {
	ResponseTime *float64 `json:"responseTime" validate:"omitnil,min=0"`
}

// ServerDetail 单台服务器详情
type ServerDetail struct {
	*model.Server
	Stats      model.UsageStats        `json:"stats"`
	Position   geo.Point               `json:"position"`
	Connection *model.ConnectionStatus `json:"connection,omitempty"`
}

// ServerHandler 处理服务器相关API
type ServerHandler struct {
	fleet Fleet
}

// NewServerHandler 创建服务器处理器
func NewServerHandler(fleet Fleet) *ServerHandler {
	return &ServerHandler{
		fleet: fleet,
	}
}

// ListServers 查询服务器列表，按创建时间倒序
func (h *ServerHandler) ListServers(c echo.Context) error {
	return success(c, http.StatusOK, h.fleet.Servers())
}

// GetServer 查询服务器详情
func (h *ServerHandler) GetServer(c echo.Context) error {
	id := c.Param("id")

	server, ok := h.fleet.Server(id)
	if !ok {
		return failure(c, http.StatusNotFound, "服务器不存在: "+id)
	}

	detail := ServerDetail{
		Server: server,
		Stats:  h.fleet.UsageStats()[id],
	}
	detail.Position, _ = h.fleet.Position(id)
	if status, ok := h.fleet.Connectivity()[id]; ok {
		detail.Connection = &status
	}

	return success(c, http.StatusOK, detail)
}

// CreateServer 新增服务器
func (h *ServerHandler) CreateServer(c echo.Context) error {
	var input model.ServerInput
	if err := c.Bind(&input); err != nil {
		return failure(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
	}

	server, err := h.fleet.Add(c.Request().Context(), input)
	if err != nil {
		return respondError(c, err, "新增服务器失败")
	}

	return success(c, http.StatusCreated, server)
}

// UpdateServer 合并更新服务器字段
func (h *ServerHandler) UpdateServer(c echo.Context) error {
	id := c.Param("id")

	// 只绑定请求体，避免路径参数混入补丁
	patch := make(map[string]any)
	if err := (&echo.DefaultBinder{}).BindBody(c, &patch); err != nil {
		return failure(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
	}
	if len(patch) == 0 {
		return failure(c, http.StatusBadRequest, "更新内容不能为空")
	}

	if err := h.fleet.Update(c.Request().Context(), id, patch); err != nil {
		return respondError(c, err, "更新服务器失败")
	}

	return success(c, http.StatusOK, map[string]string{"id": id})
}

// DeleteServer 删除服务器
func (h *ServerHandler) DeleteServer(c echo.Context) error {
	id := c.Param("id")

	if err := h.fleet.Remove(c.Request().Context(), id); err != nil {
		return respondError(c, err, "删除服务器失败")
	}

	return c.NoContent(http.StatusNoContent)
}

// RecordUsage 记录一次请求的使用情况
func (h *ServerHandler) RecordUsage(c echo.Context) error {
	id := c.Param("id")

	var req UsageRequest
	if err := c.Bind(&req); err != nil {
		return failure(c, http.StatusBadRequest, "请求参数无效: "+err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return failure(c, http.StatusBadRequest, "参数验证失败: "+err.Error())
	}

	if err := h.fleet.RecordUsage(c.Request().Context(), id, req.ResponseTime); err != nil {
		return respondError(c, err, "记录使用情况失败")
	}

	return c.NoContent(http.StatusNoContent)
}

// GetPosition 返回服务器在画布上的坐标
func (h *ServerHandler) GetPosition(c echo.Context) error {
	id := c.Param("id")

	pos, ok := h.fleet.Position(id)
	if !ok {
		return failure(c, http.StatusNotFound, "服务器不存在: "+id)
	}
	return success(c, http.StatusOK, pos)
}

// ListPositions 返回全部服务器的画布坐标
func (h *ServerHandler) ListPositions(c echo.Context) error {
	return success(c, http.StatusOK, h.fleet.Positions())
}

// LeastUsed 返回当前负载最低的服务器
func (h *ServerHandler) LeastUsed(c echo.Context) error {
	server := h.fleet.LeastUsed()
	if server == nil {
		return failure(c, http.StatusNotFound, "舰队中没有服务器")
	}
	return success(c, http.StatusOK, server)
}
