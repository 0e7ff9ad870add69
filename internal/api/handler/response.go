package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/hewenyu/fleet-core/internal/fleet"
	"github.com/hewenyu/fleet-core/internal/registry"
	"github.com/hewenyu/fleet-core/pkg/geo"
	"github.com/hewenyu/fleet-core/pkg/model"
	"github.com/hewenyu/fleet-core/pkg/storage"
	"github.com/labstack/echo/v4"
)

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Fleet 处理器依赖的舰队核心接口
type Fleet interface {
	Servers() []*model.Server
	Server(id string) (*model.Server, bool)
	Add(ctx context.Context, input model.ServerInput) (*model.Server, error)
	Update(ctx context.Context, id string, patch map[string]any) error
	Remove(ctx context.Context, id string) error
	RecordUsage(ctx context.Context, id string, responseTime *float64) error
	LeastUsed() *model.Server
	OverallStats() model.FleetStats
	UsageStats() map[string]model.UsageStats
	Rotation() model.RotationState
	Connectivity() map[string]model.ConnectionStatus
	Position(id string) (geo.Point, bool)
	Positions() map[string]geo.Point
	Subscribe(fn func(fleet.Event)) func()
	Err() error
}

func success(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{
		Code:    status,
		Message: "success",
		Data:    data,
	})
}

func failure(c echo.Context, status int, message string) error {
	return c.JSON(status, Response{
		Code:    status,
		Message: message,
	})
}

// respondError 将核心错误映射为HTTP状态码
func respondError(c echo.Context, err error, prefix string) error {
	var ve *registry.ValidationError
	if errors.As(err, &ve) {
		return c.JSON(http.StatusBadRequest, Response{
			Code:    http.StatusBadRequest,
			Message: ve.Error(),
			Data:    map[string]any{"fields": ve.Fields},
		})
	}

	if registry.IsNotFound(err) {
		return failure(c, http.StatusNotFound, err.Error())
	}

	var se *storage.StorageError
	if errors.As(err, &se) {
		switch se.Code {
		case storage.ErrAlreadyExists:
			return failure(c, http.StatusConflict, se.Error())
		case storage.ErrInvalidArgument:
			return failure(c, http.StatusBadRequest, se.Error())
		}
	}

	return failure(c, http.StatusInternalServerError, prefix+": "+err.Error())
}
