// Package api serves the fleet read models and CRUD operations over HTTP and
// streams read-model changes over a websocket.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/hewenyu/fleet-core/internal/api/handler"
	"github.com/hewenyu/fleet-core/internal/api/router"
	"github.com/hewenyu/fleet-core/internal/config"
	"github.com/hewenyu/fleet-core/internal/registry"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CustomValidator echo校验器适配
type CustomValidator struct {
	validator *validator.Validate
}

// Validate 实现echo.Validator接口
func (cv *CustomValidator) Validate(i any) error {
	return cv.validator.Struct(i)
}

// Server 舰队API服务
type Server struct {
	e       *echo.Echo
	cfg     config.APIConfig
	logger  config.Logger
	hub     *handler.Hub
	cancel  context.CancelFunc
	release func()
}

// NewServer 创建API服务并注册路由
func NewServer(cfg config.APIConfig, fleet handler.Fleet, logger config.Logger, version string) *Server {
	// 创建Echo实例
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &CustomValidator{validator: registry.NewValidator()}

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	// 按客户端限流，0表示不限流
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}

	hub := handler.NewHub(logger)
	router.RegisterRoutes(e, router.Handlers{
		Server: handler.NewServerHandler(fleet),
		Stats:  handler.NewStatsHandler(fleet),
		Health: handler.NewHealthHandler(fleet, version),
		Stream: handler.NewStreamHandler(fleet, hub, logger),
	})

	s := &Server{
		e:      e,
		cfg:    cfg,
		logger: logger,
		hub:    hub,
	}

	// 启动推送循环并订阅读模型事件
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go hub.Run(ctx)
	s.release = fleet.Subscribe(hub.Publish)

	return s
}

// Echo 返回底层echo实例
func (s *Server) Echo() *echo.Echo {
	return s.e
}

// Hub 返回推送Hub
func (s *Server) Hub() *handler.Hub {
	return s.hub
}

// Start 以非阻塞方式启动HTTP服务
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.Port)
	s.logger.Info("启动舰队API服务", zap.String("address", addr))

	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error("舰队API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 优雅关闭HTTP服务和推送循环
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭舰队API服务...")

	s.release()
	s.cancel()

	if err := s.e.Shutdown(ctx); err != nil {
		s.logger.Error("关闭舰队API服务出错", zap.Error(err))
		return err
	}
	return nil
}
