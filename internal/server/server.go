// Package server 装配HTTP服务：客户端/管理接口与集群对端RPC共用一个端口。
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/conreg/internal/cluster"
	"github.com/hewenyu/conreg/internal/config"
	"github.com/hewenyu/conreg/internal/coordinator"
	"github.com/hewenyu/conreg/internal/raft"
	"github.com/hewenyu/conreg/internal/registry"
	"github.com/hewenyu/conreg/internal/server/handler"
)

// HeaderRequestID 每个请求的追踪ID
const HeaderRequestID = "X-Request-Id"

// Server 是conreg节点的HTTP服务
type Server struct {
	e      *echo.Echo
	cfg    *config.Config
	logger config.Logger
}

// New 创建HTTP服务并注册全部路由
func New(cfg *config.Config, node *raft.Node, engine *registry.Engine, coord *coordinator.Coordinator, admin *cluster.Admin, logger config.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// 中间件
	e.Use(middleware.Recover())
	e.Use(requestID())

	// 客户端与管理接口
	handler.NewConfigHandler(coord).RegisterRoutes(e)
	handler.NewNamespaceHandler(coord).RegisterRoutes(e)
	handler.NewServiceHandler(coord).RegisterRoutes(e)
	handler.NewClusterHandler(admin, node).RegisterRoutes(e)

	// 集群对端RPC
	handler.NewPeerHandler(node, engine, coord).RegisterRoutes(e)

	return &Server{e: e, cfg: cfg, logger: logger}
}

// Start 以非阻塞方式启动服务
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Node.ListenAddress, s.cfg.Node.Port)
	s.logger.Info("HTTP服务启动", zap.String("addr", addr))

	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("HTTP服务启动失败", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown 停止接收新请求并等待在途请求结束
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// requestID 为每个请求补充追踪ID
func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(HeaderRequestID, id)
			return next(c)
		}
	}
}
