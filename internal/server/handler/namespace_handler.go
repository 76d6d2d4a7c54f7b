package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/conreg/internal/coordinator"
	"github.com/hewenyu/conreg/pkg/model"
	"github.com/hewenyu/conreg/pkg/protocol"
)

// NamespaceHandler 处理命名空间相关的HTTP请求
type NamespaceHandler struct {
	coord *coordinator.Coordinator
}

// NewNamespaceHandler 创建命名空间处理器
func NewNamespaceHandler(coord *coordinator.Coordinator) *NamespaceHandler {
	return &NamespaceHandler{coord: coord}
}

// RegisterRoutes 注册命名空间相关的路由
func (h *NamespaceHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api")
	api.GET("/ns", h.ListNamespaces)
	api.POST("/ns", h.CreateNamespace)
	api.DELETE("/ns", h.DeleteNamespace)
}

// ListNamespaces 列出全部命名空间及其引用计数
func (h *NamespaceHandler) ListNamespaces(c echo.Context) error {
	if id := c.QueryParam("id"); id != "" {
		ns, err := h.coord.GetNamespace(id)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, protocol.Success(ns))
	}

	namespaces, err := h.coord.ListNamespaces()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(namespaces))
}

// CreateNamespace 创建命名空间
func (h *NamespaceHandler) CreateNamespace(c echo.Context) error {
	var req model.NamespaceCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.Error(protocol.CodeInvalidArg, "请求参数无效"))
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), writeTimeout)
	defer cancel()

	if err := h.coord.CreateNamespace(ctx, &req, forwarded(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}

// DeleteNamespace 删除命名空间。仍被配置或服务引用时拒绝。
func (h *NamespaceHandler) DeleteNamespace(c echo.Context) error {
	id := c.QueryParam("id")

	ctx, cancel := context.WithTimeout(c.Request().Context(), writeTimeout)
	defer cancel()

	if err := h.coord.DeleteNamespace(ctx, id, forwarded(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}
