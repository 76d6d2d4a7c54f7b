package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/conreg/internal/coordinator"
	"github.com/hewenyu/conreg/pkg/model"
	"github.com/hewenyu/conreg/pkg/protocol"
)

// ServiceHandler 处理服务注册相关的HTTP请求
type ServiceHandler struct {
	coord *coordinator.Coordinator
}

// NewServiceHandler 创建服务处理器
func NewServiceHandler(coord *coordinator.Coordinator) *ServiceHandler {
	return &ServiceHandler{coord: coord}
}

// RegisterRoutes 注册服务相关的路由
func (h *ServiceHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api")
	api.POST("/service/register", h.Register)
	api.POST("/service/deregister", h.Deregister)
	api.POST("/service/heartbeat", h.Heartbeat)
	api.GET("/service/instances", h.Instances)
	api.GET("/service/list", h.ListServices)
}

// Register 注册服务实例
func (h *ServiceHandler) Register(c echo.Context) error {
	var req model.ServiceRegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.Error(protocol.CodeInvalidArg, "请求参数无效"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), writeTimeout)
	defer cancel()

	inst, err := h.coord.RegisterInstance(ctx, &req, forwarded(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(map[string]interface{}{
		"instance_id":   inst.InstanceID(),
		"registered_at": inst.RegisteredAt,
	}))
}

// Deregister 注销服务实例；不带address/port时注销整个服务
func (h *ServiceHandler) Deregister(c echo.Context) error {
	var req model.ServiceInstanceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.Error(protocol.CodeInvalidArg, "请求参数无效"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), writeTimeout)
	defer cancel()

	if err := h.coord.DeregisterInstance(ctx, &req, forwarded(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}

// Heartbeat 刷新实例TTL。实例不存在返回NOT_FOUND，客户端应重新注册。
func (h *ServiceHandler) Heartbeat(c echo.Context) error {
	var req model.ServiceInstanceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.Error(protocol.CodeInvalidArg, "请求参数无效"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), writeTimeout)
	defer cancel()

	if err := h.coord.Heartbeat(ctx, &req, forwarded(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}

// Instances 查询服务实例列表。
// subscribe=true时进入长轮询：客户端签名与当前列表一致则挂起到变更或超时。
func (h *ServiceHandler) Instances(c echo.Context) error {
	namespaceID := c.QueryParam("namespace_id")
	serviceID := c.QueryParam("service_id")
	if namespaceID == "" {
		namespaceID = model.DefaultNamespace
	}

	if c.QueryParam("subscribe") == "true" {
		timeout := time.Duration(0)
		if ms, err := strconv.Atoi(c.Request().Header.Get(HeaderLongPollTimeout)); err == nil {
			timeout = time.Duration(ms) * time.Millisecond
		}
		instances, changed, err := h.coord.SubscribeInstances(
			c.Request().Context(), namespaceID, serviceID, c.QueryParam("signature"), timeout)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, protocol.Success(map[string]interface{}{
			"changed":   changed,
			"signature": coordinator.InstanceListSignature(instances),
			"instances": instances,
		}))
	}

	healthyOnly := c.QueryParam("healthy") == "true"
	instances := h.coord.QueryInstances(namespaceID, serviceID, healthyOnly)
	return c.JSON(http.StatusOK, protocol.Success(map[string]interface{}{
		"signature": coordinator.InstanceListSignature(instances),
		"instances": instances,
	}))
}

// ListServices 列出命名空间下的服务ID
func (h *ServiceHandler) ListServices(c echo.Context) error {
	namespaceID := c.QueryParam("namespace_id")
	if namespaceID == "" {
		namespaceID = model.DefaultNamespace
	}
	return c.JSON(http.StatusOK, protocol.Success(h.coord.ListServices(namespaceID)))
}
