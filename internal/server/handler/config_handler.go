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

// HeaderForward 置为true时，非Leader节点把写请求转发给Leader而不是返回重定向
const HeaderForward = "X-Forward"

// HeaderLongPollTimeout 长轮询最长挂起时间（毫秒）
const HeaderLongPollTimeout = "X-Long-Poll-Timeout"

// writeTimeout 写请求的服务端截止时间
const writeTimeout = 10 * time.Second

// ConfigHandler 处理配置相关的HTTP请求
type ConfigHandler struct {
	coord *coordinator.Coordinator
}

// NewConfigHandler 创建配置处理器
func NewConfigHandler(coord *coordinator.Coordinator) *ConfigHandler {
	return &ConfigHandler{coord: coord}
}

// RegisterRoutes 注册配置相关的路由
func (h *ConfigHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api")
	api.GET("/config", h.GetConfig)
	api.POST("/config", h.PutConfig)
	api.DELETE("/config", h.DeleteConfig)
	api.GET("/config/list", h.ListConfigs)
	api.GET("/config/history", h.ListHistory)
	api.POST("/config/restore", h.RestoreConfig)
}

// GetConfig 读取配置。携带md5参数时进入长轮询：
// 服务端md5与客户端一致则挂起到变更或超时，超时按原内容返回。
func (h *ConfigHandler) GetConfig(c echo.Context) error {
	namespaceID := c.QueryParam("namespace_id")
	configID := c.QueryParam("config_id")

	md5, longPoll := c.QueryParams()["md5"], c.QueryParams().Has("md5")
	if longPoll {
		timeout := time.Duration(0)
		if ms, err := strconv.Atoi(c.Request().Header.Get(HeaderLongPollTimeout)); err == nil {
			timeout = time.Duration(ms) * time.Millisecond
		}
		entry, changed, err := h.coord.WatchConfig(
			c.Request().Context(), c.RealIP(), namespaceID, configID, first(md5), timeout)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, protocol.Success(map[string]interface{}{
			"changed": changed,
			"config":  entry,
		}))
	}

	consistent := c.QueryParam("consistent") == "true"
	entry, err := h.coord.GetConfig(c.Request().Context(), namespaceID, configID, consistent)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(entry))
}

// PutConfig 创建或更新配置
func (h *ConfigHandler) PutConfig(c echo.Context) error {
	var req model.ConfigUpsertRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.Error(protocol.CodeInvalidArg, "请求参数无效"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), writeTimeout)
	defer cancel()

	if err := h.coord.PutConfig(ctx, &req, forwarded(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}

// DeleteConfig 删除配置
func (h *ConfigHandler) DeleteConfig(c echo.Context) error {
	req := model.ConfigDeleteRequest{
		NamespaceID: c.QueryParam("namespace_id"),
		ConfigID:    c.QueryParam("config_id"),
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), writeTimeout)
	defer cancel()

	if err := h.coord.DeleteConfig(ctx, &req, forwarded(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}

// ListConfigs 分页列出命名空间下的配置
func (h *ConfigHandler) ListConfigs(c echo.Context) error {
	namespaceID := c.QueryParam("namespace_id")
	if namespaceID == "" {
		namespaceID = model.DefaultNamespace
	}
	page, err := h.coord.ListConfigs(namespaceID, intParam(c, "page_num", 1), intParam(c, "page_size", 100))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(page))
}

// ListHistory 分页列出配置历史
func (h *ConfigHandler) ListHistory(c echo.Context) error {
	page, err := h.coord.ListHistory(
		c.QueryParam("namespace_id"), c.QueryParam("config_id"),
		intParam(c, "page_num", 1), intParam(c, "page_size", 100))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(page))
}

// RestoreConfig 恢复配置到一条历史记录
func (h *ConfigHandler) RestoreConfig(c echo.Context) error {
	var req model.ConfigRestoreRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.Error(protocol.CodeInvalidArg, "请求参数无效"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), writeTimeout)
	defer cancel()

	if err := h.coord.RestoreConfig(ctx, &req, forwarded(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}

// forwarded X-Forward头是否要求转发
func forwarded(c echo.Context) bool {
	return c.Request().Header.Get(HeaderForward) == "true"
}

func intParam(c echo.Context, name string, def int) int {
	if v, err := strconv.Atoi(c.QueryParam(name)); err == nil {
		return v
	}
	return def
}

func first(values []string) string {
	if len(values) > 0 {
		return values[0]
	}
	return ""
}
