package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/conreg/internal/cluster"
	"github.com/hewenyu/conreg/internal/raft"
	"github.com/hewenyu/conreg/pkg/protocol"
)

// ClusterHandler 处理集群管理请求
type ClusterHandler struct {
	admin *cluster.Admin
	node  *raft.Node
}

// NewClusterHandler 创建集群管理处理器
func NewClusterHandler(admin *cluster.Admin, node *raft.Node) *ClusterHandler {
	return &ClusterHandler{admin: admin, node: node}
}

// RegisterRoutes 注册集群管理路由
func (h *ClusterHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/cluster")
	api.POST("/init", h.Init)
	api.POST("/add-learner", h.AddLearner)
	api.POST("/promote", h.Promote)
	api.POST("/remove-node", h.RemoveNode)
	api.POST("/snapshot", h.Snapshot)
	api.GET("/status", h.Status)

	e.GET("/health", h.Health)
}

// nodeRef 指向一个节点的请求体
type nodeRef struct {
	ID   uint64 `json:"id"`
	Addr string `json:"addr,omitempty"`
}

// Init 初始化集群成员。请求体为[[id,addr],…]。
func (h *ClusterHandler) Init(c echo.Context) error {
	var pairs [][2]interface{}
	if err := c.Bind(&pairs); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.Error(protocol.CodeInvalidArg, "请求参数无效"))
	}

	members := map[uint64]string{}
	for _, pair := range pairs {
		id, ok := pair[0].(float64)
		addr, ok2 := pair[1].(string)
		if !ok || !ok2 || id <= 0 || addr == "" {
			return c.JSON(http.StatusBadRequest, protocol.Error(protocol.CodeInvalidArg, "成员格式应为[id, addr]"))
		}
		members[uint64(id)] = addr
	}

	if err := h.admin.Init(members); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}

// AddLearner 加入Learner节点
func (h *ClusterHandler) AddLearner(c echo.Context) error {
	var req nodeRef
	if err := c.Bind(&req); err != nil || req.ID == 0 || req.Addr == "" {
		return c.JSON(http.StatusBadRequest, protocol.Error(protocol.CodeInvalidArg, "需要id与addr"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), writeTimeout)
	defer cancel()

	if err := h.admin.AddLearner(ctx, req.ID, req.Addr); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}

// Promote 把追平的Learner晋升为投票者
func (h *ClusterHandler) Promote(c echo.Context) error {
	var req nodeRef
	if err := c.Bind(&req); err != nil || req.ID == 0 {
		return c.JSON(http.StatusBadRequest, protocol.Error(protocol.CodeInvalidArg, "需要id"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), writeTimeout)
	defer cancel()

	if err := h.admin.Promote(ctx, req.ID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}

// RemoveNode 摘除节点
func (h *ClusterHandler) RemoveNode(c echo.Context) error {
	var req nodeRef
	if err := c.Bind(&req); err != nil || req.ID == 0 {
		return c.JSON(http.StatusBadRequest, protocol.Error(protocol.CodeInvalidArg, "需要id"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), writeTimeout)
	defer cancel()

	if err := h.admin.RemoveNode(ctx, req.ID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}

// Snapshot 手动触发一次快照
func (h *ClusterHandler) Snapshot(c echo.Context) error {
	if err := h.admin.TakeSnapshot(); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}

// Status 返回节点状态与复制进度
func (h *ClusterHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, protocol.Success(h.admin.Status()))
}

// Health 轻量健康检查
func (h *ClusterHandler) Health(c echo.Context) error {
	status := h.node.Status()
	return c.JSON(http.StatusOK, protocol.Success(map[string]interface{}{
		"node_id":      status.NodeID,
		"role":         status.Role,
		"leader_id":    status.LeaderID,
		"last_applied": status.LastApplied,
		"halted":       h.node.Halted(),
	}))
}
