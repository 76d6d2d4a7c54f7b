package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/conreg/internal/coordinator"
	"github.com/hewenyu/conreg/internal/raft"
	"github.com/hewenyu/conreg/internal/registry"
	"github.com/hewenyu/conreg/pkg/protocol"
)

// PeerHandler 处理集群内部的对端RPC：
// Raft三件套，外加注册表增量、反熵摘要与写转发。
type PeerHandler struct {
	node   *raft.Node
	engine *registry.Engine
	coord  *coordinator.Coordinator
}

// NewPeerHandler 创建对端RPC处理器
func NewPeerHandler(node *raft.Node, engine *registry.Engine, coord *coordinator.Coordinator) *PeerHandler {
	return &PeerHandler{node: node, engine: engine, coord: coord}
}

// RegisterRoutes 注册对端RPC路由
func (h *PeerHandler) RegisterRoutes(e *echo.Echo) {
	e.POST(raft.PathAppendEntries, h.AppendEntries)
	e.POST(raft.PathRequestVote, h.RequestVote)
	e.POST(raft.PathInstallSnapshot, h.InstallSnapshot)
	e.POST(raft.PathRegistryDelta, h.RegistryDelta)
	e.POST(raft.PathRegistryDigest, h.RegistryDigest)
	e.POST(raft.PathForwardWrite, h.ForwardWrite)
}

// AppendEntries 日志复制/心跳
func (h *PeerHandler) AppendEntries(c echo.Context) error {
	var req raft.AppendEntriesRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, h.node.HandleAppendEntries(&req))
}

// RequestVote （预）投票
func (h *PeerHandler) RequestVote(c echo.Context) error {
	var req raft.RequestVoteRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, h.node.HandleRequestVote(&req))
}

// InstallSnapshot 快照安装
func (h *PeerHandler) InstallSnapshot(c echo.Context) error {
	var req raft.InstallSnapshotRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, h.node.HandleInstallSnapshot(&req))
}

// RegistryDelta Follower接受Leader广播的注册表增量
func (h *PeerHandler) RegistryDelta(c echo.Context) error {
	var req registry.DeltaRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	for i := range req.Deltas {
		h.engine.ApplyDelta(&req.Deltas[i])
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}

// RegistryDigest Follower用Leader摘要对账，返回需要补发的实例
func (h *PeerHandler) RegistryDigest(c echo.Context) error {
	var req registry.DigestRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	missing := h.engine.ReconcileDigest(req.Digest)
	return c.JSON(http.StatusOK, &registry.DigestResponse{Missing: missing})
}

// ForwardWrite Leader处理来自非Leader节点的转发写
func (h *PeerHandler) ForwardWrite(c echo.Context) error {
	var env coordinator.ForwardEnvelope
	if err := c.Bind(&env); err != nil {
		return c.JSON(http.StatusOK, protocol.Error(protocol.CodeInvalidArg, "转发载荷无效"))
	}
	if err := h.coord.HandleForward(c.Request().Context(), &env); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, protocol.Success(nil))
}
