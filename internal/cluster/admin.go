// Package cluster 提供集群管理操作：初始化、加Learner、晋升、摘除与状态查询。
// 全部走普通管理请求，没有特权通道。
package cluster

import (
	"context"

	"go.uber.org/zap"

	"github.com/hewenyu/conreg/internal/config"
	"github.com/hewenyu/conreg/internal/raft"
)

// Admin 封装对Raft核心的成员管理
type Admin struct {
	node   *raft.Node
	logger config.Logger
}

// NewAdmin 创建集群管理器
func NewAdmin(node *raft.Node, logger config.Logger) *Admin {
	return &Admin{node: node, logger: logger}
}

// Init 用给定投票者集合初始化集群。
// 仅当本节点成员配置为空时接受。
func (a *Admin) Init(members map[uint64]string) error {
	if err := a.node.InitCluster(members); err != nil {
		return err
	}
	a.logger.Info("集群成员初始化", zap.Int("voters", len(members)))
	return nil
}

// InitStandalone 单机模式启动时自动建立单投票者集群。
// 已初始化过的节点直接跳过。
func (a *Admin) InitStandalone(nodeID uint64, advertise string) error {
	err := a.node.InitCluster(map[uint64]string{nodeID: advertise})
	if err == raft.ErrAlreadyInitialized {
		return nil
	}
	return err
}

// AddLearner 加入Learner并开始追赶复制。须在Leader上执行。
func (a *Admin) AddLearner(ctx context.Context, id uint64, addr string) error {
	return a.node.AddLearner(ctx, id, addr)
}

// Promote 把追平的Learner晋升为投票者
func (a *Admin) Promote(ctx context.Context, id uint64) error {
	return a.node.Promote(ctx, id)
}

// RemoveNode 摘除投票者或Learner
func (a *Admin) RemoveNode(ctx context.Context, id uint64) error {
	return a.node.RemoveNode(ctx, id)
}

// Status 返回节点与复制进度状态
func (a *Admin) Status() *raft.Status {
	return a.node.Status()
}

// TakeSnapshot 手动触发一次快照
func (a *Admin) TakeSnapshot() error {
	return a.node.TakeSnapshot()
}
