package raft

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hewenyu/conreg/internal/store"
)

var (
	// ErrNotLearner 目标节点不是Learner
	ErrNotLearner = errors.New("raft: node is not a learner")
	// ErrLearnerLagging Learner落后太多，不能晋升
	ErrLearnerLagging = errors.New("raft: learner is lagging behind")
	// ErrMemberExists 节点已在成员配置中
	ErrMemberExists = errors.New("raft: node already a member")
	// ErrMemberNotFound 节点不在成员配置中
	ErrMemberNotFound = errors.New("raft: node not in membership")
	// ErrLastVoter 移除后将没有投票者
	ErrLastVoter = errors.New("raft: cannot remove the last voter")
	// ErrInJointChange 已有成员变更在途
	ErrInJointChange = errors.New("raft: a membership change is in progress")
)

// applyMembershipEntryLocked 在条目追加时立即采纳成员配置并持久化。
// Raft按日志中最新的配置运作，不等待提交。
func (n *Node) applyMembershipEntryLocked(entry *store.LogEntry) error {
	m, err := DecodeMembership(entry.Payload)
	if err != nil {
		return fmt.Errorf("raft: 解析成员配置条目失败: %w", err)
	}
	n.membership = m
	if err := n.state.SetMembership(entry.Payload); err != nil {
		n.halt(err)
		return err
	}

	// Leader为新加入的对端建立复制进度
	if n.role == RoleLeader {
		lastIndex, _ := n.lastLogLocked()
		for id := range m.Peers(n.id) {
			if _, ok := n.nextIndex[id]; !ok {
				n.nextIndex[id] = lastIndex + 1
				n.matchIndex[id] = 0
			}
		}
	}

	// 本节点角色随配置变化
	if m.IsLearner(n.id) && n.role != RoleLeader {
		n.role = RoleLearner
	} else if n.role == RoleLearner && m.IsVoter(n.id) {
		n.role = RoleFollower
		n.resetElectionDeadlineLocked()
	}

	n.logger.Info("采纳成员配置",
		zap.Uint64("index", entry.Index),
		zap.Int("voters", len(m.Voters)),
		zap.Int("learners", len(m.Learners)),
		zap.Bool("joint", m.InJoint()),
	)
	return nil
}

// reloadMembershipLocked 日志截断后回退成员配置：
// 从截断点向前找最近的成员条目，找不到则落回快照点的配置。
func (n *Node) reloadMembershipLocked(upto uint64) {
	for index := upto; index > n.snapLastIndex; index-- {
		entry, err := n.logs.Entry(index)
		if err != nil {
			break
		}
		if entry.Type == EntryMembership {
			if m, err := DecodeMembership(entry.Payload); err == nil {
				n.membership = m
				if data, err := m.Encode(); err == nil {
					_ = n.state.SetMembership(data)
				}
				return
			}
		}
	}
	meta, _, err := n.state.Snapshot()
	if err == nil && meta != nil && meta.Membership != nil {
		if m, err := DecodeMembership(meta.Membership); err == nil {
			n.membership = m
			_ = n.state.SetMembership(meta.Membership)
		}
	}
}

// InitCluster 用给定投票者集合初始化集群。
// 仅当本节点成员配置为空时接受；其余节点通过复制习得配置。
func (n *Node) InitCluster(members map[uint64]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.membership.IsEmpty() {
		return ErrAlreadyInitialized
	}
	if len(members) == 0 {
		return errors.New("raft: 初始成员不能为空")
	}
	if _, ok := members[n.id]; !ok {
		return fmt.Errorf("raft: 初始成员必须包含本节点 %d", n.id)
	}

	m := NewMembership()
	for id, addr := range members {
		m.Voters[id] = addr
	}
	payload, err := m.Encode()
	if err != nil {
		return err
	}

	lastIndex, _ := n.lastLogLocked()
	entry := store.LogEntry{
		Term:    n.term,
		Index:   lastIndex + 1,
		Type:    EntryMembership,
		Payload: payload,
	}
	if err := n.logs.Append([]store.LogEntry{entry}); err != nil {
		n.halt(err)
		return ErrHalted
	}
	if err := n.applyMembershipEntryLocked(&entry); err != nil {
		return err
	}
	n.resetElectionDeadlineLocked()
	n.logger.Info("集群初始化完成", zap.Int("voters", len(members)))
	return nil
}

// AddLearner 由Leader加入一个Learner并开始追赶复制。
// Learner不影响多数派，无需联合共识。
func (n *Node) AddLearner(ctx context.Context, id uint64, addr string) error {
	n.mu.Lock()
	if n.role != RoleLeader {
		err := n.redirectErrLocked()
		n.mu.Unlock()
		return err
	}
	if n.membership.IsVoter(id) || n.membership.IsLearner(id) {
		n.mu.Unlock()
		return ErrMemberExists
	}
	next := n.membership.Clone()
	next.Learners[id] = addr
	payload, err := next.Encode()
	n.mu.Unlock()
	if err != nil {
		return err
	}
	return n.proposeAndWait(ctx, EntryMembership, payload)
}

// Promote 将追平的Learner晋升为投票者，走联合共识。
// Learner落后超过maxLag条日志时拒绝。
func (n *Node) Promote(ctx context.Context, id uint64) error {
	n.mu.Lock()
	if n.role != RoleLeader {
		err := n.redirectErrLocked()
		n.mu.Unlock()
		return err
	}
	if n.membership.InJoint() {
		n.mu.Unlock()
		return ErrInJointChange
	}
	addr, ok := n.membership.Learners[id]
	if !ok {
		n.mu.Unlock()
		return ErrNotLearner
	}
	lastIndex, _ := n.lastLogLocked()
	maxLag := uint64(n.cfg.Raft.PromoteMaxLag)
	if lastIndex > maxLag && n.matchIndex[id] < lastIndex-maxLag {
		lag := lastIndex - n.matchIndex[id]
		n.mu.Unlock()
		return fmt.Errorf("%w: 落后 %d 条", ErrLearnerLagging, lag)
	}

	joint := n.membership.Clone()
	joint.OldVoters = joint.Voters
	newVoters := map[uint64]string{}
	for vid, vaddr := range joint.OldVoters {
		newVoters[vid] = vaddr
	}
	newVoters[id] = addr
	joint.Voters = newVoters
	delete(joint.Learners, id)
	payload, err := joint.Encode()
	n.mu.Unlock()
	if err != nil {
		return err
	}
	// 联合配置提交后，应用循环自动追加最终配置
	return n.proposeAndWait(ctx, EntryMembership, payload)
}

// RemoveNode 移除投票者或Learner。
// 移除投票者走联合共识；移除Leader自身时在变更提交后退位。
func (n *Node) RemoveNode(ctx context.Context, id uint64) error {
	n.mu.Lock()
	if n.role != RoleLeader {
		err := n.redirectErrLocked()
		n.mu.Unlock()
		return err
	}
	if n.membership.InJoint() {
		n.mu.Unlock()
		return ErrInJointChange
	}

	if _, ok := n.membership.Learners[id]; ok {
		next := n.membership.Clone()
		delete(next.Learners, id)
		payload, err := next.Encode()
		n.mu.Unlock()
		if err != nil {
			return err
		}
		return n.proposeAndWait(ctx, EntryMembership, payload)
	}

	if _, ok := n.membership.Voters[id]; !ok {
		n.mu.Unlock()
		return ErrMemberNotFound
	}
	if len(n.membership.Voters) <= 1 {
		n.mu.Unlock()
		return ErrLastVoter
	}

	joint := n.membership.Clone()
	joint.OldVoters = joint.Voters
	newVoters := map[uint64]string{}
	for vid, vaddr := range joint.OldVoters {
		if vid != id {
			newVoters[vid] = vaddr
		}
	}
	joint.Voters = newVoters
	payload, err := joint.Encode()
	n.mu.Unlock()
	if err != nil {
		return err
	}
	return n.proposeAndWait(ctx, EntryMembership, payload)
}

// proposeAndWait 提案并等待提交应用
func (n *Node) proposeAndWait(ctx context.Context, entryType int, payload []byte) error {
	index, ch, err := n.propose(entryType, payload)
	if err != nil {
		return err
	}
	return n.Wait(ctx, index, ch)
}

func (n *Node) redirectErrLocked() error {
	if n.leaderID == 0 {
		return ErrUnavailable
	}
	return &ErrNotLeader{LeaderID: n.leaderID, LeaderAddr: n.membership.Addr(n.leaderID)}
}

// maybeFinishJoint 联合配置提交后由应用循环调用，
// 追加仅含新集合的最终配置。
func (n *Node) maybeFinishJoint() {
	n.mu.Lock()
	if n.role != RoleLeader || !n.membership.InJoint() {
		n.mu.Unlock()
		return
	}
	final := n.membership.Clone()
	final.OldVoters = nil
	payload, err := final.Encode()
	n.mu.Unlock()
	if err != nil {
		n.logger.Error("编码最终成员配置失败", zap.Error(err))
		return
	}
	if _, _, err := n.propose(EntryMembership, payload); err != nil {
		n.logger.Warn("追加最终成员配置失败", zap.Error(err))
	}
}

// maybeStepDownRemoved 最终配置提交后，若本Leader已不在投票者集合中则退位
func (n *Node) maybeStepDownRemoved() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == RoleLeader && !n.membership.InJoint() && !n.membership.IsVoter(n.id) {
		n.logger.Info("本节点已被移出投票者集合，退位", zap.Uint64("node_id", n.id))
		n.stepDownLocked(n.term)
		n.leaderID = 0
	}
}
