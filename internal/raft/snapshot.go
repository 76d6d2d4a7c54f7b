package raft

import (
	"context"

	"go.uber.org/zap"

	"github.com/hewenyu/conreg/internal/store"
)

// snapshotChunkSize 快照传输的分块大小
const snapshotChunkSize = 1 << 20

// maybeSnapshot 应用位点超过阈值后做一次快照并回收日志前缀
func (n *Node) maybeSnapshot() {
	n.mu.Lock()
	threshold := uint64(n.cfg.Raft.SnapshotThreshold)
	if n.applied <= n.snapLastIndex || n.applied-n.snapLastIndex <= threshold {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	if err := n.TakeSnapshot(); err != nil {
		n.logger.Error("快照失败", zap.Error(err))
	}
}

// TakeSnapshot 生成一次快照：状态机导出一致性转储，
// 连同元数据落盘后回收被覆盖的日志前缀。手动触发也走此路径。
func (n *Node) TakeSnapshot() error {
	n.mu.Lock()
	index := n.applied
	if index == 0 || index <= n.snapLastIndex {
		n.mu.Unlock()
		return nil
	}
	term, err := n.termAtLocked(index)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	membershipBytes, err := n.membership.Encode()
	if err != nil {
		n.mu.Unlock()
		return err
	}
	n.mu.Unlock()

	// 导出在锁外进行：状态机读是快照隔离的，应用循环此刻不在写
	data, err := n.sm.Snapshot()
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	meta := &store.SnapshotMeta{LastIndex: index, LastTerm: term, Membership: membershipBytes}
	if err := n.state.SaveSnapshot(meta, data); err != nil {
		n.halt(err)
		return err
	}
	if err := n.state.SetLastPurged(index, term); err != nil {
		n.halt(err)
		return err
	}
	if err := n.logs.TruncatePrefix(index); err != nil {
		n.halt(err)
		return err
	}
	n.snapLastIndex = index
	n.snapLastTerm = term

	n.logger.Info("快照完成",
		zap.Uint64("index", index),
		zap.Uint64("term", term),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// sendSnapshot Leader向落后过多的对端分块发送最新快照
func (n *Node) sendSnapshot(peerID uint64, addr string) {
	meta, data, err := n.state.Snapshot()
	if err != nil || meta == nil {
		return
	}

	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return
	}
	term := n.term
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMax()*10)
	defer cancel()

	for offset := uint64(0); ; {
		end := offset + snapshotChunkSize
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		req := &InstallSnapshotRequest{
			Term:       term,
			From:       n.id,
			LastIndex:  meta.LastIndex,
			LastTerm:   meta.LastTerm,
			Membership: meta.Membership,
			Offset:     offset,
			Data:       data[offset:end],
			Done:       end == uint64(len(data)),
		}
		resp, err := n.transport.InstallSnapshot(ctx, addr, req)
		if err != nil {
			n.logger.Warn("快照发送失败",
				zap.Uint64("peer", peerID),
				zap.Error(err),
			)
			return
		}
		if resp.Term > term {
			n.mu.Lock()
			n.stepDownLocked(resp.Term)
			n.mu.Unlock()
			return
		}
		if !resp.Success {
			return
		}
		if req.Done {
			break
		}
		offset = end
	}

	n.mu.Lock()
	if n.role == RoleLeader {
		if meta.LastIndex > n.matchIndex[peerID] {
			n.matchIndex[peerID] = meta.LastIndex
		}
		n.nextIndex[peerID] = meta.LastIndex + 1
	}
	n.mu.Unlock()

	n.logger.Info("快照已安装到对端",
		zap.Uint64("peer", peerID),
		zap.Uint64("index", meta.LastIndex),
	)
}

// HandleInstallSnapshot 接收并安装Leader发来的快照。
// 全部块到齐后原子替换状态机内容、更新快照元数据并清空旧日志。
func (n *Node) HandleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse {
	n.mu.Lock()

	resp := &InstallSnapshotResponse{Term: n.term, From: n.id}
	if req.Term < n.term {
		n.mu.Unlock()
		return resp
	}
	if req.Term > n.term || n.role == RoleCandidate || n.role == RoleLeader {
		n.stepDownLocked(req.Term)
		resp.Term = n.term
	}
	n.leaderID = req.From
	n.resetElectionDeadlineLocked()

	if req.Offset == 0 {
		n.installBuf = n.installBuf[:0]
	}
	if uint64(len(n.installBuf)) != req.Offset {
		// 块乱序，要求Leader重新从头发送
		n.mu.Unlock()
		return resp
	}
	n.installBuf = append(n.installBuf, req.Data...)

	if !req.Done {
		resp.Success = true
		n.mu.Unlock()
		return resp
	}

	data := n.installBuf
	n.installBuf = nil

	// 快照点之前的状态全部废弃
	if err := n.sm.Restore(data, req.LastIndex); err != nil {
		n.halt(err)
		n.mu.Unlock()
		return resp
	}
	meta := &store.SnapshotMeta{LastIndex: req.LastIndex, LastTerm: req.LastTerm, Membership: req.Membership}
	if err := n.state.SaveSnapshot(meta, data); err != nil {
		n.halt(err)
		n.mu.Unlock()
		return resp
	}
	if err := n.state.SetLastPurged(req.LastIndex, req.LastTerm); err != nil {
		n.halt(err)
		n.mu.Unlock()
		return resp
	}

	// 快照点处若存在同任期日志则保留其后缀，否则整段丢弃
	keepSuffix := false
	if t, err := n.termAtLocked(req.LastIndex); err == nil && t == req.LastTerm {
		keepSuffix = true
	}
	if err := n.logs.TruncatePrefix(req.LastIndex); err != nil {
		n.halt(err)
		n.mu.Unlock()
		return resp
	}
	if !keepSuffix {
		if err := n.logs.TruncateSuffix(req.LastIndex + 1); err != nil {
			n.halt(err)
			n.mu.Unlock()
			return resp
		}
	}

	n.snapLastIndex = req.LastIndex
	n.snapLastTerm = req.LastTerm
	n.applied = req.LastIndex
	n.appliedGauge.Store(req.LastIndex)
	if req.LastIndex > n.commitIdx {
		n.commitIdx = req.LastIndex
		n.commitGauge.Store(req.LastIndex)
	}

	if req.Membership != nil {
		if m, err := DecodeMembership(req.Membership); err == nil {
			n.membership = m
			_ = n.state.SetMembership(req.Membership)
			if m.IsLearner(n.id) {
				n.role = RoleLearner
			}
		}
	}

	n.mu.Unlock()

	n.logger.Info("快照安装完成",
		zap.Uint64("index", req.LastIndex),
		zap.Uint64("term", req.LastTerm),
	)
	resp.Success = true
	return resp
}
