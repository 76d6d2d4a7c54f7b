package raft

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/conreg/internal/store"
)

// broadcastAppend 向所有对端并行推进复制。心跳与日志复制共用此路径：
// 无新日志时发出的即是空entries的心跳。
func (n *Node) broadcastAppend() {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return
	}
	peers := n.membership.Peers(n.id)
	n.mu.Unlock()

	var g errgroup.Group
	for id, addr := range peers {
		id, addr := id, addr
		g.Go(func() error {
			n.replicateTo(id, addr)
			return nil
		})
	}
	_ = g.Wait()
}

// replicateTo 向单个对端发送一次AppendEntries（必要时改发快照）
func (n *Node) replicateTo(peerID uint64, addr string) {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return
	}

	nextIdx := n.nextIndex[peerID]
	if nextIdx == 0 {
		nextIdx = 1
	}

	// 对端落后到日志已被快照回收时，改发快照
	if nextIdx <= n.snapLastIndex {
		n.mu.Unlock()
		n.sendSnapshot(peerID, addr)
		return
	}

	prevIndex := nextIdx - 1
	prevTerm, err := n.termAtLocked(prevIndex)
	if err != nil {
		n.mu.Unlock()
		n.sendSnapshot(peerID, addr)
		return
	}

	lastIndex, _ := n.lastLogLocked()
	var entries []store.LogEntry
	if lastIndex >= nextIdx {
		to := lastIndex
		if limit := uint64(n.cfg.Raft.MaxAppendEntries); to-nextIdx+1 > limit {
			to = nextIdx + limit - 1
		}
		entries, err = n.logs.Range(nextIdx, to)
		if err != nil {
			n.halt(err)
			n.mu.Unlock()
			return
		}
	}

	req := &AppendEntriesRequest{
		Term:         n.term,
		From:         n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIdx,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin())
	defer cancel()

	start := time.Now()
	resp, err := n.transport.AppendEntries(ctx, addr, req)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastRTT[peerID] = time.Since(start)

	if resp.Term > n.term {
		n.stepDownLocked(resp.Term)
		return
	}
	if n.role != RoleLeader || n.term != req.Term {
		return
	}

	if resp.Success {
		if len(req.Entries) > 0 {
			match := req.Entries[len(req.Entries)-1].Index
			if match > n.matchIndex[peerID] {
				n.matchIndex[peerID] = match
			}
			n.nextIndex[peerID] = match + 1
		} else if req.PrevLogIndex > n.matchIndex[peerID] {
			n.matchIndex[peerID] = req.PrevLogIndex
			n.nextIndex[peerID] = req.PrevLogIndex + 1
		}
		n.advanceCommitLocked()
		return
	}

	// 一致性检查失败，回退nextIndex重试
	next := resp.ConflictIndex
	if next == 0 || next >= nextIdx {
		next = nextIdx - 1
	}
	if next < 1 {
		next = 1
	}
	n.nextIndex[peerID] = next
}

// advanceCommitLocked 推进commitIndex。
// 仅当某索引处的条目属于当前任期且被投票者多数复制时才提交，
// 不直接提交纯旧任期的条目。
func (n *Node) advanceCommitLocked() {
	lastIndex, _ := n.lastLogLocked()
	for candidate := lastIndex; candidate > n.commitIdx; candidate-- {
		term, err := n.termAtLocked(candidate)
		if err != nil || term != n.term {
			continue
		}
		acks := map[uint64]bool{}
		for id := range n.membership.Voters {
			if id == n.id || n.matchIndex[id] >= candidate {
				acks[id] = true
			}
		}
		for id := range n.membership.OldVoters {
			if id == n.id || n.matchIndex[id] >= candidate {
				acks[id] = true
			}
		}
		if n.membership.QuorumReached(acks) {
			n.commitIdx = candidate
			n.commitGauge.Store(candidate)
			n.signalApply()
			return
		}
	}
}

// confirmLeadership 用一轮心跳确认多数派仍承认本节点为Leader（read-index）
func (n *Node) confirmLeadership(ctx context.Context) bool {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return false
	}
	term := n.term
	peers := n.membership.Peers(n.id)
	membership := n.membership.Clone()
	commit := n.commitIdx
	n.mu.Unlock()

	acks := make(chan uint64, len(peers))
	for id, addr := range peers {
		if !membership.IsVoter(id) {
			continue
		}
		go func(id uint64, addr string) {
			req := &AppendEntriesRequest{Term: term, From: n.id, LeaderCommit: commit}
			// 心跳探测使用当前日志末尾做一致性检查
			n.mu.Lock()
			req.PrevLogIndex, req.PrevLogTerm = n.lastLogLocked()
			n.mu.Unlock()
			resp, err := n.transport.AppendEntries(ctx, addr, req)
			if err == nil && resp.Term <= term {
				acks <- id
			}
		}(id, addr)
	}

	votes := map[uint64]bool{n.id: true}
	deadline := time.After(n.cfg.ElectionTimeoutMin())
	for {
		if membership.QuorumReached(votes) {
			return true
		}
		select {
		case id := <-acks:
			votes[id] = true
		case <-deadline:
			return membership.QuorumReached(votes)
		case <-ctx.Done():
			return false
		}
	}
}

// HandleAppendEntries 处理来自Leader的日志复制/心跳
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := &AppendEntriesResponse{Term: n.term, From: n.id}

	if req.Term < n.term {
		return resp
	}

	if req.Term > n.term || n.role == RoleCandidate || n.role == RoleLeader {
		n.stepDownLocked(req.Term)
		resp.Term = n.term
	}
	n.leaderID = req.From
	n.resetElectionDeadlineLocked()

	// 一致性检查
	lastIndex, _ := n.lastLogLocked()
	if req.PrevLogIndex > lastIndex {
		resp.ConflictIndex = lastIndex + 1
		return resp
	}
	if req.PrevLogIndex >= n.snapLastIndex {
		prevTerm, err := n.termAtLocked(req.PrevLogIndex)
		if err != nil {
			resp.ConflictIndex = n.snapLastIndex + 1
			return resp
		}
		if prevTerm != req.PrevLogTerm {
			resp.ConflictIndex = req.PrevLogIndex
			return resp
		}
	}

	// 截断冲突后缀并追加新条目
	var toAppend []store.LogEntry
	for i := range req.Entries {
		entry := &req.Entries[i]
		if entry.Index <= n.snapLastIndex {
			continue
		}
		existingTerm, err := n.termAtLocked(entry.Index)
		if err != nil || entry.Index > lastIndex {
			toAppend = append(toAppend, req.Entries[i:]...)
			break
		}
		if existingTerm != entry.Term {
			if err := n.logs.TruncateSuffix(entry.Index); err != nil {
				n.halt(err)
				return resp
			}
			// 本地被截掉的部分可能包含成员配置，回退到截断点之前的配置
			n.reloadMembershipLocked(entry.Index - 1)
			toAppend = append(toAppend, req.Entries[i:]...)
			break
		}
	}
	if len(toAppend) > 0 {
		if err := n.logs.Append(toAppend); err != nil {
			n.halt(err)
			return resp
		}
		for i := range toAppend {
			if toAppend[i].Type == EntryMembership {
				if err := n.applyMembershipEntryLocked(&toAppend[i]); err != nil {
					n.logger.Error("应用成员配置失败", zap.Error(err))
				}
			}
		}
	}

	// 推进提交位点
	if req.LeaderCommit > n.commitIdx {
		newLast, _ := n.lastLogLocked()
		commit := req.LeaderCommit
		if commit > newLast {
			commit = newLast
		}
		if commit > n.commitIdx {
			n.commitIdx = commit
			n.commitGauge.Store(commit)
			n.signalApply()
		}
	}

	resp.Success = true
	return resp
}

func (n *Node) signalApply() {
	select {
	case n.applyNotify <- struct{}{}:
	default:
	}
}
