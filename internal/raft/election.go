package raft

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// startElection 发起一轮选举。先进行预投票探测，
// 取得多数派认可后才抬升任期进入正式选举，避免分区节点的任期膨胀。
func (n *Node) startElection() {
	n.mu.Lock()
	if n.role == RoleLeader || n.role == RoleLearner {
		n.mu.Unlock()
		return
	}
	n.role = RoleCandidate
	n.resetElectionDeadlineLocked()
	proposedTerm := n.term + 1
	lastIndex, lastTerm := n.lastLogLocked()
	membership := n.membership.Clone()
	n.mu.Unlock()

	if !n.runVoteRound(proposedTerm, lastIndex, lastTerm, membership, true) {
		return
	}

	// 预投票通过，正式抬升任期
	n.mu.Lock()
	if n.role != RoleCandidate || n.term+1 != proposedTerm {
		// 期间收到了更高任期或新Leader
		n.mu.Unlock()
		return
	}
	n.term = proposedTerm
	n.votedFor = n.id
	if err := n.state.SetHardState(n.term, n.votedFor); err != nil {
		n.halt(err)
		n.mu.Unlock()
		return
	}
	n.termGauge.Store(n.term)
	n.resetElectionDeadlineLocked()
	n.mu.Unlock()

	n.logger.Info("发起选举",
		zap.Uint64("node_id", n.id),
		zap.Uint64("term", proposedTerm),
	)

	if n.runVoteRound(proposedTerm, lastIndex, lastTerm, membership, false) {
		n.becomeLeader(proposedTerm)
	}
	// 落选则等待下一次随机超时重试
}

// runVoteRound 执行一轮（预）投票，返回是否取得多数
func (n *Node) runVoteRound(term, lastIndex, lastTerm uint64, membership Membership, preVote bool) bool {
	votes := map[uint64]bool{n.id: true}
	var mu sync.Mutex

	req := &RequestVoteRequest{
		Term:         term,
		From:         n.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
		PreVote:      preVote,
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin())
	defer cancel()

	var wg sync.WaitGroup
	for id, addr := range membership.Peers(n.id) {
		if !membership.IsVoter(id) {
			continue
		}
		wg.Add(1)
		go func(id uint64, addr string) {
			defer wg.Done()
			resp, err := n.transport.RequestVote(ctx, addr, req)
			if err != nil {
				return
			}
			if resp.Term > term {
				n.mu.Lock()
				n.stepDownLocked(resp.Term)
				n.mu.Unlock()
				return
			}
			if resp.Granted {
				mu.Lock()
				votes[id] = true
				mu.Unlock()
			}
		}(id, addr)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return membership.QuorumReached(votes)
}

// becomeLeader 当选后初始化复制进度并追加本任期的空条目。
// 空条目保证提交规则（至少复制一条本任期日志）尽快满足。
func (n *Node) becomeLeader(term uint64) {
	n.mu.Lock()
	if n.role != RoleCandidate || n.term != term {
		n.mu.Unlock()
		return
	}
	n.role = RoleLeader
	n.leaderID = n.id
	lastIndex, _ := n.lastLogLocked()
	n.nextIndex = map[uint64]uint64{}
	n.matchIndex = map[uint64]uint64{n.id: lastIndex}
	for id := range n.membership.Peers(n.id) {
		n.nextIndex[id] = lastIndex + 1
		n.matchIndex[id] = 0
	}
	n.lastHeartbeat = time.Now()
	n.mu.Unlock()

	n.logger.Info("当选Leader", zap.Uint64("node_id", n.id), zap.Uint64("term", term))
	n.notifyLeadership(true)

	if _, _, err := n.propose(EntryNoop, nil); err != nil {
		n.logger.Warn("追加上任空条目失败", zap.Error(err))
	}
}

// HandleRequestVote 处理（预）投票请求
func (n *Node) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := &RequestVoteResponse{Term: n.term, From: n.id}

	if req.Term < n.term {
		return resp
	}

	// 正式投票的更高任期使当前节点退位；预投票不改变任何状态
	if req.Term > n.term && !req.PreVote {
		n.stepDownLocked(req.Term)
		resp.Term = n.term
	}

	lastIndex, lastTerm := n.lastLogLocked()
	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	if req.PreVote {
		// 预投票只校验日志新旧与任期不回退
		resp.Granted = upToDate && req.Term > n.term
		return resp
	}

	if upToDate && (n.votedFor == 0 || n.votedFor == req.From) {
		n.votedFor = req.From
		if err := n.state.SetHardState(n.term, n.votedFor); err != nil {
			n.halt(err)
			return resp
		}
		n.resetElectionDeadlineLocked()
		resp.Granted = true
	}
	return resp
}
