package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/hewenyu/conreg/internal/config"
	"github.com/hewenyu/conreg/internal/fsm"
	"github.com/hewenyu/conreg/internal/store"
)

var (
	// ErrShutdown 节点已停止
	ErrShutdown = errors.New("raft: node is shut down")
	// ErrUnavailable 集群当前没有Leader
	ErrUnavailable = errors.New("raft: no leader available")
	// ErrHalted 存储失败后节点停止推进
	ErrHalted = errors.New("raft: node halted after storage failure")
	// ErrAlreadyInitialized 节点已有成员配置，拒绝再次初始化
	ErrAlreadyInitialized = errors.New("raft: membership already initialized")
)

// ErrNotLeader 携带当前Leader信息的重定向错误
type ErrNotLeader struct {
	LeaderID   uint64
	LeaderAddr string
}

func (e *ErrNotLeader) Error() string {
	return fmt.Sprintf("raft: not leader, current leader is %d", e.LeaderID)
}

// LeadershipListener 在本节点得到或失去领导权时回调
type LeadershipListener func(isLeader bool)

const tickInterval = 10 * time.Millisecond

// Node 是一个Raft副本。所有易变状态由单把互斥锁保护，
// 网络与磁盘IO在锁外执行。
type Node struct {
	id        uint64
	cfg       *config.Config
	logger    config.Logger
	logs      *store.LogStore
	state     *store.StateStore
	sm        *fsm.FSM
	transport Transport

	mu         sync.Mutex
	role       Role
	term       uint64
	votedFor   uint64
	leaderID   uint64
	commitIdx  uint64
	applied    uint64
	membership Membership

	// Leader易变状态
	nextIndex  map[uint64]uint64
	matchIndex map[uint64]uint64
	lastRTT    map[uint64]time.Duration

	// 快照覆盖的日志终点
	snapLastIndex uint64
	snapLastTerm  uint64

	// 接收中的快照块缓冲
	installBuf []byte

	electionDeadline time.Time
	lastHeartbeat    time.Time

	waiters   *waitRegistry
	listeners []LeadershipListener

	applyNotify chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	// 对外发布的观测值
	termGauge    atomic.Uint64
	commitGauge  atomic.Uint64
	appliedGauge atomic.Uint64

	halted atomic.Bool
}

// NewNode 从持久化状态恢复并创建Raft节点
func NewNode(cfg *config.Config, logs *store.LogStore, state *store.StateStore, sm *fsm.FSM, transport Transport, logger config.Logger) (*Node, error) {
	term, votedFor, err := state.HardState()
	if err != nil {
		return nil, err
	}

	membership := NewMembership()
	if data, err := state.Membership(); err != nil {
		return nil, err
	} else if data != nil {
		if membership, err = DecodeMembership(data); err != nil {
			return nil, fmt.Errorf("raft: 解析持久化成员配置失败: %w", err)
		}
	}

	snapIndex, snapTerm, err := state.LastPurged()
	if err != nil {
		return nil, err
	}

	applied, err := sm.LastApplied()
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:            cfg.Node.ID,
		cfg:           cfg,
		logger:        logger,
		logs:          logs,
		state:         state,
		sm:            sm,
		transport:     transport,
		role:          RoleFollower,
		term:          term,
		votedFor:      votedFor,
		membership:    membership,
		nextIndex:     map[uint64]uint64{},
		matchIndex:    map[uint64]uint64{},
		lastRTT:       map[uint64]time.Duration{},
		snapLastIndex: snapIndex,
		snapLastTerm:  snapTerm,
		commitIdx:     applied,
		applied:       applied,
		waiters:       newWaitRegistry(),
		applyNotify:   make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	if membership.IsLearner(n.id) {
		n.role = RoleLearner
	}
	n.termGauge.Store(term)
	n.commitGauge.Store(applied)
	n.appliedGauge.Store(applied)
	n.resetElectionDeadlineLocked()
	return n, nil
}

// Start 启动tick循环与应用循环
func (n *Node) Start() {
	n.wg.Add(2)
	go n.tickLoop()
	go n.applyLoop()
	n.logger.Info("raft节点已启动",
		zap.Uint64("node_id", n.id),
		zap.Uint64("term", n.term),
		zap.String("role", string(n.role)),
	)
}

// Stop 停止节点并等待后台循环退出
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.wg.Wait()
	n.waiters.FailAll(ErrShutdown)
}

// OnLeadershipChange 注册领导权变化回调。须在Start之前调用。
func (n *Node) OnLeadershipChange(l LeadershipListener) {
	n.listeners = append(n.listeners, l)
}

// ID 返回节点ID
func (n *Node) ID() uint64 { return n.id }

// IsLeader 当前节点是否为Leader
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

// Leader 返回当前已知的Leader与其地址
func (n *Node) Leader() (uint64, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID, n.membership.Addr(n.leaderID)
}

// Membership 返回当前成员配置的拷贝
func (n *Node) Membership() Membership {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.membership.Clone()
}

// tickLoop 驱动选举超时与Leader心跳
func (n *Node) tickLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if n.halted.Load() {
				continue
			}
			n.tick()
		}
	}
}

func (n *Node) tick() {
	n.mu.Lock()
	role := n.role
	now := time.Now()

	switch role {
	case RoleLeader:
		if now.Sub(n.lastHeartbeat) >= n.cfg.HeartbeatInterval() {
			n.lastHeartbeat = now
			n.mu.Unlock()
			n.broadcastAppend()
			return
		}
		n.mu.Unlock()
	case RoleFollower, RoleCandidate:
		// Learner与未初始化的节点不发起选举
		if n.membership.IsEmpty() || !n.membership.IsVoter(n.id) {
			n.mu.Unlock()
			return
		}
		if now.After(n.electionDeadline) {
			n.mu.Unlock()
			n.startElection()
			return
		}
		n.mu.Unlock()
	default:
		n.mu.Unlock()
	}
}

// resetElectionDeadlineLocked 以[min,max)内的随机值重置选举超时
func (n *Node) resetElectionDeadlineLocked() {
	min := n.cfg.ElectionTimeoutMin()
	max := n.cfg.ElectionTimeoutMax()
	timeout := min + time.Duration(rand.Int63n(int64(max-min)))
	n.electionDeadline = time.Now().Add(timeout)
}

// stepDownLocked 进入Follower（或Learner）角色并采纳给定任期
func (n *Node) stepDownLocked(term uint64) {
	wasLeader := n.role == RoleLeader
	if term > n.term {
		n.term = term
		n.votedFor = 0
		if err := n.state.SetHardState(n.term, n.votedFor); err != nil {
			n.halt(err)
			return
		}
		n.termGauge.Store(term)
	}
	if n.membership.IsLearner(n.id) {
		n.role = RoleLearner
	} else {
		n.role = RoleFollower
	}
	n.resetElectionDeadlineLocked()
	if wasLeader {
		n.waiters.FailAll(ErrUnavailable)
		n.notifyLeadership(false)
		n.logger.Info("失去领导权", zap.Uint64("node_id", n.id), zap.Uint64("term", n.term))
	}
}

func (n *Node) notifyLeadership(isLeader bool) {
	for _, l := range n.listeners {
		go l(isLeader)
	}
}

// halt 存储失败后停止推进。节点转入不可用而不是带着分歧继续。
func (n *Node) halt(err error) {
	if n.halted.CompareAndSwap(false, true) {
		n.logger.Error("存储失败，raft停止推进", zap.Error(err), zap.Uint64("node_id", n.id))
	}
}

// Halted 节点是否已因存储失败停止
func (n *Node) Halted() bool { return n.halted.Load() }

// lastLogLocked 返回日志末尾的(index, term)，日志为空时落到快照终点
func (n *Node) lastLogLocked() (uint64, uint64) {
	last, err := n.logs.LastIndex()
	if err != nil {
		n.halt(err)
		return n.snapLastIndex, n.snapLastTerm
	}
	if last == 0 {
		return n.snapLastIndex, n.snapLastTerm
	}
	entry, err := n.logs.Entry(last)
	if err != nil {
		n.halt(err)
		return n.snapLastIndex, n.snapLastTerm
	}
	return entry.Index, entry.Term
}

// termAtLocked 返回指定索引处的任期。0索引与快照终点有定义，
// 已被回收的索引返回错误。
func (n *Node) termAtLocked(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if index == n.snapLastIndex {
		return n.snapLastTerm, nil
	}
	if index < n.snapLastIndex {
		return 0, fmt.Errorf("raft: 索引 %d 已被快照回收", index)
	}
	entry, err := n.logs.Entry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

// Propose 由Leader追加一条业务命令，返回日志索引与完成通道。
// 非Leader返回ErrNotLeader供上层重定向。
func (n *Node) Propose(payload []byte) (uint64, <-chan applyResult, error) {
	return n.propose(EntryNormal, payload)
}

func (n *Node) propose(entryType int, payload []byte) (uint64, <-chan applyResult, error) {
	n.mu.Lock()
	if n.halted.Load() {
		n.mu.Unlock()
		return 0, nil, ErrHalted
	}
	if n.role != RoleLeader {
		leaderID := n.leaderID
		addr := n.membership.Addr(leaderID)
		n.mu.Unlock()
		if leaderID == 0 {
			return 0, nil, ErrUnavailable
		}
		return 0, nil, &ErrNotLeader{LeaderID: leaderID, LeaderAddr: addr}
	}

	lastIndex, _ := n.lastLogLocked()
	entry := store.LogEntry{
		Term:    n.term,
		Index:   lastIndex + 1,
		Type:    entryType,
		Payload: payload,
	}
	if err := n.logs.Append([]store.LogEntry{entry}); err != nil {
		n.halt(err)
		n.mu.Unlock()
		return 0, nil, ErrHalted
	}
	n.matchIndex[n.id] = entry.Index

	if entryType == EntryMembership {
		if err := n.applyMembershipEntryLocked(&entry); err != nil {
			n.mu.Unlock()
			return 0, nil, err
		}
	}

	ch := n.waiters.Register(entry.Index)

	// 单节点集群无需等待复制即可提交
	n.advanceCommitLocked()
	n.mu.Unlock()

	n.broadcastAppend()
	return entry.Index, ch, nil
}

// Wait 等待提案结果，受上下文截止时间约束
func (n *Node) Wait(ctx context.Context, index uint64, ch <-chan applyResult) error {
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		n.waiters.Cancel(index)
		return ctx.Err()
	case <-n.stopCh:
		return ErrShutdown
	}
}

// LinearizableRead 在Leader上执行read-index：确认一轮多数派心跳后，
// 等待本地应用追上读取点。
func (n *Node) LinearizableRead(ctx context.Context) error {
	n.mu.Lock()
	if n.role != RoleLeader {
		leaderID := n.leaderID
		addr := n.membership.Addr(leaderID)
		n.mu.Unlock()
		if leaderID == 0 {
			return ErrUnavailable
		}
		return &ErrNotLeader{LeaderID: leaderID, LeaderAddr: addr}
	}
	readIndex := n.commitIdx
	n.mu.Unlock()

	if !n.confirmLeadership(ctx) {
		return ErrUnavailable
	}

	for {
		n.mu.Lock()
		caught := n.applied >= readIndex
		n.mu.Unlock()
		if caught {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tickInterval):
		}
	}
}

// Status 描述节点与复制进度，供集群status接口使用
type Status struct {
	NodeID       uint64         `json:"node_id"`
	Role         Role           `json:"role"`
	Term         uint64         `json:"term"`
	LeaderID     uint64         `json:"leader_id"`
	LeaderAddr   string         `json:"leader_addr"`
	LastLogIndex uint64         `json:"last_log_index"`
	CommitIndex  uint64         `json:"commit_index"`
	LastApplied  uint64         `json:"last_applied"`
	Members      []MemberStatus `json:"members"`
	Progress     []PeerProgress `json:"replication_progress,omitempty"`
}

// MemberStatus 成员表中的一行
type MemberStatus struct {
	NodeID  uint64 `json:"node_id"`
	Addr    string `json:"addr"`
	Voter   bool   `json:"voter"`
	Learner bool   `json:"learner"`
}

// PeerProgress Leader视角的复制进度
type PeerProgress struct {
	NodeID     uint64  `json:"node_id"`
	MatchIndex uint64  `json:"match_index"`
	NextIndex  uint64  `json:"next_index"`
	RTTMs      float64 `json:"rtt_ms"`
}

// Status 返回节点状态快照
func (n *Node) Status() *Status {
	n.mu.Lock()
	defer n.mu.Unlock()

	lastIndex, _ := n.lastLogLocked()
	st := &Status{
		NodeID:       n.id,
		Role:         n.role,
		Term:         n.term,
		LeaderID:     n.leaderID,
		LeaderAddr:   n.membership.Addr(n.leaderID),
		LastLogIndex: lastIndex,
		CommitIndex:  n.commitIdx,
		LastApplied:  n.applied,
	}
	for id, addr := range n.membership.Voters {
		st.Members = append(st.Members, MemberStatus{NodeID: id, Addr: addr, Voter: true})
	}
	for id, addr := range n.membership.Learners {
		st.Members = append(st.Members, MemberStatus{NodeID: id, Addr: addr, Learner: true})
	}
	if n.role == RoleLeader {
		for id := range n.membership.Peers(n.id) {
			st.Progress = append(st.Progress, PeerProgress{
				NodeID:     id,
				MatchIndex: n.matchIndex[id],
				NextIndex:  n.nextIndex[id],
				RTTMs:      float64(n.lastRTT[id].Microseconds()) / 1000.0,
			})
		}
	}
	return st
}
