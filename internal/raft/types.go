// Package raft 实现conreg的复制共识层：
// 选举、日志复制、联合共识成员变更、Learner追赶与快照安装。
package raft

import (
	"encoding/json"

	"github.com/hewenyu/conreg/internal/store"
)

// Role 节点角色
type Role string

const (
	// RoleFollower 跟随者
	RoleFollower Role = "follower"
	// RoleCandidate 候选者
	RoleCandidate Role = "candidate"
	// RoleLeader 领导者
	RoleLeader Role = "leader"
	// RoleLearner 学习者，不参与投票与提交计数
	RoleLearner Role = "learner"
)

// 日志条目类型
const (
	// EntryNormal 业务命令
	EntryNormal = iota
	// EntryNoop Leader上任时追加的空条目
	EntryNoop
	// EntryMembership 成员配置变更
	EntryMembership
)

// Membership 是集群成员配置。
// OldVoters非空表示处于联合共识过渡期，
// 提交与选举需要同时取得新旧两个投票者集合的多数。
type Membership struct {
	Voters    map[uint64]string `json:"voters"`
	Learners  map[uint64]string `json:"learners,omitempty"`
	OldVoters map[uint64]string `json:"old_voters,omitempty"`
}

// NewMembership 创建空成员配置
func NewMembership() Membership {
	return Membership{Voters: map[uint64]string{}, Learners: map[uint64]string{}}
}

// Clone 深拷贝成员配置
func (m Membership) Clone() Membership {
	out := Membership{Voters: map[uint64]string{}, Learners: map[uint64]string{}}
	for id, addr := range m.Voters {
		out.Voters[id] = addr
	}
	for id, addr := range m.Learners {
		out.Learners[id] = addr
	}
	if m.OldVoters != nil {
		out.OldVoters = map[uint64]string{}
		for id, addr := range m.OldVoters {
			out.OldVoters[id] = addr
		}
	}
	return out
}

// IsEmpty 成员配置是否为空（节点尚未加入任何集群）
func (m Membership) IsEmpty() bool {
	return len(m.Voters) == 0 && len(m.OldVoters) == 0 && len(m.Learners) == 0
}

// InJoint 是否处于联合共识过渡期
func (m Membership) InJoint() bool {
	return len(m.OldVoters) > 0
}

// IsVoter 指定节点是否为投票者（联合期内任一集合均算）
func (m Membership) IsVoter(id uint64) bool {
	if _, ok := m.Voters[id]; ok {
		return true
	}
	_, ok := m.OldVoters[id]
	return ok
}

// IsLearner 指定节点是否为Learner
func (m Membership) IsLearner(id uint64) bool {
	_, ok := m.Learners[id]
	return ok
}

// Peers 返回除自身外所有需要复制日志的节点（投票者 + Learner）
func (m Membership) Peers(self uint64) map[uint64]string {
	out := map[uint64]string{}
	for id, addr := range m.Voters {
		if id != self {
			out[id] = addr
		}
	}
	for id, addr := range m.OldVoters {
		if id != self {
			out[id] = addr
		}
	}
	for id, addr := range m.Learners {
		if id != self {
			out[id] = addr
		}
	}
	return out
}

// Addr 返回指定节点的地址
func (m Membership) Addr(id uint64) string {
	if addr, ok := m.Voters[id]; ok {
		return addr
	}
	if addr, ok := m.OldVoters[id]; ok {
		return addr
	}
	return m.Learners[id]
}

// QuorumReached 判断给定节点集合是否构成提交/选举多数。
// Learner永远不计入；联合期需同时满足新旧集合的多数。
func (m Membership) QuorumReached(votes map[uint64]bool) bool {
	if !majority(m.Voters, votes) {
		return false
	}
	if m.InJoint() && !majority(m.OldVoters, votes) {
		return false
	}
	return true
}

func majority(voters map[uint64]string, votes map[uint64]bool) bool {
	if len(voters) == 0 {
		return true
	}
	granted := 0
	for id := range voters {
		if votes[id] {
			granted++
		}
	}
	return granted*2 > len(voters)
}

// Encode 序列化成员配置
func (m Membership) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMembership 反序列化成员配置
func DecodeMembership(data []byte) (Membership, error) {
	m := NewMembership()
	err := json.Unmarshal(data, &m)
	return m, err
}

// AppendEntriesRequest 日志复制/心跳RPC请求
type AppendEntriesRequest struct {
	Term         uint64           `json:"term"`
	From         uint64           `json:"from_id"`
	PrevLogIndex uint64           `json:"prev_log_index"`
	PrevLogTerm  uint64           `json:"prev_log_term"`
	Entries      []store.LogEntry `json:"entries,omitempty"`
	LeaderCommit uint64           `json:"leader_commit"`
}

// AppendEntriesResponse 日志复制RPC响应
type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`
	From    uint64 `json:"from_id"`
	Success bool   `json:"success"`
	// 一致性检查失败时提示Leader回退的位置
	ConflictIndex uint64 `json:"conflict_index,omitempty"`
}

// RequestVoteRequest 选举RPC请求。PreVote为真时为预投票，
// 不改变接收方任期与投票记录。
type RequestVoteRequest struct {
	Term         uint64 `json:"term"`
	From         uint64 `json:"from_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
	PreVote      bool   `json:"pre_vote,omitempty"`
}

// RequestVoteResponse 选举RPC响应
type RequestVoteResponse struct {
	Term    uint64 `json:"term"`
	From    uint64 `json:"from_id"`
	Granted bool   `json:"granted"`
}

// InstallSnapshotRequest 快照安装RPC请求，按块传输
type InstallSnapshotRequest struct {
	Term       uint64 `json:"term"`
	From       uint64 `json:"from_id"`
	LastIndex  uint64 `json:"last_index"`
	LastTerm   uint64 `json:"last_term"`
	Membership []byte `json:"membership"`
	Offset     uint64 `json:"offset"`
	Data       []byte `json:"data"`
	Done       bool   `json:"done"`
}

// InstallSnapshotResponse 快照安装RPC响应
type InstallSnapshotResponse struct {
	Term    uint64 `json:"term"`
	From    uint64 `json:"from_id"`
	Success bool   `json:"success"`
}
