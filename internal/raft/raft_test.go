package raft

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/conreg/internal/config"
	"github.com/hewenyu/conreg/internal/fsm"
	"github.com/hewenyu/conreg/internal/store"
	"github.com/hewenyu/conreg/pkg/model"
)

// memTransport 进程内对端传输，按地址路由到节点。
// 支持按节点隔离来模拟分区与宕机。
type memTransport struct {
	mu      sync.Mutex
	nodes   map[string]*Node
	blocked map[string]bool
}

func newMemTransport() *memTransport {
	return &memTransport{nodes: map[string]*Node{}, blocked: map[string]bool{}}
}

func (tr *memTransport) register(addr string, node *Node) {
	tr.mu.Lock()
	tr.nodes[addr] = node
	tr.mu.Unlock()
}

func (tr *memTransport) setBlocked(addr string, blocked bool) {
	tr.mu.Lock()
	tr.blocked[addr] = blocked
	tr.mu.Unlock()
}

func (tr *memTransport) target(from, addr string) (*Node, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.blocked[from] || tr.blocked[addr] {
		return nil, errors.New("memtransport: partitioned")
	}
	node, ok := tr.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("memtransport: 未知地址 %s", addr)
	}
	return node, nil
}

// nodeTransport 绑定发送方地址的传输视图
type nodeTransport struct {
	tr   *memTransport
	self string
}

func (t *nodeTransport) AppendEntries(ctx context.Context, addr string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	node, err := t.tr.target(t.self, addr)
	if err != nil {
		return nil, err
	}
	return node.HandleAppendEntries(req), nil
}

func (t *nodeTransport) RequestVote(ctx context.Context, addr string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	node, err := t.tr.target(t.self, addr)
	if err != nil {
		return nil, err
	}
	return node.HandleRequestVote(req), nil
}

func (t *nodeTransport) InstallSnapshot(ctx context.Context, addr string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	node, err := t.tr.target(t.self, addr)
	if err != nil {
		return nil, err
	}
	return node.HandleInstallSnapshot(req), nil
}

// testCluster 一组共享内存传输的节点
type testCluster struct {
	t     *testing.T
	tr    *memTransport
	nodes map[uint64]*Node
	sms   map[uint64]*fsm.FSM
}

func testConfig(id uint64) *config.Config {
	cfg, err := config.LoadConfig("")
	if err != nil {
		panic(err)
	}
	cfg.Node.ID = id
	cfg.Raft.ElectionTimeoutMinMs = 50
	cfg.Raft.ElectionTimeoutMaxMs = 150
	cfg.Raft.HeartbeatIntervalMs = 15
	cfg.Raft.PromoteMaxLag = 5
	return cfg
}

func addrOf(id uint64) string { return fmt.Sprintf("node-%d", id) }

// addNode 创建并启动一个带完整存储栈的节点
func (c *testCluster) addNode(id uint64, mutate func(*config.Config)) *Node {
	c.t.Helper()
	cfg := testConfig(id)
	if mutate != nil {
		mutate(cfg)
	}

	dir := c.t.TempDir()
	raftDB, err := store.OpenRaftDB(filepath.Join(dir, "raft.db"))
	require.NoError(c.t, err)
	confDB, err := store.OpenConfDB(filepath.Join(dir, "conf.db"))
	require.NoError(c.t, err)
	c.t.Cleanup(func() {
		_ = raftDB.Close()
		_ = confDB.Close()
	})

	sm, err := fsm.New(store.NewAppliedStore(confDB), 128, config.NewNopLogger())
	require.NoError(c.t, err)

	node, err := NewNode(cfg,
		store.NewLogStore(raftDB), store.NewStateStore(raftDB),
		sm, &nodeTransport{tr: c.tr, self: addrOf(id)}, config.NewNopLogger())
	require.NoError(c.t, err)

	c.tr.register(addrOf(id), node)
	c.nodes[id] = node
	c.sms[id] = sm
	node.Start()
	c.t.Cleanup(node.Stop)
	return node
}

// newTestCluster 建n个节点并在节点1上完成初始化
func newTestCluster(t *testing.T, n int) *testCluster {
	c := &testCluster{t: t, tr: newMemTransport(), nodes: map[uint64]*Node{}, sms: map[uint64]*fsm.FSM{}}
	members := map[uint64]string{}
	for id := uint64(1); id <= uint64(n); id++ {
		c.addNode(id, nil)
		members[id] = addrOf(id)
	}
	require.NoError(t, c.nodes[1].InitCluster(members))
	return c
}

// waitLeader 等待出现唯一Leader
func (c *testCluster) waitLeader(timeout time.Duration) *Node {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range c.nodes {
			if node.IsLeader() {
				return node
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatal("选举超时，没有Leader")
	return nil
}

// putConfig 通过Leader写入一条配置并等待应用
func (c *testCluster) putConfig(leader *Node, ns, id, content string) error {
	cmd := &fsm.Command{
		Type:        fsm.CmdPutConfig,
		NamespaceID: ns,
		ConfigID:    id,
		Content:     content,
		Timestamp:   time.Now(),
	}
	payload, err := cmd.Encode()
	require.NoError(c.t, err)

	index, ch, err := leader.Propose(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return leader.Wait(ctx, index, ch)
}

// waitApplied 等待指定节点应用到至少index
func (c *testCluster) waitApplied(id uint64, index uint64, timeout time.Duration) {
	c.t.Helper()
	require.True(c.t, c.nodes[id].WaitApplied(index, timeout),
		"节点%d应用位点未达到%d（当前%d）", id, index, c.nodes[id].AppliedIndex())
}

func TestCluster_ElectAndReplicate(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader(3 * time.Second)

	// 三节点提交
	require.NoError(t, c.putConfig(leader, "public", "app.yaml", "k: 1"))
	writeIndex := leader.AppliedIndex()

	for id := uint64(1); id <= 3; id++ {
		c.waitApplied(id, writeIndex, 3*time.Second)
		entry, err := c.sms[id].GetConfig("public", "app.yaml")
		require.NoError(t, err, "节点%d", id)
		assert.Equal(t, "k: 1", entry.Content)
		assert.Equal(t, model.ContentMD5("k: 1"), entry.MD5)
	}
}

func TestCluster_NonLeaderRedirect(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader(3 * time.Second)

	for id, node := range c.nodes {
		if node == leader {
			continue
		}
		// Follower拒绝写并给出Leader信息
		_, _, err := node.Propose([]byte("x"))
		var notLeader *ErrNotLeader
		if errors.As(err, &notLeader) {
			assert.Equal(t, leader.ID(), notLeader.LeaderID, "节点%d", id)
		} else {
			assert.ErrorIs(t, err, ErrUnavailable)
		}
	}
}

func TestCluster_DisconnectedNodeCatchesUp(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitLeader(3 * time.Second)
	require.NoError(t, c.putConfig(leader, "public", "app.yaml", "k: 1"))

	// 隔离节点3后继续写
	c.tr.setBlocked(addrOf(3), true)
	require.NoError(t, c.putConfig(leader, "public", "app.yaml", "k: 2"))
	writeIndex := leader.AppliedIndex()

	// 恢复节点3，最终收敛到k: 2
	c.tr.setBlocked(addrOf(3), false)
	c.waitApplied(3, writeIndex, 5*time.Second)

	entry, err := c.sms[3].GetConfig("public", "app.yaml")
	require.NoError(t, err)
	assert.Equal(t, "k: 2", entry.Content)
	assert.Equal(t, model.ContentMD5("k: 2"), entry.MD5)
}

func TestCluster_LeaderFailover(t *testing.T) {
	c := newTestCluster(t, 3)
	oldLeader := c.waitLeader(3 * time.Second)
	require.NoError(t, c.putConfig(oldLeader, "public", "x", "before"))

	// 隔离当前Leader，剩余两节点应在有限时间内选出新Leader
	c.tr.setBlocked(addrOf(oldLeader.ID()), true)

	var newLeader *Node
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, node := range c.nodes {
			if node != oldLeader && node.IsLeader() {
				newLeader = node
			}
		}
		if newLeader != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, newLeader, "未选出新Leader")

	// 新Leader上的写成功
	require.NoError(t, c.putConfig(newLeader, "public", "x", "after"))
	writeIndex := newLeader.AppliedIndex()

	// 旧Leader恢复后退位并追平，无数据丢失
	c.tr.setBlocked(addrOf(oldLeader.ID()), false)
	c.waitApplied(oldLeader.ID(), writeIndex, 5*time.Second)

	entry, err := c.sms[oldLeader.ID()].GetConfig("public", "x")
	require.NoError(t, err)
	assert.Equal(t, "after", entry.Content)
}

func TestCluster_LearnerPromotion(t *testing.T) {
	c := newTestCluster(t, 1)
	leader := c.waitLeader(3 * time.Second)

	// 预写一批日志
	for i := 0; i < 20; i++ {
		require.NoError(t, c.putConfig(leader, "public", "cfg", fmt.Sprintf("v%d", i)))
	}

	// 新节点以空配置加入，先隔离使其无法追赶
	c.addNode(4, nil)
	c.tr.setBlocked(addrOf(4), true)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, leader.AddLearner(ctx, 4, addrOf(4)))

	// 落后的Learner不能晋升
	err := leader.Promote(ctx, 4)
	assert.ErrorIs(t, err, ErrLearnerLagging)

	// 恢复连接等待追平后晋升成功
	c.tr.setBlocked(addrOf(4), false)
	lastIndex := leader.AppliedIndex()
	c.waitApplied(4, lastIndex, 5*time.Second)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	require.NoError(t, leader.Promote(ctx2, 4))

	// 晋升完成后4是投票者，联合期已结束
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m := leader.Membership()
		if !m.InJoint() && m.IsVoter(4) && !m.IsLearner(4) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("晋升后的成员配置未收敛")
}

func TestCluster_PromoteUnknownLearner(t *testing.T) {
	c := newTestCluster(t, 1)
	leader := c.waitLeader(3 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, leader.Promote(ctx, 99), ErrNotLearner)
}

func TestCluster_RemoveNodeGuards(t *testing.T) {
	c := newTestCluster(t, 1)
	leader := c.waitLeader(3 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// 不能移除最后一个投票者
	assert.ErrorIs(t, leader.RemoveNode(ctx, 1), ErrLastVoter)
	// 不在成员中的节点
	assert.ErrorIs(t, leader.RemoveNode(ctx, 9), ErrMemberNotFound)
}

func TestCluster_InitGuards(t *testing.T) {
	c := newTestCluster(t, 1)
	c.waitLeader(3 * time.Second)

	// 已初始化的节点拒绝再次init
	err := c.nodes[1].InitCluster(map[uint64]string{1: addrOf(1)})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestCluster_SnapshotCatchUp(t *testing.T) {
	// 压低快照阈值，便于少量写入即触发快照
	c := &testCluster{t: t, tr: newMemTransport(), nodes: map[uint64]*Node{}, sms: map[uint64]*fsm.FSM{}}
	c.addNode(1, func(cfg *config.Config) { cfg.Raft.SnapshotThreshold = 8 })
	require.NoError(t, c.nodes[1].InitCluster(map[uint64]string{1: addrOf(1)}))
	leader := c.waitLeader(3 * time.Second)

	for i := 0; i < 30; i++ {
		require.NoError(t, c.putConfig(leader, "public", fmt.Sprintf("cfg-%d", i), "v"))
	}

	// 日志前缀已被回收
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if first, _ := leader.logs.FirstIndex(); first > 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	first, err := leader.logs.FirstIndex()
	require.NoError(t, err)
	require.Greater(t, first, uint64(1), "快照未回收日志前缀")

	// 新Learner只能通过快照安装追上
	c.addNode(5, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, leader.AddLearner(ctx, 5, addrOf(5)))

	lastIndex := leader.AppliedIndex()
	c.waitApplied(5, lastIndex, 5*time.Second)

	entry, err := c.sms[5].GetConfig("public", "cfg-0")
	require.NoError(t, err)
	assert.Equal(t, "v", entry.Content)
}

func TestMembership_Quorum(t *testing.T) {
	m := NewMembership()
	m.Voters = map[uint64]string{1: "a", 2: "b", 3: "c"}
	m.Learners = map[uint64]string{4: "d"}

	// Learner不计入多数
	assert.False(t, m.QuorumReached(map[uint64]bool{1: true, 4: true}))
	assert.True(t, m.QuorumReached(map[uint64]bool{1: true, 2: true}))

	// 联合期需要两个集合各自过半
	m.OldVoters = map[uint64]string{1: "a", 2: "b", 5: "e"}
	assert.False(t, m.QuorumReached(map[uint64]bool{1: true, 3: true}))
	assert.True(t, m.QuorumReached(map[uint64]bool{1: true, 2: true, 3: true}))
}
