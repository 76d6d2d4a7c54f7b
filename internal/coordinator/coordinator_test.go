package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/conreg/internal/config"
	"github.com/hewenyu/conreg/internal/fsm"
	"github.com/hewenyu/conreg/internal/raft"
	"github.com/hewenyu/conreg/internal/registry"
	"github.com/hewenyu/conreg/internal/store"
	"github.com/hewenyu/conreg/pkg/model"
)

// newTestStack 启动一个单投票者节点的完整栈
func newTestStack(t *testing.T) *Coordinator {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Node.ID = 1
	cfg.Raft.ElectionTimeoutMinMs = 50
	cfg.Raft.ElectionTimeoutMaxMs = 150
	cfg.Raft.HeartbeatIntervalMs = 15
	cfg.Watch.MaxPerClient = 2

	dir := t.TempDir()
	raftDB, err := store.OpenRaftDB(filepath.Join(dir, "raft.db"))
	require.NoError(t, err)
	confDB, err := store.OpenConfDB(filepath.Join(dir, "conf.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = raftDB.Close()
		_ = confDB.Close()
	})

	logger := config.NewNopLogger()
	sm, err := fsm.New(store.NewAppliedStore(confDB), 128, logger)
	require.NoError(t, err)

	node, err := raft.NewNode(cfg,
		store.NewLogStore(raftDB), store.NewStateStore(raftDB),
		sm, raft.NewHTTPTransport(time.Second), logger)
	require.NoError(t, err)

	engine := registry.NewEngine(cfg, logger)
	engine.SetLeaderCheck(node.IsLeader)

	watches := NewWatchHub(cfg, logger)
	sm.SetChangeNotifier(watches.NotifyChange)
	sm.SetServiceCounter(engine.CountInstances)

	node.Start()
	t.Cleanup(node.Stop)
	require.NoError(t, node.InitCluster(map[uint64]string{1: "127.0.0.1:0"}))

	// 等待自选为Leader
	deadline := time.Now().Add(3 * time.Second)
	for !node.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("单节点未能当选Leader")
		}
		time.Sleep(10 * time.Millisecond)
	}

	return New(cfg, node, sm, engine, watches, logger)
}

func TestCoordinator_ConfigRoundTrip(t *testing.T) {
	c := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, c.PutConfig(ctx, &model.ConfigUpsertRequest{
		NamespaceID: "public", ConfigID: "app.yaml", Content: "k: 1",
	}, false))

	entry, err := c.GetConfig(ctx, "public", "app.yaml", false)
	require.NoError(t, err)
	assert.Equal(t, "k: 1", entry.Content)
	assert.Equal(t, model.ContentMD5("k: 1"), entry.MD5)

	// 线性一致读在Leader上同样可用
	entry, err = c.GetConfig(ctx, "public", "app.yaml", true)
	require.NoError(t, err)
	assert.Equal(t, "k: 1", entry.Content)

	// 历史与恢复
	require.NoError(t, c.PutConfig(ctx, &model.ConfigUpsertRequest{
		NamespaceID: "public", ConfigID: "app.yaml", Content: "k: 2",
	}, false))
	page, err := c.ListHistory("public", "app.yaml", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	history := page.List.([]*model.ConfigHistoryEntry)
	require.NoError(t, c.RestoreConfig(ctx, &model.ConfigRestoreRequest{
		NamespaceID: "public", ConfigID: "app.yaml", HistorySeq: history[0].HistorySeq,
	}, false))

	entry, err = c.GetConfig(ctx, "public", "app.yaml", false)
	require.NoError(t, err)
	assert.Equal(t, "k: 1", entry.Content)
}

func TestCoordinator_Validation(t *testing.T) {
	c := newTestStack(t)
	ctx := context.Background()

	// 空键
	err := c.PutConfig(ctx, &model.ConfigUpsertRequest{NamespaceID: "", ConfigID: "x"}, false)
	assert.ErrorIs(t, err, ErrInvalidArg)

	// 超长config_id
	long := make([]byte, model.MaxConfigIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	err = c.PutConfig(ctx, &model.ConfigUpsertRequest{NamespaceID: "public", ConfigID: string(long)}, false)
	assert.ErrorIs(t, err, ErrInvalidArg)

	// 不存在的命名空间
	err = c.PutConfig(ctx, &model.ConfigUpsertRequest{NamespaceID: "ghost", ConfigID: "x"}, false)
	assert.ErrorIs(t, err, fsm.ErrNamespaceNotFound)
}

func TestCoordinator_WatchImmediateOnDiff(t *testing.T) {
	c := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, c.PutConfig(ctx, &model.ConfigUpsertRequest{
		NamespaceID: "public", ConfigID: "x", Content: "B",
	}, false))

	// 客户端md5与服务端不同：立即返回
	start := time.Now()
	entry, changed, err := c.WatchConfig(ctx, "1.2.3.4", "public", "x", "stale-md5", time.Second)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "B", entry.Content)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCoordinator_WatchWakesOnChange(t *testing.T) {
	c := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, c.PutConfig(ctx, &model.ConfigUpsertRequest{
		NamespaceID: "public", ConfigID: "x", Content: "B",
	}, false))
	currentMD5 := model.ContentMD5("B")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// md5一致：挂起直到变更
		entry, changed, err := c.WatchConfig(ctx, "1.2.3.4", "public", "x", currentMD5, 10*time.Second)
		assert.NoError(t, err)
		assert.True(t, changed)
		if assert.NotNil(t, entry) {
			assert.Equal(t, "D", entry.Content)
		}
	}()

	// 等长轮询挂起后再写入
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.PutConfig(ctx, &model.ConfigUpsertRequest{
		NamespaceID: "public", ConfigID: "x", Content: "D",
	}, false))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("长轮询未在变更后唤醒")
	}
}

func TestCoordinator_WatchTimeoutIsNotError(t *testing.T) {
	c := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, c.PutConfig(ctx, &model.ConfigUpsertRequest{
		NamespaceID: "public", ConfigID: "x", Content: "B",
	}, false))

	// 超时无变化：changed=false且无错误
	_, changed, err := c.WatchConfig(ctx, "1.2.3.4", "public", "x", model.ContentMD5("B"), 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCoordinator_WatchBackpressure(t *testing.T) {
	c := newTestStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.PutConfig(context.Background(), &model.ConfigUpsertRequest{
		NamespaceID: "public", ConfigID: "x", Content: "B",
	}, false))
	md5 := model.ContentMD5("B")

	// 占满单客户端的长轮询额度（测试配置为2）
	for i := 0; i < 2; i++ {
		go func() {
			_, _, _ = c.WatchConfig(ctx, "9.9.9.9", "public", "x", md5, 5*time.Second)
		}()
	}
	time.Sleep(100 * time.Millisecond)

	_, _, err := c.WatchConfig(ctx, "9.9.9.9", "public", "x", md5, time.Second)
	assert.ErrorIs(t, err, ErrTooManyWatches)

	// 其他客户端不受影响
	_, changed, err := c.WatchConfig(ctx, "8.8.8.8", "public", "x", "other", time.Second)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestCoordinator_ServiceLifecycle(t *testing.T) {
	c := newTestStack(t)
	ctx := context.Background()

	inst, err := c.RegisterInstance(ctx, &model.ServiceRegisterRequest{
		NamespaceID: "public", ServiceID: "web", Address: "10.0.0.1", Port: 8080,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceHealthy, inst.Status)

	// 心跳正常
	require.NoError(t, c.Heartbeat(ctx, &model.ServiceInstanceRequest{
		NamespaceID: "public", ServiceID: "web", Address: "10.0.0.1", Port: 8080,
	}, false))

	// 未注册实例的心跳要求重新注册
	err = c.Heartbeat(ctx, &model.ServiceInstanceRequest{
		NamespaceID: "public", ServiceID: "web", Address: "10.0.0.9", Port: 8080,
	}, false)
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	instances := c.QueryInstances("public", "web", true)
	require.Len(t, instances, 1)

	require.NoError(t, c.DeregisterInstance(ctx, &model.ServiceInstanceRequest{
		NamespaceID: "public", ServiceID: "web", Address: "10.0.0.1", Port: 8080,
	}, false))
	assert.Empty(t, c.QueryInstances("public", "web", false))
}

func TestCoordinator_SubscribeInstances(t *testing.T) {
	c := newTestStack(t)
	ctx := context.Background()

	_, err := c.RegisterInstance(ctx, &model.ServiceRegisterRequest{
		NamespaceID: "public", ServiceID: "web", Address: "10.0.0.1", Port: 8080,
	}, false)
	require.NoError(t, err)

	// 签名不一致立即返回
	instances, changed, err := c.SubscribeInstances(ctx, "public", "web", "stale", time.Second)
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, instances, 1)

	signature := InstanceListSignature(instances)

	// 签名一致时挂起，注册新实例后唤醒
	done := make(chan struct{})
	go func() {
		defer close(done)
		got, changed, err := c.SubscribeInstances(ctx, "public", "web", signature, 10*time.Second)
		assert.NoError(t, err)
		assert.True(t, changed)
		assert.Len(t, got, 2)
	}()

	time.Sleep(100 * time.Millisecond)
	_, err = c.RegisterInstance(ctx, &model.ServiceRegisterRequest{
		NamespaceID: "public", ServiceID: "web", Address: "10.0.0.2", Port: 8080,
	}, false)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("服务订阅未在变更后唤醒")
	}
}

func TestCoordinator_NamespaceLifecycle(t *testing.T) {
	c := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, c.CreateNamespace(ctx, &model.NamespaceCreateRequest{ID: "dev", Name: "dev"}, false))

	// 重复创建冲突
	err := c.CreateNamespace(ctx, &model.NamespaceCreateRequest{ID: "dev"}, false)
	assert.ErrorIs(t, err, fsm.ErrNamespaceExists)

	// 有服务引用时删除被拒
	_, err = c.RegisterInstance(ctx, &model.ServiceRegisterRequest{
		NamespaceID: "dev", ServiceID: "web", Address: "10.0.0.1", Port: 8080,
	}, false)
	require.NoError(t, err)
	err = c.DeleteNamespace(ctx, "dev", false)
	assert.ErrorIs(t, err, fsm.ErrNamespaceNotEmpty)

	// 解除引用后删除成功
	require.NoError(t, c.DeregisterInstance(ctx, &model.ServiceInstanceRequest{
		NamespaceID: "dev", ServiceID: "web", Address: "10.0.0.1", Port: 8080,
	}, false))
	require.NoError(t, c.DeleteNamespace(ctx, "dev", false))

	list, err := c.ListNamespaces()
	require.NoError(t, err)
	for _, ns := range list {
		assert.NotEqual(t, "dev", ns.ID)
	}
}

func TestCoordinator_ListConfigsPaging(t *testing.T) {
	c := newTestStack(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.PutConfig(ctx, &model.ConfigUpsertRequest{
			NamespaceID: "public", ConfigID: fmt.Sprintf("cfg-%d", i), Content: "v",
		}, false))
	}

	page, err := c.ListConfigs("public", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.List.([]*model.ConfigEntry), 3)

	page, err = c.ListConfigs("public", 2, 3)
	require.NoError(t, err)
	assert.Len(t, page.List.([]*model.ConfigEntry), 2)
}
