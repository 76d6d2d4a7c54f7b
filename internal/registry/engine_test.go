package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hewenyu/conreg/internal/config"
	"github.com/hewenyu/conreg/pkg/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestEngine 用缩短的超时创建引擎，便于测试过期路径
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Registry.UnhealthyTimeoutMs = 60
	cfg.Registry.RemoveTimeoutMs = 120
	cfg.Registry.SweepIntervalMs = 10
	cfg.Registry.DeltaBatchMs = 20
	cfg.Registry.FailoverGraceMs = 50
	return NewEngine(cfg, config.NewNopLogger())
}

func testInstance(ns, svc, addr string, port int) *model.ServiceInstance {
	return &model.ServiceInstance{
		NamespaceID: ns,
		ServiceID:   svc,
		Address:     addr,
		Port:        port,
		Metadata:    map[string]string{"version": "1.0"},
		Weight:      1.0,
		Ephemeral:   true,
	}
}

func TestEngine_RegisterAndQuery(t *testing.T) {
	e := newTestEngine(t)

	stored := e.Register(testInstance("public", "web", "10.0.0.1", 8080))
	assert.Equal(t, model.InstanceHealthy, stored.Status)
	assert.Equal(t, float32(1.0), stored.Weight)
	assert.False(t, stored.LastHeartbeat.IsZero())

	instances := e.Query("public", "web", false)
	require.Len(t, instances, 1)
	assert.Equal(t, "10.0.0.1:8080", instances[0].InstanceKey())

	// 不同实例键不互相覆盖
	e.Register(testInstance("public", "web", "10.0.0.2", 8080))
	assert.Len(t, e.Query("public", "web", false), 2)
	assert.Equal(t, 2, e.CountInstances("public"))

	// 重复注册同一实例键为覆盖
	e.Register(testInstance("public", "web", "10.0.0.1", 8080))
	assert.Len(t, e.Query("public", "web", false), 2)
}

func TestEngine_DeregisterInstanceAndService(t *testing.T) {
	e := newTestEngine(t)
	e.Register(testInstance("public", "web", "10.0.0.1", 8080))
	e.Register(testInstance("public", "web", "10.0.0.2", 8080))

	// 注销单个实例
	assert.True(t, e.Deregister("public", "web", "10.0.0.1", 8080))
	assert.Len(t, e.Query("public", "web", false), 1)

	// 注销不存在的实例
	assert.False(t, e.Deregister("public", "web", "10.0.0.9", 8080))

	// 注销整个服务
	assert.True(t, e.Deregister("public", "web", "", 0))
	assert.Empty(t, e.Query("public", "web", false))
	assert.Empty(t, e.ListServices("public"))
}

func TestEngine_HeartbeatUnknownInstance(t *testing.T) {
	e := newTestEngine(t)
	// 未注册的实例心跳失败，客户端应重新注册
	assert.False(t, e.Heartbeat("public", "web", "10.0.0.1", 8080))
}

func TestEngine_ExpiryTransitions(t *testing.T) {
	e := newTestEngine(t)
	e.Register(testInstance("public", "web", "10.0.0.1", 8080))

	sub := e.Subscribe("public", "web")
	defer sub.Cancel()

	// 不再心跳：unhealthy阈值后状态转为UNHEALTHY
	deadline := time.Now().Add(2 * time.Second)
	e.sweepUntil(t, deadline, model.InstanceUnhealthy)

	// 订阅收到一次状态变化
	select {
	case snapshot := <-sub.Events:
		require.Len(t, snapshot, 1)
		assert.Equal(t, model.InstanceUnhealthy, snapshot[0].Status)
	case <-time.After(time.Second):
		t.Fatal("未收到UNHEALTHY通知")
	}

	// remove阈值后实例转REMOVED并最终被摘除
	e.sweepUntil(t, deadline, model.InstanceRemoved)
	select {
	case <-sub.Events:
	case <-time.After(time.Second):
		t.Fatal("未收到REMOVED通知")
	}
}

// sweepUntil 周期性执行清扫直到实例达到期望状态或消失
func (e *Engine) sweepUntil(t *testing.T, deadline time.Time, want model.InstanceStatus) {
	t.Helper()
	for time.Now().Before(deadline) {
		e.sweep(time.Now())
		instances := e.Query("public", "web", false)
		if want == model.InstanceRemoved && len(instances) == 0 {
			return
		}
		if len(instances) == 1 && instances[0].Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("实例未达到状态 %s", want)
}

func TestEngine_HeartbeatRecovers(t *testing.T) {
	e := newTestEngine(t)
	e.Register(testInstance("public", "web", "10.0.0.1", 8080))

	// 推进到UNHEALTHY
	e.sweepUntil(t, time.Now().Add(2*time.Second), model.InstanceUnhealthy)

	// 心跳恢复为HEALTHY
	assert.True(t, e.Heartbeat("public", "web", "10.0.0.1", 8080))
	instances := e.Query("public", "web", true)
	require.Len(t, instances, 1)
	assert.Equal(t, model.InstanceHealthy, instances[0].Status)
}

func TestEngine_FailoverGrace(t *testing.T) {
	e := newTestEngine(t)
	e.Register(testInstance("public", "web", "10.0.0.1", 8080))

	// 手动把心跳拨回很久以前，然后触发leader切换
	shard := e.shard("public")
	shard.mu.Lock()
	shard.services["web"]["10.0.0.1:8080"].LastHeartbeat = time.Now().Add(-time.Hour)
	shard.mu.Unlock()

	e.OnLeadershipChange(true)

	// 宽限期内不过期
	e.sweep(time.Now())
	instances := e.Query("public", "web", false)
	require.Len(t, instances, 1)
	assert.Equal(t, model.InstanceHealthy, instances[0].Status)
	// 心跳时间已被重置
	assert.WithinDuration(t, time.Now(), instances[0].LastHeartbeat, time.Second)
}

func TestEngine_ApplyDelta(t *testing.T) {
	leader := newTestEngine(t)
	follower := newTestEngine(t)

	inst := leader.Register(testInstance("public", "web", "10.0.0.1", 8080))

	// Follower接受注册增量
	follower.ApplyDelta(&Delta{
		Op:          DeltaRegister,
		NamespaceID: "public",
		ServiceID:   "web",
		Instance:    inst,
	})
	require.Len(t, follower.Query("public", "web", false), 1)

	// 状态增量
	follower.ApplyDelta(&Delta{
		Op:          DeltaStatus,
		NamespaceID: "public",
		ServiceID:   "web",
		InstanceKey: "10.0.0.1:8080",
		Status:      model.InstanceUnhealthy,
	})
	assert.Equal(t, model.InstanceUnhealthy, follower.Query("public", "web", false)[0].Status)

	// 注销增量
	follower.ApplyDelta(&Delta{
		Op:          DeltaDeregister,
		NamespaceID: "public",
		ServiceID:   "web",
		InstanceKey: "10.0.0.1:8080",
	})
	assert.Empty(t, follower.Query("public", "web", false))
}

func TestEngine_DigestReconcile(t *testing.T) {
	leader := newTestEngine(t)
	follower := newTestEngine(t)

	a := leader.Register(testInstance("public", "web", "10.0.0.1", 8080))
	leader.Register(testInstance("public", "web", "10.0.0.2", 8080))

	// Follower只有其中一个实例，且还留着一个Leader已删除的实例
	follower.ApplyDelta(&Delta{Op: DeltaRegister, NamespaceID: "public", ServiceID: "web", Instance: a})
	follower.ApplyDelta(&Delta{
		Op: DeltaRegister, NamespaceID: "public", ServiceID: "web",
		Instance: testInstanceWithHeartbeat("public", "web", "10.0.0.9", 8080),
	})

	digest := leader.BuildDigest()
	missing := follower.ReconcileDigest(digest)

	// 多出的实例被删除
	keys := map[string]bool{}
	for _, inst := range follower.Query("public", "web", false) {
		keys[inst.InstanceKey()] = true
	}
	assert.False(t, keys["10.0.0.9:8080"])

	// 缺失的实例被汇报
	require.Len(t, missing, 1)
	assert.Equal(t, "10.0.0.2:8080", missing[0].InstanceKey)

	// Leader按汇报补发全量记录
	records := leader.FullRecords(missing)
	require.Len(t, records, 1)
	follower.ApplyDelta(&records[0])
	assert.Len(t, follower.Query("public", "web", false), 2)
}

func testInstanceWithHeartbeat(ns, svc, addr string, port int) *model.ServiceInstance {
	inst := testInstance(ns, svc, addr, port)
	inst.Status = model.InstanceHealthy
	inst.LastHeartbeat = time.Now()
	inst.RegisteredAt = time.Now()
	return inst
}

func TestSplitInstanceKey(t *testing.T) {
	addr, port := splitInstanceKey("10.0.0.1:8080")
	assert.Equal(t, "10.0.0.1", addr)
	assert.Equal(t, 8080, port)

	addr, port = splitInstanceKey("noport")
	assert.Equal(t, "noport", addr)
	assert.Equal(t, 0, port)
}
