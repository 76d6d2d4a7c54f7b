// Package registry 实现可用性优先的服务注册引擎：
// 内存中的租约存活跟踪、实例元数据、订阅通知，
// 以及Leader到Follower的增量广播与反熵摘要同步。
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/conreg/internal/config"
	"github.com/hewenyu/conreg/pkg/model"
)

// DeltaOp 增量操作类型
type DeltaOp string

const (
	// DeltaRegister 注册或覆盖实例
	DeltaRegister DeltaOp = "register"
	// DeltaDeregister 注销实例
	DeltaDeregister DeltaOp = "deregister"
	// DeltaStatus 状态变化（含心跳恢复）
	DeltaStatus DeltaOp = "status"
	// DeltaHeartbeat 批量心跳刷新
	DeltaHeartbeat DeltaOp = "heartbeat"
)

// Delta 是Leader广播给Follower的一条注册表增量
type Delta struct {
	Op          DeltaOp                `json:"op"`
	NamespaceID string                 `json:"namespace_id"`
	ServiceID   string                 `json:"service_id"`
	InstanceKey string                 `json:"instance_key,omitempty"`
	Instance    *model.ServiceInstance `json:"instance,omitempty"`
	Status      model.InstanceStatus   `json:"status,omitempty"`
	HeartbeatAt time.Time              `json:"heartbeat_at,omitempty"`
}

// Replicator 把增量与摘要送达所有Follower。由反熵层实现。
type Replicator interface {
	Broadcast(deltas []Delta)
}

// noopReplicator Follower侧使用，不广播
type noopReplicator struct{}

func (noopReplicator) Broadcast([]Delta) {}

// namespaceShard 单个命名空间的实例表。
// 按命名空间分锁，清扫、心跳与查询互不挤占热点。
type namespaceShard struct {
	mu       sync.RWMutex
	services map[string]map[string]*model.ServiceInstance
}

// Engine 是节点本地的注册表。Leader为权威副本，
// Follower通过增量与反熵摘要收敛到Leader视图。
type Engine struct {
	cfg    *config.Config
	logger config.Logger

	mu     sync.RWMutex
	shards map[string]*namespaceShard

	expiry *expiryHeap
	hub    *subscriptionHub

	replicator Replicator
	isLeader   func() bool

	// Leader切换后的宽限期内不做超时摘除
	graceMu    sync.Mutex
	graceUntil time.Time

	// 批量心跳增量缓冲
	beatMu  sync.Mutex
	pending []Delta

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine 创建注册引擎
func NewEngine(cfg *config.Config, logger config.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		shards:     map[string]*namespaceShard{},
		expiry:     newExpiryHeap(),
		hub:        newSubscriptionHub(),
		replicator: noopReplicator{},
		isLeader:   func() bool { return false },
		stopCh:     make(chan struct{}),
	}
}

// SetReplicator 注册增量广播器（Leader侧的反熵层）
func (e *Engine) SetReplicator(r Replicator) {
	if r != nil {
		e.replicator = r
	}
}

// SetLeaderCheck 注册Leader判定回调
func (e *Engine) SetLeaderCheck(f func() bool) {
	if f != nil {
		e.isLeader = f
	}
}

// Start 启动清扫与心跳批量广播循环
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.sweepLoop()
	go e.flushLoop()
}

// Stop 停止引擎
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// OnLeadershipChange 领导权变化时调用。
// 新Leader把全部心跳时间重置为当前时刻并进入宽限期，
// 避免failover后瞬间大面积过期。
func (e *Engine) OnLeadershipChange(isLeader bool) {
	if !isLeader {
		return
	}
	grace := time.Duration(e.cfg.Registry.FailoverGraceMs) * time.Millisecond
	now := time.Now()

	e.graceMu.Lock()
	e.graceUntil = now.Add(grace)
	e.graceMu.Unlock()

	e.mu.RLock()
	defer e.mu.RUnlock()
	for ns, shard := range e.shards {
		shard.mu.Lock()
		for svc, instances := range shard.services {
			for key, inst := range instances {
				inst.LastHeartbeat = now
				e.expiry.Push(ns, svc, key, now)
			}
		}
		shard.mu.Unlock()
	}
	e.logger.Info("进入failover宽限期", zap.Duration("grace", grace))
}

// shard 取出（或创建）命名空间分片
func (e *Engine) shard(namespaceID string) *namespaceShard {
	e.mu.RLock()
	s, ok := e.shards[namespaceID]
	e.mu.RUnlock()
	if ok {
		return s
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.shards[namespaceID]; ok {
		return s
	}
	s = &namespaceShard{services: map[string]map[string]*model.ServiceInstance{}}
	e.shards[namespaceID] = s
	return s
}

// Register 注册或覆盖一个实例。Leader权威处理并广播增量。
func (e *Engine) Register(inst *model.ServiceInstance) *model.ServiceInstance {
	now := time.Now()
	inst.Status = model.InstanceHealthy
	inst.RegisteredAt = now
	inst.LastHeartbeat = now

	stored := e.applyRegister(inst)
	if e.isLeader() {
		e.replicator.Broadcast([]Delta{{
			Op:          DeltaRegister,
			NamespaceID: inst.NamespaceID,
			ServiceID:   inst.ServiceID,
			Instance:    stored,
		}})
	}
	return stored
}

// applyRegister 落入本地表（Leader本地写与Follower收增量共用）
func (e *Engine) applyRegister(inst *model.ServiceInstance) *model.ServiceInstance {
	shard := e.shard(inst.NamespaceID)
	key := inst.InstanceKey()

	shard.mu.Lock()
	instances, ok := shard.services[inst.ServiceID]
	if !ok {
		instances = map[string]*model.ServiceInstance{}
		shard.services[inst.ServiceID] = instances
	}
	copied := *inst
	instances[key] = &copied
	shard.mu.Unlock()

	e.expiry.Push(inst.NamespaceID, inst.ServiceID, key, copied.LastHeartbeat)
	e.hub.Notify(inst.NamespaceID, inst.ServiceID, e.Query(inst.NamespaceID, inst.ServiceID, false))
	return &copied
}

// Deregister 注销一个实例。port为0时注销整个服务。
func (e *Engine) Deregister(namespaceID, serviceID, address string, port int) bool {
	removed := e.applyDeregister(namespaceID, serviceID, address, port)
	if removed && e.isLeader() {
		e.replicator.Broadcast([]Delta{{
			Op:          DeltaDeregister,
			NamespaceID: namespaceID,
			ServiceID:   serviceID,
			InstanceKey: model.InstanceKey(address, port),
		}})
	}
	return removed
}

func (e *Engine) applyDeregister(namespaceID, serviceID, address string, port int) bool {
	shard := e.shard(namespaceID)

	shard.mu.Lock()
	instances, ok := shard.services[serviceID]
	if !ok {
		shard.mu.Unlock()
		return false
	}
	var removed bool
	if address == "" && port == 0 {
		removed = len(instances) > 0
		delete(shard.services, serviceID)
	} else {
		key := model.InstanceKey(address, port)
		if _, ok := instances[key]; ok {
			delete(instances, key)
			removed = true
		}
		if len(instances) == 0 {
			delete(shard.services, serviceID)
		}
	}
	shard.mu.Unlock()

	if removed {
		e.hub.Notify(namespaceID, serviceID, e.Query(namespaceID, serviceID, false))
	}
	return removed
}

// Heartbeat 刷新实例心跳。实例不存在时返回false，提示客户端重新注册。
// 状态从不健康恢复为健康时立即广播；普通刷新进入批量缓冲。
func (e *Engine) Heartbeat(namespaceID, serviceID, address string, port int) bool {
	shard := e.shard(namespaceID)
	key := model.InstanceKey(address, port)
	now := time.Now()

	shard.mu.Lock()
	instances, ok := shard.services[serviceID]
	if !ok {
		shard.mu.Unlock()
		return false
	}
	inst, ok := instances[key]
	if !ok {
		shard.mu.Unlock()
		return false
	}
	recovered := inst.Status != model.InstanceHealthy
	inst.Status = model.InstanceHealthy
	inst.LastHeartbeat = now
	shard.mu.Unlock()

	e.expiry.Push(namespaceID, serviceID, key, now)

	if recovered {
		e.hub.Notify(namespaceID, serviceID, e.Query(namespaceID, serviceID, false))
	}

	if !e.isLeader() {
		return true
	}
	if recovered {
		e.replicator.Broadcast([]Delta{{
			Op:          DeltaStatus,
			NamespaceID: namespaceID,
			ServiceID:   serviceID,
			InstanceKey: key,
			Status:      model.InstanceHealthy,
			HeartbeatAt: now,
		}})
	} else {
		e.beatMu.Lock()
		e.pending = append(e.pending, Delta{
			Op:          DeltaHeartbeat,
			NamespaceID: namespaceID,
			ServiceID:   serviceID,
			InstanceKey: key,
			HeartbeatAt: now,
		})
		e.beatMu.Unlock()
	}
	return true
}

// Query 返回服务实例快照，filterHealthy为真时只返回健康实例。
// 读取本节点视图，不经过Leader。
func (e *Engine) Query(namespaceID, serviceID string, filterHealthy bool) []*model.ServiceInstance {
	shard := e.shard(namespaceID)

	shard.mu.RLock()
	instances := shard.services[serviceID]
	out := make([]*model.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if filterHealthy && inst.Status != model.InstanceHealthy {
			continue
		}
		copied := *inst
		out = append(out, &copied)
	}
	shard.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].InstanceKey() < out[j].InstanceKey() })
	return out
}

// ListServices 列出命名空间下的服务ID
func (e *Engine) ListServices(namespaceID string) []string {
	shard := e.shard(namespaceID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	out := make([]string, 0, len(shard.services))
	for id := range shard.services {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CountInstances 统计命名空间下的实例数，供删除命名空间时做引用检查
func (e *Engine) CountInstances(namespaceID string) int {
	e.mu.RLock()
	shard, ok := e.shards[namespaceID]
	e.mu.RUnlock()
	if !ok {
		return 0
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	count := 0
	for _, instances := range shard.services {
		count += len(instances)
	}
	return count
}

// ApplyDelta Follower接受Leader广播的增量
func (e *Engine) ApplyDelta(d *Delta) {
	switch d.Op {
	case DeltaRegister:
		if d.Instance != nil {
			e.applyRegister(d.Instance)
		}
	case DeltaDeregister:
		address, port := splitInstanceKey(d.InstanceKey)
		e.applyDeregister(d.NamespaceID, d.ServiceID, address, port)
	case DeltaStatus:
		e.applyStatus(d.NamespaceID, d.ServiceID, d.InstanceKey, d.Status, d.HeartbeatAt)
	case DeltaHeartbeat:
		e.applyStatus(d.NamespaceID, d.ServiceID, d.InstanceKey, "", d.HeartbeatAt)
	}
}

func (e *Engine) applyStatus(namespaceID, serviceID, key string, status model.InstanceStatus, at time.Time) {
	shard := e.shard(namespaceID)

	shard.mu.Lock()
	inst, ok := shard.services[serviceID][key]
	if !ok {
		shard.mu.Unlock()
		return
	}
	changed := status != "" && inst.Status != status
	if status != "" {
		inst.Status = status
	}
	if !at.IsZero() && at.After(inst.LastHeartbeat) {
		inst.LastHeartbeat = at
	}
	shard.mu.Unlock()

	if !at.IsZero() {
		e.expiry.Push(namespaceID, serviceID, key, at)
	}
	if changed {
		e.hub.Notify(namespaceID, serviceID, e.Query(namespaceID, serviceID, false))
	}
}

// flushLoop 以不超过delta_batch_ms的节奏冲刷批量心跳增量
func (e *Engine) flushLoop() {
	defer e.wg.Done()
	interval := time.Duration(e.cfg.Registry.DeltaBatchMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.beatMu.Lock()
			batch := e.pending
			e.pending = nil
			e.beatMu.Unlock()
			if len(batch) > 0 && e.isLeader() {
				e.replicator.Broadcast(batch)
			}
		}
	}
}

// inGrace 当前是否处于failover宽限期
func (e *Engine) inGrace() bool {
	e.graceMu.Lock()
	defer e.graceMu.Unlock()
	return time.Now().Before(e.graceUntil)
}

// splitInstanceKey 解析"addr:port"实例键
func splitInstanceKey(key string) (string, int) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			port := 0
			for _, c := range key[i+1:] {
				if c < '0' || c > '9' {
					return key, 0
				}
				port = port*10 + int(c-'0')
			}
			return key[:i], port
		}
	}
	return key, 0
}
