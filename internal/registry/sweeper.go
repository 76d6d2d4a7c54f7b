package registry

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/conreg/pkg/model"
)

// expiryItem 过期堆中的一项。心跳刷新不修改已入堆的项，
// 而是追加新项，弹出时与实例真实心跳时间比对后丢弃陈旧项。
type expiryItem struct {
	at          time.Time
	namespaceID string
	serviceID   string
	instanceKey string
}

type itemHeap []*expiryItem

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*expiryItem)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// expiryHeap 按last_heartbeat排序的最小堆，供清扫线程高效扫描
type expiryHeap struct {
	mu    sync.Mutex
	items itemHeap
}

func newExpiryHeap() *expiryHeap {
	h := &expiryHeap{}
	heap.Init(&h.items)
	return h
}

// Push 记录一次心跳时间
func (h *expiryHeap) Push(namespaceID, serviceID, instanceKey string, at time.Time) {
	h.mu.Lock()
	heap.Push(&h.items, &expiryItem{at: at, namespaceID: namespaceID, serviceID: serviceID, instanceKey: instanceKey})
	h.mu.Unlock()
}

// PopExpired 弹出心跳时间早于before的所有项
func (h *expiryHeap) PopExpired(before time.Time) []*expiryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*expiryItem
	for len(h.items) > 0 && h.items[0].at.Before(before) {
		out = append(out, heap.Pop(&h.items).(*expiryItem))
	}
	return out
}

// sweepLoop 单清扫线程：轮询过期堆，推动 HEALTHY→UNHEALTHY→REMOVED 状态迁移。
// 锁只在短扫描内持有。
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	interval := time.Duration(e.cfg.Registry.SweepIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweep(time.Now())
		}
	}
}

// sweep 处理一轮过期检查
func (e *Engine) sweep(now time.Time) {
	if e.inGrace() {
		return
	}

	unhealthyAfter := time.Duration(e.cfg.Registry.UnhealthyTimeoutMs) * time.Millisecond
	removeAfter := time.Duration(e.cfg.Registry.RemoveTimeoutMs) * time.Millisecond

	// 堆里早于unhealthy阈值的项才可能需要状态迁移
	items := e.expiry.PopExpired(now.Add(-unhealthyAfter))

	var deltas []Delta
	for _, item := range items {
		shard := e.shard(item.namespaceID)

		shard.mu.Lock()
		inst, ok := shard.services[item.serviceID][item.instanceKey]
		if !ok {
			shard.mu.Unlock()
			continue
		}
		// 心跳在入堆之后又刷新过：项已陈旧，重新入堆等下一轮
		if inst.LastHeartbeat.After(item.at) {
			shard.mu.Unlock()
			e.expiry.Push(item.namespaceID, item.serviceID, item.instanceKey, inst.LastHeartbeat)
			continue
		}

		idle := now.Sub(inst.LastHeartbeat)
		var next model.InstanceStatus
		switch {
		case idle >= removeAfter:
			next = model.InstanceRemoved
		case idle >= unhealthyAfter:
			next = model.InstanceUnhealthy
		default:
			shard.mu.Unlock()
			e.expiry.Push(item.namespaceID, item.serviceID, item.instanceKey, inst.LastHeartbeat)
			continue
		}

		if next == inst.Status {
			// 已处于目标状态；REMOVED的临时实例从表中摘除，
			// 非临时实例留在表中等心跳恢复
			if next == model.InstanceRemoved && inst.Ephemeral {
				delete(shard.services[item.serviceID], item.instanceKey)
				if len(shard.services[item.serviceID]) == 0 {
					delete(shard.services, item.serviceID)
				}
			} else if next == model.InstanceUnhealthy {
				e.expiry.Push(item.namespaceID, item.serviceID, item.instanceKey, inst.LastHeartbeat)
			}
			shard.mu.Unlock()
			continue
		}

		inst.Status = next
		ephemeral := inst.Ephemeral
		shard.mu.Unlock()

		// UNHEALTHY要继续观察直到REMOVED；临时REMOVED实例下一轮摘除
		if next == model.InstanceUnhealthy || (next == model.InstanceRemoved && ephemeral) {
			e.expiry.Push(item.namespaceID, item.serviceID, item.instanceKey, inst.LastHeartbeat)
		}

		e.logger.Debug("实例状态迁移",
			zap.String("namespace", item.namespaceID),
			zap.String("service", item.serviceID),
			zap.String("instance", item.instanceKey),
			zap.String("status", string(next)),
		)

		e.hub.Notify(item.namespaceID, item.serviceID, e.Query(item.namespaceID, item.serviceID, false))

		if e.isLeader() {
			deltas = append(deltas, Delta{
				Op:          DeltaStatus,
				NamespaceID: item.namespaceID,
				ServiceID:   item.serviceID,
				InstanceKey: item.instanceKey,
				Status:      next,
			})
		}
	}

	if len(deltas) > 0 {
		e.replicator.Broadcast(deltas)
	}
}
