package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"go.uber.org/zap"

	"github.com/hewenyu/conreg/internal/config"
	"github.com/hewenyu/conreg/pkg/model"
)

// DigestEntry 摘要中一个实例的概要
type DigestEntry struct {
	LastHeartbeat time.Time            `json:"last_heartbeat"`
	Status        model.InstanceStatus `json:"status"`
	MetaMD5       string               `json:"meta_md5"`
}

// Digest 是全量注册表摘要：namespace → service → instance_key → 概要
type Digest map[string]map[string]map[string]DigestEntry

// InstanceRef 指向一个实例
type InstanceRef struct {
	NamespaceID string `json:"namespace_id"`
	ServiceID   string `json:"service_id"`
	InstanceKey string `json:"instance_key"`
}

// DeltaRequest Leader广播增量的请求体
type DeltaRequest struct {
	From   uint64  `json:"from_id"`
	Term   uint64  `json:"term"`
	Deltas []Delta `json:"deltas"`
}

// DigestRequest Leader发送全量摘要的请求体
type DigestRequest struct {
	From   uint64 `json:"from_id"`
	Term   uint64 `json:"term"`
	Digest Digest `json:"digest"`
}

// DigestResponse Follower回应需要补发全量记录的实例
type DigestResponse struct {
	Missing []InstanceRef `json:"missing,omitempty"`
}

// BuildDigest 导出本地注册表的全量摘要
func (e *Engine) BuildDigest() Digest {
	digest := Digest{}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for ns, shard := range e.shards {
		shard.mu.RLock()
		for svc, instances := range shard.services {
			for key, inst := range instances {
				if digest[ns] == nil {
					digest[ns] = map[string]map[string]DigestEntry{}
				}
				if digest[ns][svc] == nil {
					digest[ns][svc] = map[string]DigestEntry{}
				}
				digest[ns][svc][key] = DigestEntry{
					LastHeartbeat: inst.LastHeartbeat,
					Status:        inst.Status,
					MetaMD5:       inst.MetadataMD5(),
				}
			}
		}
		shard.mu.RUnlock()
	}
	return digest
}

// ReconcileDigest Follower用Leader摘要对账本地视图：
// 本地多出的实例删除（错过了注销增量），
// 缺失或分歧的实例汇报给Leader请求全量记录。
func (e *Engine) ReconcileDigest(digest Digest) []InstanceRef {
	var missing []InstanceRef

	// 删除Leader已不存在的本地实例
	e.mu.RLock()
	shards := make(map[string]*namespaceShard, len(e.shards))
	for ns, shard := range e.shards {
		shards[ns] = shard
	}
	e.mu.RUnlock()

	for ns, shard := range shards {
		shard.mu.Lock()
		for svc, instances := range shard.services {
			for key := range instances {
				if _, ok := digest[ns][svc][key]; !ok {
					delete(instances, key)
				}
			}
			if len(instances) == 0 {
				delete(shard.services, svc)
			}
		}
		shard.mu.Unlock()
	}

	// 找出本地缺失或分歧的实例
	for ns, services := range digest {
		shard := e.shard(ns)
		shard.mu.RLock()
		for svc, entries := range services {
			for key, entry := range entries {
				inst, ok := shard.services[svc][key]
				if !ok ||
					inst.Status != entry.Status ||
					inst.MetadataMD5() != entry.MetaMD5 ||
					entry.LastHeartbeat.After(inst.LastHeartbeat) {
					missing = append(missing, InstanceRef{NamespaceID: ns, ServiceID: svc, InstanceKey: key})
				}
			}
		}
		shard.mu.RUnlock()
	}
	return missing
}

// FullRecords Leader为对账请求导出全量记录增量
func (e *Engine) FullRecords(refs []InstanceRef) []Delta {
	var deltas []Delta
	for _, ref := range refs {
		shard := e.shard(ref.NamespaceID)
		shard.mu.RLock()
		inst, ok := shard.services[ref.ServiceID][ref.InstanceKey]
		if ok {
			copied := *inst
			deltas = append(deltas, Delta{
				Op:          DeltaRegister,
				NamespaceID: ref.NamespaceID,
				ServiceID:   ref.ServiceID,
				Instance:    &copied,
			})
		}
		shard.mu.RUnlock()
	}
	return deltas
}

// PeerProvider 返回当前需要同步的对端（节点ID → 地址）
type PeerProvider func() map[uint64]string

// AntiEntropy 把Leader的注册表增量与周期性全量摘要推送给Follower，
// 摘要回填弥补瞬时网络丢失造成的增量缺口。
type AntiEntropy struct {
	nodeID uint64
	cfg    *config.Config
	logger config.Logger
	engine *Engine
	peers  PeerProvider
	leader func() bool
	term   func() uint64
	client *http.Client

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAntiEntropy 创建反熵同步器
func NewAntiEntropy(nodeID uint64, cfg *config.Config, engine *Engine, peers PeerProvider, leader func() bool, term func() uint64, logger config.Logger) *AntiEntropy {
	return &AntiEntropy{
		nodeID: nodeID,
		cfg:    cfg,
		logger: logger,
		engine: engine,
		peers:  peers,
		leader: leader,
		term:   term,
		client: &http.Client{Timeout: 3 * time.Second},
		stopCh: make(chan struct{}),
	}
}

// Start 启动摘要循环
func (a *AntiEntropy) Start() {
	a.wg.Add(1)
	go a.digestLoop()
}

// Stop 停止同步器
func (a *AntiEntropy) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// Broadcast 向所有Follower推送一批增量。实现registry.Replicator。
func (a *AntiEntropy) Broadcast(deltas []Delta) {
	req := &DeltaRequest{From: a.nodeID, Term: a.term(), Deltas: deltas}
	for id, addr := range a.peers() {
		go func(id uint64, addr string) {
			if err := a.post(addr, "/raft/registry-delta", req, nil); err != nil {
				a.logger.Debug("增量广播失败",
					zap.Uint64("peer", id),
					zap.Error(err),
				)
			}
		}(id, addr)
	}
}

// digestLoop Leader每digest_interval_ms发送一轮全量摘要
func (a *AntiEntropy) digestLoop() {
	defer a.wg.Done()
	interval := time.Duration(a.cfg.Registry.DigestIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if !a.leader() {
				continue
			}
			a.syncDigest()
		}
	}
}

// syncDigest 对每个Follower做一轮摘要交换，补发其缺失的全量记录
func (a *AntiEntropy) syncDigest() {
	digest := a.engine.BuildDigest()
	req := &DigestRequest{From: a.nodeID, Term: a.term(), Digest: digest}

	for id, addr := range a.peers() {
		var resp DigestResponse
		retrier := retry.NewRetrier(3, 100*time.Millisecond, 3*time.Second)
		err := retrier.Run(func() error {
			return a.post(addr, "/raft/registry-digest", req, &resp)
		})
		if err != nil {
			a.logger.Debug("摘要同步失败", zap.Uint64("peer", id), zap.Error(err))
			continue
		}
		if len(resp.Missing) == 0 {
			continue
		}
		records := a.engine.FullRecords(resp.Missing)
		if len(records) == 0 {
			continue
		}
		if err := a.post(addr, "/raft/registry-delta", &DeltaRequest{From: a.nodeID, Term: a.term(), Deltas: records}, nil); err != nil {
			a.logger.Debug("补发全量记录失败", zap.Uint64("peer", id), zap.Error(err))
		}
	}
}

func (a *AntiEntropy) post(addr, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return fmt.Errorf("registry: 对端 %s%s 返回 %d: %s", addr, path, httpResp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(httpResp.Body).Decode(out)
}
