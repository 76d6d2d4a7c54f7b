// Package coordinator 是C2–C4之上的请求调度层：
// 区分读写请求、写请求的Leader重定向与转发、配置长轮询的挂起与唤醒。
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/conreg/internal/config"
	"github.com/hewenyu/conreg/internal/fsm"
	"github.com/hewenyu/conreg/internal/raft"
	"github.com/hewenyu/conreg/internal/registry"
	"github.com/hewenyu/conreg/pkg/model"
	"github.com/hewenyu/conreg/pkg/protocol"
)

var (
	// ErrInvalidArg 请求参数无效
	ErrInvalidArg = errors.New("coordinator: invalid argument")
	// ErrInstanceNotFound 服务实例不存在，客户端应重新注册
	ErrInstanceNotFound = errors.New("coordinator: service instance not found")
)

// 转发写请求的种类
const (
	ForwardPutConfig       = "put_config"
	ForwardDeleteConfig    = "delete_config"
	ForwardRestoreConfig   = "restore_config"
	ForwardCreateNamespace = "create_namespace"
	ForwardDeleteNamespace = "delete_namespace"
	ForwardRegister        = "register"
	ForwardDeregister      = "deregister"
	ForwardHeartbeat       = "heartbeat"
)

// ForwardEnvelope 是ForwardWrite对端RPC的载荷
type ForwardEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Coordinator 无状态请求调度器
type Coordinator struct {
	cfg     *config.Config
	logger  config.Logger
	node    *raft.Node
	sm      *fsm.FSM
	engine  *registry.Engine
	watches *WatchHub
	client  *http.Client
}

// New 创建调度器
func New(cfg *config.Config, node *raft.Node, sm *fsm.FSM, engine *registry.Engine, watches *WatchHub, logger config.Logger) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		logger:  logger,
		node:    node,
		sm:      sm,
		engine:  engine,
		watches: watches,
		client:  &http.Client{},
	}
}

// WatchHub 返回长轮询中心
func (c *Coordinator) WatchHub() *WatchHub { return c.watches }

// ---- 配置写路径 ----

// PutConfig 创建或更新配置
func (c *Coordinator) PutConfig(ctx context.Context, req *model.ConfigUpsertRequest, forward bool) error {
	if err := validateConfigKey(req.NamespaceID, req.ConfigID); err != nil {
		return err
	}
	return c.write(ctx, ForwardPutConfig, req, forward, func() error {
		if _, err := c.sm.GetNamespace(req.NamespaceID); err != nil {
			return err
		}
		return c.proposeAndWait(ctx, &fsm.Command{
			Type:        fsm.CmdPutConfig,
			NamespaceID: req.NamespaceID,
			ConfigID:    req.ConfigID,
			Content:     req.Content,
			Description: req.Description,
			Timestamp:   time.Now(),
		})
	})
}

// DeleteConfig 删除配置
func (c *Coordinator) DeleteConfig(ctx context.Context, req *model.ConfigDeleteRequest, forward bool) error {
	if err := validateConfigKey(req.NamespaceID, req.ConfigID); err != nil {
		return err
	}
	return c.write(ctx, ForwardDeleteConfig, req, forward, func() error {
		return c.proposeAndWait(ctx, &fsm.Command{
			Type:        fsm.CmdDeleteConfig,
			NamespaceID: req.NamespaceID,
			ConfigID:    req.ConfigID,
			Timestamp:   time.Now(),
		})
	})
}

// RestoreConfig 把配置恢复到一条历史记录
func (c *Coordinator) RestoreConfig(ctx context.Context, req *model.ConfigRestoreRequest, forward bool) error {
	if err := validateConfigKey(req.NamespaceID, req.ConfigID); err != nil {
		return err
	}
	return c.write(ctx, ForwardRestoreConfig, req, forward, func() error {
		return c.proposeAndWait(ctx, &fsm.Command{
			Type:        fsm.CmdRestoreConfig,
			NamespaceID: req.NamespaceID,
			ConfigID:    req.ConfigID,
			HistorySeq:  req.HistorySeq,
			Timestamp:   time.Now(),
		})
	})
}

// CreateNamespace 创建命名空间
func (c *Coordinator) CreateNamespace(ctx context.Context, req *model.NamespaceCreateRequest, forward bool) error {
	if req.ID == "" || len(req.ID) > model.MaxNamespaceIDLen || !isASCII(req.ID) {
		return fmt.Errorf("%w: 命名空间ID须为1-%d字节的ASCII", ErrInvalidArg, model.MaxNamespaceIDLen)
	}
	return c.write(ctx, ForwardCreateNamespace, req, forward, func() error {
		return c.proposeAndWait(ctx, &fsm.Command{
			Type:        fsm.CmdCreateNamespace,
			NamespaceID: req.ID,
			Name:        req.Name,
			Description: req.Description,
			Timestamp:   time.Now(),
		})
	})
}

// DeleteNamespace 删除命名空间
func (c *Coordinator) DeleteNamespace(ctx context.Context, id string, forward bool) error {
	if id == "" {
		return fmt.Errorf("%w: 命名空间ID不能为空", ErrInvalidArg)
	}
	return c.write(ctx, ForwardDeleteNamespace, id, forward, func() error {
		return c.proposeAndWait(ctx, &fsm.Command{
			Type:        fsm.CmdDeleteNamespace,
			NamespaceID: id,
			Timestamp:   time.Now(),
		})
	})
}

// ---- 配置读路径 ----

// GetConfig 读取配置。consistent为真时经Leader read-index保证线性一致，
// 默认读本地已应用状态。
func (c *Coordinator) GetConfig(ctx context.Context, namespaceID, configID string, consistent bool) (*model.ConfigEntry, error) {
	if err := validateConfigKey(namespaceID, configID); err != nil {
		return nil, err
	}
	if consistent {
		if err := c.node.LinearizableRead(ctx); err != nil {
			return nil, err
		}
	}
	return c.sm.GetConfig(namespaceID, configID)
}

// ListConfigs 分页列出配置
func (c *Coordinator) ListConfigs(namespaceID string, pageNum, pageSize int) (*protocol.PageResult, error) {
	pageNum, pageSize = clampPage(pageNum, pageSize)
	total, list, err := c.sm.ListConfigs(namespaceID, pageNum, pageSize)
	if err != nil {
		return nil, err
	}
	return &protocol.PageResult{PageNum: pageNum, PageSize: pageSize, Total: total, List: list}, nil
}

// ListHistory 分页列出配置历史
func (c *Coordinator) ListHistory(namespaceID, configID string, pageNum, pageSize int) (*protocol.PageResult, error) {
	if err := validateConfigKey(namespaceID, configID); err != nil {
		return nil, err
	}
	pageNum, pageSize = clampPage(pageNum, pageSize)
	total, list, err := c.sm.ListHistory(namespaceID, configID, pageNum, pageSize)
	if err != nil {
		return nil, err
	}
	return &protocol.PageResult{PageNum: pageNum, PageSize: pageSize, Total: total, List: list}, nil
}

// WatchConfig 配置长轮询。客户端md5与服务端一致时挂起等待变更，
// 超时无变化按原样返回（changed=false，不是错误）。
func (c *Coordinator) WatchConfig(ctx context.Context, clientIP, namespaceID, configID, clientMD5 string, timeout time.Duration) (*model.ConfigEntry, bool, error) {
	if err := validateConfigKey(namespaceID, configID); err != nil {
		return nil, false, err
	}

	// 先登记观察者再比对md5，变更不会落在比对与挂起之间
	watcher, err := c.watches.Register(clientIP, namespaceID, configID)
	if err != nil {
		return nil, false, err
	}
	defer watcher.Close()

	entry, err := c.sm.GetConfig(namespaceID, configID)
	currentMD5 := ""
	if err == nil {
		currentMD5 = entry.MD5
	} else if !errors.Is(err, fsm.ErrConfigNotFound) {
		return nil, false, err
	}

	// 服务端视图已与客户端不同，立即返回
	if currentMD5 != clientMD5 {
		return entry, true, nil
	}

	timer := time.NewTimer(c.watches.ClampTimeout(timeout))
	defer timer.Stop()

	select {
	case <-watcher.C:
	case <-timer.C:
		return entry, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	fresh, err := c.sm.GetConfig(namespaceID, configID)
	if errors.Is(err, fsm.ErrConfigNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return fresh, true, nil
}

// ---- 命名空间读路径 ----

// GetNamespace 读取命名空间
func (c *Coordinator) GetNamespace(id string) (*model.Namespace, error) {
	return c.sm.GetNamespace(id)
}

// ListNamespaces 列出命名空间
func (c *Coordinator) ListNamespaces() ([]*model.NamespaceInfo, error) {
	return c.sm.ListNamespaces()
}

// ---- 服务注册路径 ----

// RegisterInstance 注册服务实例。Leader权威写入，非Leader重定向或转发。
func (c *Coordinator) RegisterInstance(ctx context.Context, req *model.ServiceRegisterRequest, forward bool) (*model.ServiceInstance, error) {
	if err := validateInstance(req.NamespaceID, req.ServiceID, req.Address, req.Port); err != nil {
		return nil, err
	}
	if req.Weight != nil && *req.Weight < 0 {
		return nil, fmt.Errorf("%w: weight不能为负", ErrInvalidArg)
	}
	if _, err := c.sm.GetNamespace(req.NamespaceID); err != nil {
		return nil, err
	}

	if !c.node.IsLeader() {
		if forward {
			return nil, c.forward(ctx, ForwardRegister, req)
		}
		return nil, c.notLeaderErr()
	}

	inst := &model.ServiceInstance{
		NamespaceID: req.NamespaceID,
		ServiceID:   req.ServiceID,
		Address:     req.Address,
		Port:        req.Port,
		Metadata:    req.Metadata,
		Weight:      1.0,
		Ephemeral:   true,
	}
	if req.Weight != nil {
		inst.Weight = *req.Weight
	}
	if req.Ephemeral != nil {
		inst.Ephemeral = *req.Ephemeral
	}
	return c.engine.Register(inst), nil
}

// DeregisterInstance 注销服务实例（port为0时注销整个服务）
func (c *Coordinator) DeregisterInstance(ctx context.Context, req *model.ServiceInstanceRequest, forward bool) error {
	if req.NamespaceID == "" || req.ServiceID == "" {
		return fmt.Errorf("%w: namespace_id与service_id不能为空", ErrInvalidArg)
	}
	if !c.node.IsLeader() {
		if forward {
			return c.forward(ctx, ForwardDeregister, req)
		}
		return c.notLeaderErr()
	}
	if !c.engine.Deregister(req.NamespaceID, req.ServiceID, req.Address, req.Port) {
		return ErrInstanceNotFound
	}
	return nil
}

// Heartbeat 刷新实例TTL。实例不存在返回ErrInstanceNotFound，
// 提示客户端重新注册。
func (c *Coordinator) Heartbeat(ctx context.Context, req *model.ServiceInstanceRequest, forward bool) error {
	if err := validateInstance(req.NamespaceID, req.ServiceID, req.Address, req.Port); err != nil {
		return err
	}
	if !c.node.IsLeader() {
		if forward {
			return c.forward(ctx, ForwardHeartbeat, req)
		}
		return c.notLeaderErr()
	}
	if !c.engine.Heartbeat(req.NamespaceID, req.ServiceID, req.Address, req.Port) {
		return ErrInstanceNotFound
	}
	return nil
}

// QueryInstances 查询服务实例，读本节点视图
func (c *Coordinator) QueryInstances(namespaceID, serviceID string, healthyOnly bool) []*model.ServiceInstance {
	return c.engine.Query(namespaceID, serviceID, healthyOnly)
}

// ListServices 列出命名空间下的服务ID
func (c *Coordinator) ListServices(namespaceID string) []string {
	return c.engine.ListServices(namespaceID)
}

// SubscribeInstances 服务实例长轮询。客户端签名与当前列表一致时挂起，
// 任何成员或状态变化立即返回最新列表。
func (c *Coordinator) SubscribeInstances(ctx context.Context, namespaceID, serviceID, clientSignature string, timeout time.Duration) ([]*model.ServiceInstance, bool, error) {
	if namespaceID == "" || serviceID == "" {
		return nil, false, fmt.Errorf("%w: namespace_id与service_id不能为空", ErrInvalidArg)
	}

	// 先订阅再比对签名，避免漏掉比对间隙里的变更
	sub := c.engine.Subscribe(namespaceID, serviceID)
	defer sub.Cancel()

	current := c.engine.Query(namespaceID, serviceID, false)
	if InstanceListSignature(current) != clientSignature {
		return current, true, nil
	}

	timer := time.NewTimer(c.watches.ClampTimeout(timeout))
	defer timer.Stop()

	select {
	case snapshot := <-sub.Events:
		return snapshot, true, nil
	case <-timer.C:
		return current, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// InstanceListSignature 计算实例列表的md5签名，
// 覆盖成员、状态与权重，客户端以此做幂等比对。
func InstanceListSignature(instances []*model.ServiceInstance) string {
	var b strings.Builder
	for _, inst := range instances {
		fmt.Fprintf(&b, "%s|%s|%.3f;", inst.InstanceKey(), inst.Status, inst.Weight)
	}
	return model.ContentMD5(b.String())
}

// ---- 写路径通用逻辑 ----

// write 在Leader上执行do；非Leader按forward标志转发或重定向
func (c *Coordinator) write(ctx context.Context, kind string, body interface{}, forward bool, do func() error) error {
	if c.node.IsLeader() {
		return do()
	}
	if forward {
		return c.forward(ctx, kind, body)
	}
	return c.notLeaderErr()
}

// HandleForward Leader处理来自对端的转发写
func (c *Coordinator) HandleForward(ctx context.Context, env *ForwardEnvelope) error {
	switch env.Kind {
	case ForwardPutConfig:
		var req model.ConfigUpsertRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArg, err)
		}
		return c.PutConfig(ctx, &req, false)
	case ForwardDeleteConfig:
		var req model.ConfigDeleteRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArg, err)
		}
		return c.DeleteConfig(ctx, &req, false)
	case ForwardRestoreConfig:
		var req model.ConfigRestoreRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArg, err)
		}
		return c.RestoreConfig(ctx, &req, false)
	case ForwardCreateNamespace:
		var req model.NamespaceCreateRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArg, err)
		}
		return c.CreateNamespace(ctx, &req, false)
	case ForwardDeleteNamespace:
		var id string
		if err := json.Unmarshal(env.Body, &id); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArg, err)
		}
		return c.DeleteNamespace(ctx, id, false)
	case ForwardRegister:
		var req model.ServiceRegisterRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArg, err)
		}
		_, err := c.RegisterInstance(ctx, &req, false)
		return err
	case ForwardDeregister:
		var req model.ServiceInstanceRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArg, err)
		}
		return c.DeregisterInstance(ctx, &req, false)
	case ForwardHeartbeat:
		var req model.ServiceInstanceRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArg, err)
		}
		return c.Heartbeat(ctx, &req, false)
	default:
		return fmt.Errorf("%w: 未知转发类型 %q", ErrInvalidArg, env.Kind)
	}
}

// forward 把写请求转发给当前Leader的对端RPC端点
func (c *Coordinator) forward(ctx context.Context, kind string, body interface{}) error {
	leaderID, leaderAddr := c.node.Leader()
	if leaderID == 0 || leaderAddr == "" {
		return raft.ErrUnavailable
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(&ForwardEnvelope{Kind: kind, Body: bodyBytes})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+leaderAddr+raft.PathForwardWrite, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("coordinator: 转发到Leader失败: %w", err)
	}
	defer httpResp.Body.Close()

	var resp protocol.Response
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, 1<<20)).Decode(&resp); err != nil {
		return fmt.Errorf("coordinator: 解析Leader响应失败: %w", err)
	}
	if resp.Code == protocol.CodeOK {
		return nil
	}
	c.logger.Debug("转发写被Leader拒绝",
		zap.String("kind", kind),
		zap.String("code", string(resp.Code)),
	)
	return CodeError(resp.Code, resp.Msg)
}

// proposeAndWait 提案并等待应用结果
func (c *Coordinator) proposeAndWait(ctx context.Context, cmd *fsm.Command) error {
	payload, err := cmd.Encode()
	if err != nil {
		return err
	}
	index, ch, err := c.node.Propose(payload)
	if err != nil {
		return err
	}
	return c.node.Wait(ctx, index, ch)
}

func (c *Coordinator) notLeaderErr() error {
	leaderID, leaderAddr := c.node.Leader()
	if leaderID == 0 {
		return raft.ErrUnavailable
	}
	return &raft.ErrNotLeader{LeaderID: leaderID, LeaderAddr: leaderAddr}
}

// ---- 校验 ----

func validateConfigKey(namespaceID, configID string) error {
	if namespaceID == "" || configID == "" {
		return fmt.Errorf("%w: namespace_id与config_id不能为空", ErrInvalidArg)
	}
	if len(configID) > model.MaxConfigIDLen {
		return fmt.Errorf("%w: config_id超过%d字节", ErrInvalidArg, model.MaxConfigIDLen)
	}
	if strings.ContainsRune(namespaceID, 0) || strings.ContainsRune(configID, 0) {
		return fmt.Errorf("%w: 标识符不能包含NUL", ErrInvalidArg)
	}
	return nil
}

func validateInstance(namespaceID, serviceID, address string, port int) error {
	if namespaceID == "" || serviceID == "" || address == "" || port <= 0 || port > 65535 {
		return fmt.Errorf("%w: namespace_id、service_id、address、port不能为空", ErrInvalidArg)
	}
	return nil
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}

func clampPage(pageNum, pageSize int) (int, int) {
	if pageNum < 1 {
		pageNum = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 100
	}
	return pageNum, pageSize
}

// wireError 携带对端返回的业务码的错误
type wireError struct {
	code protocol.Code
	msg  string
}

func (e *wireError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.msg) }

// CodeError 把对端响应码还原为错误
func CodeError(code protocol.Code, msg string) error {
	return &wireError{code: code, msg: msg}
}

// ErrorCode 若错误携带业务码则返回之
func ErrorCode(err error) (protocol.Code, bool) {
	var we *wireError
	if errors.As(err, &we) {
		return we.code, true
	}
	return "", false
}
