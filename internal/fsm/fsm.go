// Package fsm 实现配置状态机：解释Raft日志中的配置变更命令，
// 维护当前视图与历史，并通过AppliedStore持久化。
package fsm

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hewenyu/conreg/internal/config"
	"github.com/hewenyu/conreg/internal/store"
	"github.com/hewenyu/conreg/pkg/model"
)

var (
	// ErrNamespaceExists 命名空间ID冲突
	ErrNamespaceExists = errors.New("fsm: namespace already exists")
	// ErrNamespaceNotFound 命名空间不存在
	ErrNamespaceNotFound = errors.New("fsm: namespace not found")
	// ErrNamespaceNotEmpty 命名空间仍被配置或服务引用
	ErrNamespaceNotEmpty = errors.New("fsm: namespace not empty")
	// ErrConfigNotFound 配置不存在
	ErrConfigNotFound = errors.New("fsm: config not found")
	// ErrHistoryNotFound 历史记录不存在
	ErrHistoryNotFound = errors.New("fsm: history entry not found")
	// ErrUnknownCommand 无法识别的命令类型
	ErrUnknownCommand = errors.New("fsm: unknown command type")
)

// ChangeNotifier 在配置变更应用后收到回调，用于唤醒长轮询。
// md5为变更后的内容签名，配置被删除时为空字符串。
type ChangeNotifier func(namespaceID, configID, md5 string)

// ServiceCounter 返回命名空间下注册的服务实例数，
// 删除命名空间时用于引用检查。
type ServiceCounter func(namespaceID string) int

// FSM 是配置状态机。Apply由Raft应用循环串行调用，自身不加锁；
// 读路径经过读穿LRU缓存直达AppliedStore。
type FSM struct {
	store    *store.AppliedStore
	cache    *lru.Cache[string, *model.ConfigEntry]
	logger   config.Logger
	notify   ChangeNotifier
	services ServiceCounter
}

// New 创建配置状态机并保证默认命名空间存在
func New(applied *store.AppliedStore, cacheSize int, logger config.Logger) (*FSM, error) {
	cache, err := lru.New[string, *model.ConfigEntry](cacheSize)
	if err != nil {
		return nil, err
	}
	if err := applied.EnsureNamespace(model.NewDefaultNamespace(time.Now())); err != nil {
		return nil, fmt.Errorf("fsm: 初始化默认命名空间失败: %w", err)
	}
	return &FSM{
		store:    applied,
		cache:    cache,
		logger:   logger,
		notify:   func(string, string, string) {},
		services: func(string) int { return 0 },
	}, nil
}

// SetChangeNotifier 注册配置变更回调
func (f *FSM) SetChangeNotifier(n ChangeNotifier) {
	if n != nil {
		f.notify = n
	}
}

// SetServiceCounter 注册服务实例计数回调
func (f *FSM) SetServiceCounter(c ServiceCounter) {
	if c != nil {
		f.services = c
	}
}

// LastApplied 返回已应用的最大日志索引
func (f *FSM) LastApplied() (uint64, error) {
	return f.store.LastApplied()
}

// Apply 应用一条已提交的命令。
// 返回的业务错误通过Leader的完成通道回给提案方；
// 存储错误意味着本节点不可继续推进，由调用方终止应用循环。
func (f *FSM) Apply(index uint64, cmd *Command) error {
	switch cmd.Type {
	case CmdPutConfig:
		return f.applyPut(index, cmd)
	case CmdDeleteConfig:
		return f.applyDelete(index, cmd)
	case CmdCreateNamespace:
		return f.applyCreateNamespace(index, cmd)
	case CmdDeleteNamespace:
		return f.applyDeleteNamespace(index, cmd)
	case CmdRestoreConfig:
		return f.applyRestore(index, cmd)
	default:
		// 未知命令：推进应用位点但拒绝提案方
		if err := f.store.ApplyNoop(index); err != nil {
			return err
		}
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

// ApplyNoop 对无业务效果的日志条目（空条目、成员变更）推进应用位点
func (f *FSM) ApplyNoop(index uint64) error {
	return f.store.ApplyNoop(index)
}

func (f *FSM) applyPut(index uint64, cmd *Command) error {
	md5 := model.ContentMD5(cmd.Content)

	existing, err := f.store.GetConfig(cmd.NamespaceID, cmd.ConfigID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// 内容与描述均未变化时不落历史、不更新updated_at
	if existing != nil && existing.MD5 == md5 && existing.Description == cmd.Description {
		return f.store.ApplyNoop(index)
	}

	entry := &model.ConfigEntry{
		NamespaceID: cmd.NamespaceID,
		ConfigID:    cmd.ConfigID,
		Content:     cmd.Content,
		MD5:         md5,
		Description: cmd.Description,
		CreatedAt:   cmd.Timestamp,
		UpdatedAt:   cmd.Timestamp,
	}
	if existing != nil {
		entry.CreatedAt = existing.CreatedAt
	}

	seq, err := f.store.ApplyPutConfig(entry, index)
	if err != nil {
		return err
	}

	f.cache.Remove(cacheKey(cmd.NamespaceID, cmd.ConfigID))
	f.notify(cmd.NamespaceID, cmd.ConfigID, md5)
	f.logger.Debug("配置已应用",
		zap.String("namespace", cmd.NamespaceID),
		zap.String("config", cmd.ConfigID),
		zap.Uint64("index", index),
		zap.Uint64("history_seq", seq),
	)
	return nil
}

func (f *FSM) applyDelete(index uint64, cmd *Command) error {
	_, err := f.store.GetConfig(cmd.NamespaceID, cmd.ConfigID)
	if errors.Is(err, store.ErrNotFound) {
		if err := f.store.ApplyNoop(index); err != nil {
			return err
		}
		return ErrConfigNotFound
	}
	if err != nil {
		return err
	}

	hist := &model.ConfigHistoryEntry{
		NamespaceID: cmd.NamespaceID,
		ConfigID:    cmd.ConfigID,
		Content:     "",
		MD5:         model.ContentMD5(""),
		Description: model.DeletedMarker,
		UpdatedAt:   cmd.Timestamp,
	}
	if err := f.store.ApplyDeleteConfig(hist, index); err != nil {
		return err
	}

	f.cache.Remove(cacheKey(cmd.NamespaceID, cmd.ConfigID))
	f.notify(cmd.NamespaceID, cmd.ConfigID, "")
	return nil
}

func (f *FSM) applyCreateNamespace(index uint64, cmd *Command) error {
	_, err := f.store.GetNamespace(cmd.NamespaceID)
	if err == nil {
		if err := f.store.ApplyNoop(index); err != nil {
			return err
		}
		return ErrNamespaceExists
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	ns := &model.Namespace{
		ID:          cmd.NamespaceID,
		Name:        cmd.Name,
		Description: cmd.Description,
		CreatedAt:   cmd.Timestamp,
		UpdatedAt:   cmd.Timestamp,
	}
	return f.store.ApplyCreateNamespace(ns, index)
}

func (f *FSM) applyDeleteNamespace(index uint64, cmd *Command) error {
	if cmd.NamespaceID == model.DefaultNamespace {
		if err := f.store.ApplyNoop(index); err != nil {
			return err
		}
		return ErrNamespaceNotEmpty
	}
	if _, err := f.store.GetNamespace(cmd.NamespaceID); errors.Is(err, store.ErrNotFound) {
		if err := f.store.ApplyNoop(index); err != nil {
			return err
		}
		return ErrNamespaceNotFound
	} else if err != nil {
		return err
	}

	count, err := f.store.CountConfigs(cmd.NamespaceID)
	if err != nil {
		return err
	}
	if count > 0 || f.services(cmd.NamespaceID) > 0 {
		if err := f.store.ApplyNoop(index); err != nil {
			return err
		}
		return ErrNamespaceNotEmpty
	}
	return f.store.ApplyDeleteNamespace(cmd.NamespaceID, index)
}

func (f *FSM) applyRestore(index uint64, cmd *Command) error {
	hist, err := f.store.GetHistory(cmd.NamespaceID, cmd.ConfigID, cmd.HistorySeq)
	if errors.Is(err, store.ErrNotFound) {
		if err := f.store.ApplyNoop(index); err != nil {
			return err
		}
		return ErrHistoryNotFound
	}
	if err != nil {
		return err
	}

	// 恢复即发出一条内容取自历史行的更新
	put := *cmd
	put.Type = CmdPutConfig
	put.Content = hist.Content
	put.Description = hist.Description
	return f.applyPut(index, &put)
}

// GetConfig 读取配置，先查缓存未命中再读存储
func (f *FSM) GetConfig(namespaceID, configID string) (*model.ConfigEntry, error) {
	key := cacheKey(namespaceID, configID)
	if entry, ok := f.cache.Get(key); ok {
		return entry, nil
	}
	entry, err := f.store.GetConfig(namespaceID, configID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	f.cache.Add(key, entry)
	return entry, nil
}

// ListConfigs 分页列出命名空间下的配置
func (f *FSM) ListConfigs(namespaceID string, pageNum, pageSize int) (int, []*model.ConfigEntry, error) {
	return f.store.ListConfigs(namespaceID, pageNum, pageSize)
}

// ListHistory 分页列出配置历史
func (f *FSM) ListHistory(namespaceID, configID string, pageNum, pageSize int) (int, []*model.ConfigHistoryEntry, error) {
	return f.store.ListHistory(namespaceID, configID, pageNum, pageSize)
}

// GetNamespace 读取命名空间
func (f *FSM) GetNamespace(id string) (*model.Namespace, error) {
	ns, err := f.store.GetNamespace(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNamespaceNotFound
	}
	return ns, err
}

// ListNamespaces 列出全部命名空间及其配置数量
func (f *FSM) ListNamespaces() ([]*model.NamespaceInfo, error) {
	namespaces, err := f.store.ListNamespaces()
	if err != nil {
		return nil, err
	}
	infos := make([]*model.NamespaceInfo, 0, len(namespaces))
	for _, ns := range namespaces {
		count, err := f.store.CountConfigs(ns.ID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, &model.NamespaceInfo{
			Namespace:    *ns,
			ConfigCount:  count,
			ServiceCount: f.services(ns.ID),
		})
	}
	return infos, nil
}

// Snapshot 导出状态机快照（配置表 + 历史 + 命名空间表）
func (f *FSM) Snapshot() ([]byte, error) {
	return f.store.Dump()
}

// Restore 用快照原子替换状态机内容并清空缓存
func (f *FSM) Restore(data []byte, index uint64) error {
	if err := f.store.Restore(data, index); err != nil {
		return err
	}
	f.cache.Purge()
	f.logger.Info("状态机已从快照恢复", zap.Uint64("index", index))
	return nil
}

func cacheKey(namespaceID, configID string) string {
	return namespaceID + "\x00" + configID
}
