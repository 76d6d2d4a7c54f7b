package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	bbolt "go.etcd.io/bbolt"

	"github.com/hewenyu/conreg/pkg/model"
)

const (
	configBucket    = "config"
	historyBucket   = "history"
	namespaceBucket = "namespace"
	metaBucket      = "meta"

	keyLastApplied = "last_applied"
	seqPrefix      = "hseq/"
)

// OpenConfDB 打开节点的conf.db（配置物化视图 + 历史 + 命名空间）
func OpenConfDB(path string) (*bbolt.DB, error) {
	return openBolt(path, []string{configBucket, historyBucket, namespaceBucket, metaBucket}, metaBucket)
}

// AppliedStore 持久化状态机的物化视图。
// 所有Apply*方法在单个事务内写入业务数据并推进last_applied，
// 保证节点重启后的精确一次应用。
type AppliedStore struct {
	db *bbolt.DB
}

// NewAppliedStore 在指定bbolt库上创建物化视图存储
func NewAppliedStore(db *bbolt.DB) *AppliedStore {
	return &AppliedStore{db: db}
}

// LastApplied 读取已应用的最大日志索引
func (s *AppliedStore) LastApplied() (uint64, error) {
	var index uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		index = bytesU64(tx.Bucket([]byte(metaBucket)).Get([]byte(keyLastApplied)))
		return nil
	})
	return index, err
}

// ApplyNoop 仅推进last_applied（空日志、成员变更等无业务效果的条目）
func (s *AppliedStore) ApplyNoop(index uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return advanceApplied(tx, index)
	})
}

// ApplyPutConfig 写入配置、追加历史并推进last_applied。
// 返回写入的历史序号。
func (s *AppliedStore) ApplyPutConfig(entry *model.ConfigEntry, index uint64) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(configBucket)).Put(configKey(entry.NamespaceID, entry.ConfigID), data); err != nil {
			return err
		}
		seq, err = appendHistory(tx, &model.ConfigHistoryEntry{
			NamespaceID: entry.NamespaceID,
			ConfigID:    entry.ConfigID,
			Content:     entry.Content,
			MD5:         entry.MD5,
			Description: entry.Description,
			UpdatedAt:   entry.UpdatedAt,
		})
		if err != nil {
			return err
		}
		return advanceApplied(tx, index)
	})
	return seq, err
}

// ApplyDeleteConfig 删除配置、追加删除标记历史并推进last_applied
func (s *AppliedStore) ApplyDeleteConfig(hist *model.ConfigHistoryEntry, index uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(configBucket)).Delete(configKey(hist.NamespaceID, hist.ConfigID)); err != nil {
			return err
		}
		if _, err := appendHistory(tx, hist); err != nil {
			return err
		}
		return advanceApplied(tx, index)
	})
}

// ApplyCreateNamespace 写入命名空间并推进last_applied
func (s *AppliedStore) ApplyCreateNamespace(ns *model.Namespace, index uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(namespaceBucket)).Put([]byte(ns.ID), data); err != nil {
			return err
		}
		return advanceApplied(tx, index)
	})
}

// ApplyDeleteNamespace 删除命名空间并推进last_applied
func (s *AppliedStore) ApplyDeleteNamespace(id string, index uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(namespaceBucket)).Delete([]byte(id)); err != nil {
			return err
		}
		return advanceApplied(tx, index)
	})
}

// EnsureNamespace 在命名空间不存在时写入，不推进last_applied。
// 仅用于启动时落默认命名空间。
func (s *AppliedStore) EnsureNamespace(ns *model.Namespace) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespaceBucket))
		if b.Get([]byte(ns.ID)) != nil {
			return nil
		}
		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		return b.Put([]byte(ns.ID), data)
	})
}

// GetConfig 读取一条配置，不存在时返回ErrNotFound
func (s *AppliedStore) GetConfig(namespaceID, configID string) (*model.ConfigEntry, error) {
	var entry *model.ConfigEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(configBucket)).Get(configKey(namespaceID, configID))
		if data == nil {
			return ErrNotFound
		}
		entry = new(model.ConfigEntry)
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListConfigs 分页列出命名空间下的配置，返回总数与当前页
func (s *AppliedStore) ListConfigs(namespaceID string, pageNum, pageSize int) (int, []*model.ConfigEntry, error) {
	var total int
	var entries []*model.ConfigEntry
	skip := (pageNum - 1) * pageSize
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := configKey(namespaceID, "")
		c := tx.Bucket([]byte(configBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if total >= skip && len(entries) < pageSize {
				var e model.ConfigEntry
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				entries = append(entries, &e)
			}
			total++
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return total, entries, nil
}

// CountConfigs 统计命名空间下的配置数量
func (s *AppliedStore) CountConfigs(namespaceID string) (int, error) {
	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := configKey(namespaceID, "")
		c := tx.Bucket([]byte(configBucket)).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ListHistory 分页列出一条配置的历史，按历史序号升序
func (s *AppliedStore) ListHistory(namespaceID, configID string, pageNum, pageSize int) (int, []*model.ConfigHistoryEntry, error) {
	var total int
	var entries []*model.ConfigHistoryEntry
	skip := (pageNum - 1) * pageSize
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := historyPrefix(namespaceID, configID)
		c := tx.Bucket([]byte(historyBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if total >= skip && len(entries) < pageSize {
				var e model.ConfigHistoryEntry
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				entries = append(entries, &e)
			}
			total++
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return total, entries, nil
}

// GetHistory 读取一条配置的指定历史记录
func (s *AppliedStore) GetHistory(namespaceID, configID string, seq uint64) (*model.ConfigHistoryEntry, error) {
	var entry *model.ConfigHistoryEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := append(historyPrefix(namespaceID, configID), u64Bytes(seq)...)
		data := tx.Bucket([]byte(historyBucket)).Get(key)
		if data == nil {
			return ErrNotFound
		}
		entry = new(model.ConfigHistoryEntry)
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetNamespace 读取一个命名空间
func (s *AppliedStore) GetNamespace(id string) (*model.Namespace, error) {
	var ns *model.Namespace
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(namespaceBucket)).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		ns = new(model.Namespace)
		return json.Unmarshal(data, ns)
	})
	if err != nil {
		return nil, err
	}
	return ns, nil
}

// ListNamespaces 列出全部命名空间
func (s *AppliedStore) ListNamespaces() ([]*model.Namespace, error) {
	var out []*model.Namespace
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(namespaceBucket)).ForEach(func(_, v []byte) error {
			var ns model.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			out = append(out, &ns)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// snapshotData 是状态机快照的序列化形式
type snapshotData struct {
	LastApplied uint64                      `json:"last_applied"`
	Namespaces  []*model.Namespace          `json:"namespaces"`
	Configs     []*model.ConfigEntry        `json:"configs"`
	Histories   []*model.ConfigHistoryEntry `json:"histories"`
}

// Dump 导出物化视图的一致性快照
func (s *AppliedStore) Dump() ([]byte, error) {
	snap := snapshotData{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		snap.LastApplied = bytesU64(tx.Bucket([]byte(metaBucket)).Get([]byte(keyLastApplied)))
		if err := tx.Bucket([]byte(namespaceBucket)).ForEach(func(_, v []byte) error {
			var ns model.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			snap.Namespaces = append(snap.Namespaces, &ns)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(configBucket)).ForEach(func(_, v []byte) error {
			var e model.ConfigEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			snap.Configs = append(snap.Configs, &e)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket([]byte(historyBucket)).ForEach(func(_, v []byte) error {
			var e model.ConfigHistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			snap.Histories = append(snap.Histories, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(&snap)
}

// Restore 用快照内容原子替换物化视图，并把last_applied设为快照点
func (s *AppliedStore) Restore(data []byte, index uint64) error {
	var snap snapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("store: 解析快照失败: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{configBucket, historyBucket, namespaceBucket, metaBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		meta := tx.Bucket([]byte(metaBucket))
		if err := meta.Put([]byte(versionKey), []byte(FormatVersion)); err != nil {
			return err
		}
		for _, ns := range snap.Namespaces {
			data, err := json.Marshal(ns)
			if err != nil {
				return err
			}
			if err := tx.Bucket([]byte(namespaceBucket)).Put([]byte(ns.ID), data); err != nil {
				return err
			}
		}
		for _, e := range snap.Configs {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := tx.Bucket([]byte(configBucket)).Put(configKey(e.NamespaceID, e.ConfigID), data); err != nil {
				return err
			}
		}
		for _, e := range snap.Histories {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			key := append(historyPrefix(e.NamespaceID, e.ConfigID), u64Bytes(e.HistorySeq)...)
			if err := tx.Bucket([]byte(historyBucket)).Put(key, data); err != nil {
				return err
			}
			// 恢复历史序号计数器到已见过的最大值
			sk := seqKey(e.NamespaceID, e.ConfigID)
			if bytesU64(meta.Get(sk)) < e.HistorySeq {
				if err := meta.Put(sk, u64Bytes(e.HistorySeq)); err != nil {
					return err
				}
			}
		}
		return meta.Put([]byte(keyLastApplied), u64Bytes(index))
	})
}

// appendHistory 在事务内分配下一个历史序号并写入历史行
func appendHistory(tx *bbolt.Tx, hist *model.ConfigHistoryEntry) (uint64, error) {
	meta := tx.Bucket([]byte(metaBucket))
	key := seqKey(hist.NamespaceID, hist.ConfigID)
	seq := bytesU64(meta.Get(key)) + 1
	if err := meta.Put(key, u64Bytes(seq)); err != nil {
		return 0, err
	}
	hist.HistorySeq = seq
	data, err := json.Marshal(hist)
	if err != nil {
		return 0, err
	}
	histKey := append(historyPrefix(hist.NamespaceID, hist.ConfigID), u64Bytes(seq)...)
	return seq, tx.Bucket([]byte(historyBucket)).Put(histKey, data)
}

func advanceApplied(tx *bbolt.Tx, index uint64) error {
	return tx.Bucket([]byte(metaBucket)).Put([]byte(keyLastApplied), u64Bytes(index))
}

func configKey(namespaceID, configID string) []byte {
	k := make([]byte, 0, len(namespaceID)+len(configID)+1)
	k = append(k, namespaceID...)
	k = append(k, 0)
	k = append(k, configID...)
	return k
}

func historyPrefix(namespaceID, configID string) []byte {
	k := configKey(namespaceID, configID)
	return append(k, 0)
}

func seqKey(namespaceID, configID string) []byte {
	k := make([]byte, 0, len(seqPrefix)+len(namespaceID)+len(configID)+1)
	k = append(k, seqPrefix...)
	k = append(k, namespaceID...)
	k = append(k, 0)
	k = append(k, configID...)
	return k
}
