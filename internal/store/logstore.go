package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bbolt "go.etcd.io/bbolt"
)

const logBucket = "log"

// LogEntry 是Raft日志中的一条记录
type LogEntry struct {
	Term    uint64 `json:"term"`
	Index   uint64 `json:"index"`
	Type    int    `json:"type"`
	Payload []byte `json:"payload"`
}

// LogStore 持久化Raft日志。单写者，追加按索引严格有序。
type LogStore struct {
	db *bbolt.DB
}

// NewLogStore 在指定bbolt库上创建日志存储
func NewLogStore(db *bbolt.DB) *LogStore {
	return &LogStore{db: db}
}

// Append 追加一批日志条目。整批在一个事务内落盘，崩溃时原子生效。
func (s *LogStore) Append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(logBucket))
		for i := range entries {
			data, err := json.Marshal(&entries[i])
			if err != nil {
				return fmt.Errorf("store: 序列化日志条目失败: %w", err)
			}
			if err := b.Put(indexKey(entries[i].Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Entry 读取指定索引处的日志条目
func (s *LogStore) Entry(index uint64) (*LogEntry, error) {
	var entry *LogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(logBucket)).Get(indexKey(index))
		if data == nil {
			return ErrNotFound
		}
		entry = new(LogEntry)
		return json.Unmarshal(data, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Range 读取 [from, to] 闭区间内的日志条目
func (s *LogStore) Range(from, to uint64) ([]LogEntry, error) {
	var entries []LogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(logBucket)).Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			idx := binary.BigEndian.Uint64(k)
			if idx > to {
				break
			}
			var e LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// FirstIndex 返回日志中最小的索引，空日志返回0
func (s *LogStore) FirstIndex() (uint64, error) {
	var first uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket([]byte(logBucket)).Cursor().First()
		if k != nil {
			first = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return first, err
}

// LastIndex 返回日志中最大的索引，空日志返回0
func (s *LogStore) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket([]byte(logBucket)).Cursor().Last()
		if k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return last, err
}

// TruncateSuffix 删除 index >= from 的所有条目。
// 用于AppendEntries一致性检查失败后截断冲突日志。
func (s *LogStore) TruncateSuffix(from uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(logBucket)).Cursor()
		for k, _ := c.Seek(indexKey(from)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// TruncatePrefix 删除 index <= to 的所有条目。
// 快照落盘后用于回收已覆盖的日志前缀。
func (s *LogStore) TruncatePrefix(to uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(logBucket)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > to {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// indexKey 把日志索引编码为大端字节序键，保证bbolt内按索引有序
func indexKey(index uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], index)
	return k[:]
}
