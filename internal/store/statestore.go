package store

import (
	"encoding/binary"
	"encoding/json"

	bbolt "go.etcd.io/bbolt"
)

const (
	stateBucket    = "state"
	snapshotBucket = "snapshot"

	keyCurrentTerm = "current_term"
	keyVotedFor    = "voted_for"
	keyLastPurged  = "last_purged"
	keyMembership  = "membership"

	keySnapshotMeta = "meta"
	keySnapshotData = "data"
)

// OpenRaftDB 打开节点的raft.db（日志 + 持久状态 + 快照）
func OpenRaftDB(path string) (*bbolt.DB, error) {
	return openBolt(path, []string{logBucket, stateBucket, snapshotBucket}, stateBucket)
}

// SnapshotMeta 描述最近一次快照
type SnapshotMeta struct {
	LastIndex  uint64 `json:"last_index"`
	LastTerm   uint64 `json:"last_term"`
	Membership []byte `json:"membership"` // 快照点的成员配置（JSON）
}

// StateStore 持久化Raft节点的标量状态：任期、投票、日志回收点、成员配置与快照。
type StateStore struct {
	db *bbolt.DB
}

// NewStateStore 在指定bbolt库上创建状态存储
func NewStateStore(db *bbolt.DB) *StateStore {
	return &StateStore{db: db}
}

// SetHardState 持久化当前任期与投票对象。必须在响应RPC之前落盘。
func (s *StateStore) SetHardState(term uint64, votedFor uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(stateBucket))
		if err := b.Put([]byte(keyCurrentTerm), u64Bytes(term)); err != nil {
			return err
		}
		return b.Put([]byte(keyVotedFor), u64Bytes(votedFor))
	})
}

// HardState 读取持久化的任期与投票对象，未写入过时返回零值
func (s *StateStore) HardState() (term uint64, votedFor uint64, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(stateBucket))
		term = bytesU64(b.Get([]byte(keyCurrentTerm)))
		votedFor = bytesU64(b.Get([]byte(keyVotedFor)))
		return nil
	})
	return
}

// SetLastPurged 记录日志前缀回收点（快照覆盖的最后一条日志）
func (s *StateStore) SetLastPurged(index, term uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var k [16]byte
		binary.BigEndian.PutUint64(k[:8], index)
		binary.BigEndian.PutUint64(k[8:], term)
		return tx.Bucket([]byte(stateBucket)).Put([]byte(keyLastPurged), k[:])
	})
}

// LastPurged 读取日志前缀回收点
func (s *StateStore) LastPurged() (index, term uint64, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(stateBucket)).Get([]byte(keyLastPurged))
		if len(v) == 16 {
			index = binary.BigEndian.Uint64(v[:8])
			term = binary.BigEndian.Uint64(v[8:])
		}
		return nil
	})
	return
}

// SetMembership 持久化当前成员配置（序列化后的JSON）
func (s *StateStore) SetMembership(data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(stateBucket)).Put([]byte(keyMembership), data)
	})
}

// Membership 读取持久化的成员配置，未写入过时返回nil
func (s *StateStore) Membership() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(stateBucket)).Get([]byte(keyMembership))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

// SaveSnapshot 原子替换最近快照（元数据 + 数据）
func (s *StateStore) SaveSnapshot(meta *SnapshotMeta, data []byte) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(snapshotBucket))
		if err := b.Put([]byte(keySnapshotMeta), metaBytes); err != nil {
			return err
		}
		return b.Put([]byte(keySnapshotData), data)
	})
}

// Snapshot 读取最近快照，不存在时返回 (nil, nil, nil)
func (s *StateStore) Snapshot() (*SnapshotMeta, []byte, error) {
	var meta *SnapshotMeta
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(snapshotBucket))
		m := b.Get([]byte(keySnapshotMeta))
		if m == nil {
			return nil
		}
		meta = new(SnapshotMeta)
		if err := json.Unmarshal(m, meta); err != nil {
			return err
		}
		data = append([]byte(nil), b.Get([]byte(keySnapshotData))...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return meta, data, nil
}

func u64Bytes(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

func bytesU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
