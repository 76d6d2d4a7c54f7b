// Package store 提供基于bbolt的有序KV存储原语，
// 供Raft日志、节点状态与配置物化视图使用。
package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	bbolt "go.etcd.io/bbolt"
)

const (
	boltFileMode os.FileMode = 0o600

	// FormatVersion 存储格式版本，写在version键下（conf.db为meta桶，raft.db为state桶）。
	// 主版本不一致时拒绝启动。
	FormatVersion = "v1"

	versionKey = "version"
)

var boltOptions = &bbolt.Options{Timeout: 5 * time.Second, NoGrowSync: true}

var (
	// ErrNotFound 请求的键不存在
	ErrNotFound = errors.New("store: not found")
	// ErrClosed 存储已关闭
	ErrClosed = errors.New("store: closed")
	// ErrVersionMismatch 存储格式版本不兼容
	ErrVersionMismatch = errors.New("store: format version mismatch")
)

// openBolt 打开bbolt文件，创建所需桶并校验格式版本
func openBolt(path string, buckets []string, metaBucket string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, boltFileMode, boltOptions)
	if err != nil {
		return nil, fmt.Errorf("store: 打开 %s 失败: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, e := tx.CreateBucketIfNotExists([]byte(name)); e != nil {
				return e
			}
		}
		meta := tx.Bucket([]byte(metaBucket))
		existing := meta.Get([]byte(versionKey))
		if existing == nil {
			return meta.Put([]byte(versionKey), []byte(FormatVersion))
		}
		if string(existing) != FormatVersion {
			return fmt.Errorf("%w: 磁盘为 %s, 期望 %s", ErrVersionMismatch, existing, FormatVersion)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
