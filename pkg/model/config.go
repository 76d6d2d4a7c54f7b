package model

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// MaxConfigIDLen 配置ID的最大字节数
const MaxConfigIDLen = 500

// ConfigEntry 表示一条当前生效的配置
type ConfigEntry struct {
	NamespaceID string    `json:"namespace_id"` // 所属命名空间
	ConfigID    string    `json:"config_id"`    // 配置ID
	Content     string    `json:"content"`      // 配置内容（UTF-8文本）
	MD5         string    `json:"md5"`          // 内容的MD5（32位十六进制）
	Description string    `json:"description"`  // 配置描述
	CreatedAt   time.Time `json:"created_at"`   // 创建时间
	UpdatedAt   time.Time `json:"updated_at"`   // 更新时间
}

// ConfigHistoryEntry 表示配置的一条历史记录，仅追加不修改
type ConfigHistoryEntry struct {
	HistorySeq  uint64    `json:"history_seq"`  // 历史序号，同一配置内严格递增
	NamespaceID string    `json:"namespace_id"` // 所属命名空间
	ConfigID    string    `json:"config_id"`    // 配置ID
	Content     string    `json:"content"`      // 当次变更后的内容
	MD5         string    `json:"md5"`          // 内容的MD5
	Description string    `json:"description"`  // 当次变更的描述
	UpdatedAt   time.Time `json:"updated_at"`   // 变更时间
}

// DeletedMarker 删除配置时写入历史记录的描述标记
const DeletedMarker = "__DELETED__"

// ContentMD5 计算配置内容的MD5签名
func ContentMD5(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ConfigUpsertRequest 创建或更新配置的请求体
type ConfigUpsertRequest struct {
	NamespaceID string `json:"namespace_id"`
	ConfigID    string `json:"config_id"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

// ConfigDeleteRequest 删除配置的请求体
type ConfigDeleteRequest struct {
	NamespaceID string `json:"namespace_id"`
	ConfigID    string `json:"config_id"`
}

// ConfigRestoreRequest 恢复配置到某条历史记录的请求体
type ConfigRestoreRequest struct {
	NamespaceID string `json:"namespace_id"`
	ConfigID    string `json:"config_id"`
	HistorySeq  uint64 `json:"history_seq"`
}
