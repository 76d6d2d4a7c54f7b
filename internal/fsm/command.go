package fsm

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandType 状态机命令类型
type CommandType string

const (
	// CmdPutConfig 创建或更新配置
	CmdPutConfig CommandType = "put_config"
	// CmdDeleteConfig 删除配置
	CmdDeleteConfig CommandType = "delete_config"
	// CmdCreateNamespace 创建命名空间
	CmdCreateNamespace CommandType = "create_namespace"
	// CmdDeleteNamespace 删除命名空间
	CmdDeleteNamespace CommandType = "delete_namespace"
	// CmdRestoreConfig 恢复配置到某条历史记录
	CmdRestoreConfig CommandType = "restore_config"
)

// Command 是写入Raft日志的状态机命令。
// Timestamp由Leader在提案时填入，各副本应用时使用同一时间戳，
// 保证created_at/updated_at跨副本一致。
type Command struct {
	Type        CommandType `json:"type"`
	NamespaceID string      `json:"namespace_id,omitempty"`
	ConfigID    string      `json:"config_id,omitempty"`
	Content     string      `json:"content,omitempty"`
	Description string      `json:"description,omitempty"`
	Name        string      `json:"name,omitempty"`
	HistorySeq  uint64      `json:"history_seq,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Encode 序列化命令为日志载荷
func (c *Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand 从日志载荷解析命令
func DecodeCommand(payload []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("fsm: 解析命令失败: %w", err)
	}
	return &cmd, nil
}
