package model

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// InstanceStatus 表示服务实例健康状态
type InstanceStatus string

const (
	// InstanceHealthy 健康状态，心跳正常
	InstanceHealthy InstanceStatus = "HEALTHY"
	// InstanceUnhealthy 不健康状态，心跳超时但未达到摘除阈值
	InstanceUnhealthy InstanceStatus = "UNHEALTHY"
	// InstanceRemoved 已摘除状态，长时间无心跳
	InstanceRemoved InstanceStatus = "REMOVED"
)

// ServiceInstance 表示一个服务实例
type ServiceInstance struct {
	NamespaceID   string            `json:"namespace_id"`   // 所属命名空间
	ServiceID     string            `json:"service_id"`     // 服务ID
	Address       string            `json:"address"`        // 实例地址
	Port          int               `json:"port"`           // 实例端口
	Metadata      map[string]string `json:"metadata"`       // 实例元数据
	Weight        float32           `json:"weight"`         // 权重，>=0，默认1.0
	Ephemeral     bool              `json:"ephemeral"`      // 是否临时实例，默认true
	Status        InstanceStatus    `json:"status"`         // 健康状态
	RegisteredAt  time.Time         `json:"registered_at"`  // 注册时间
	LastHeartbeat time.Time         `json:"last_heartbeat"` // 最后心跳时间
}

// InstanceKey 返回实例在服务内的唯一键 "addr:port"
func (s *ServiceInstance) InstanceKey() string {
	return InstanceKey(s.Address, s.Port)
}

// InstanceKey 拼接实例键
func InstanceKey(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}

// InstanceID 返回实例键的MD5，作为对外暴露的实例ID
func (s *ServiceInstance) InstanceID() string {
	sum := md5.Sum([]byte(s.InstanceKey()))
	return hex.EncodeToString(sum[:])
}

// MetadataMD5 计算元数据的稳定MD5签名，用于反熵摘要比对
func (s *ServiceInstance) MetadataMD5() string {
	keys := make([]string, 0, len(s.Metadata))
	for k := range s.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := md5.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(s.Metadata[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ServiceRegisterRequest 注册服务实例的请求体
type ServiceRegisterRequest struct {
	NamespaceID string            `json:"namespace_id"`
	ServiceID   string            `json:"service_id"`
	Address     string            `json:"address"`
	Port        int               `json:"port"`
	Metadata    map[string]string `json:"metadata"`
	Weight      *float32          `json:"weight,omitempty"`
	Ephemeral   *bool             `json:"ephemeral,omitempty"`
}

// ServiceInstanceRequest 指向单个实例的请求体（注销、心跳共用）
type ServiceInstanceRequest struct {
	NamespaceID string `json:"namespace_id"`
	ServiceID   string `json:"service_id"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
}
