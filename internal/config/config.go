package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode 节点启动模式
type Mode string

const (
	// ModeStandalone 单机模式，首次启动自动初始化单节点集群
	ModeStandalone Mode = "standalone"
	// ModeCluster 集群模式，等待init命令初始化成员
	ModeCluster Mode = "cluster"
)

// Config 应用程序配置结构
type Config struct {
	// 节点配置
	Node struct {
		ID            uint64 `mapstructure:"id"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
		AdvertiseAddr string `mapstructure:"advertise_addr"`
		DataDir       string `mapstructure:"data_dir"`
		Mode          string `mapstructure:"mode"`
	} `mapstructure:"node"`

	// Raft配置
	Raft struct {
		ElectionTimeoutMinMs int `mapstructure:"election_timeout_min_ms"`
		ElectionTimeoutMaxMs int `mapstructure:"election_timeout_max_ms"`
		HeartbeatIntervalMs  int `mapstructure:"heartbeat_interval_ms"`
		SnapshotThreshold    int `mapstructure:"snapshot_threshold"`
		MaxAppendEntries     int `mapstructure:"max_append_entries"`
		PromoteMaxLag        int `mapstructure:"promote_max_lag"`
	} `mapstructure:"raft"`

	// 注册中心配置
	Registry struct {
		UnhealthyTimeoutMs int `mapstructure:"unhealthy_timeout_ms"`
		RemoveTimeoutMs    int `mapstructure:"remove_timeout_ms"`
		SweepIntervalMs    int `mapstructure:"sweep_interval_ms"`
		DigestIntervalMs   int `mapstructure:"digest_interval_ms"`
		DeltaBatchMs       int `mapstructure:"delta_batch_ms"`
		FailoverGraceMs    int `mapstructure:"failover_grace_ms"`
	} `mapstructure:"registry"`

	// 配置监听（长轮询）配置
	Watch struct {
		DefaultTimeoutMs int `mapstructure:"default_timeout_ms"`
		MaxTimeoutMs     int `mapstructure:"max_timeout_ms"`
		MaxPerClient     int `mapstructure:"max_per_client"`
	} `mapstructure:"watch"`

	// 配置缓存
	Cache struct {
		Size int `mapstructure:"size"`
	} `mapstructure:"cache"`

	// 关闭配置
	Shutdown struct {
		DrainTimeoutMs int `mapstructure:"drain_timeout_ms"`
	} `mapstructure:"shutdown"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 设置配置文件名和路径
		v.SetConfigName("conreg")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/conreg")
	}

	// 配置文件格式
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 如果找不到配置文件，仅使用默认值；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("CONREG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 节点默认配置
	v.SetDefault("node.id", 1)
	v.SetDefault("node.listen_address", "0.0.0.0")
	v.SetDefault("node.port", 8000)
	v.SetDefault("node.advertise_addr", "")
	v.SetDefault("node.data_dir", "./data")
	v.SetDefault("node.mode", string(ModeCluster))

	// Raft默认配置
	v.SetDefault("raft.election_timeout_min_ms", 150)
	v.SetDefault("raft.election_timeout_max_ms", 300)
	v.SetDefault("raft.heartbeat_interval_ms", 50)
	v.SetDefault("raft.snapshot_threshold", 10000)
	v.SetDefault("raft.max_append_entries", 64)
	v.SetDefault("raft.promote_max_lag", 50)

	// 注册中心默认配置
	v.SetDefault("registry.unhealthy_timeout_ms", 15000)
	v.SetDefault("registry.remove_timeout_ms", 30000)
	v.SetDefault("registry.sweep_interval_ms", 1000)
	v.SetDefault("registry.digest_interval_ms", 5000)
	v.SetDefault("registry.delta_batch_ms", 1000)
	v.SetDefault("registry.failover_grace_ms", 10000)

	// 长轮询默认配置
	v.SetDefault("watch.default_timeout_ms", 30000)
	v.SetDefault("watch.max_timeout_ms", 30000)
	v.SetDefault("watch.max_per_client", 1024)

	// 缓存默认配置
	v.SetDefault("cache.size", 16384)

	// 关闭默认配置
	v.SetDefault("shutdown.drain_timeout_ms", 10000)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// Advertise 返回对外公布的节点地址
func (c *Config) Advertise() string {
	if c.Node.AdvertiseAddr != "" {
		return c.Node.AdvertiseAddr
	}
	host := c.Node.ListenAddress
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, c.Node.Port)
}

// ElectionTimeoutMin 选举超时下界
func (c *Config) ElectionTimeoutMin() time.Duration {
	return time.Duration(c.Raft.ElectionTimeoutMinMs) * time.Millisecond
}

// ElectionTimeoutMax 选举超时上界
func (c *Config) ElectionTimeoutMax() time.Duration {
	return time.Duration(c.Raft.ElectionTimeoutMaxMs) * time.Millisecond
}

// HeartbeatInterval Leader心跳间隔
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Raft.HeartbeatIntervalMs) * time.Millisecond
}
