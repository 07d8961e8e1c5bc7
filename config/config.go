// Package config 提供统一的配置管理
//
// 主 Config 嵌入各组件子配置，每个子配置在独立文件中定义，
// 支持从 JSON 加载并在使用前统一校验。
//
//	cfg := config.NewConfig()
//	cfg.Identity.UserID = "alice"
//	cfg.Identity.DeviceID = "alice-phone"
//
//	cfg, err := config.LoadFile("msgsync.json")
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/multierr"
)

// Config msgsync 完整配置
type Config struct {
	// Identity 本地身份
	Identity IdentityConfig `json:"identity"`

	// Queue 离线发送队列
	Queue QueueConfig `json:"queue"`

	// Delivery ACK/重试协议
	Delivery DeliveryConfig `json:"delivery"`

	// Heartbeat 心跳与连接质量
	Heartbeat HeartbeatConfig `json:"heartbeat"`

	// Storage 客户端持久化
	Storage StorageConfig `json:"storage"`

	// Sync 多设备追赶
	Sync SyncConfig `json:"sync"`

	// Relay 中继服务端（仅 relay 进程使用）
	Relay RelayConfig `json:"relay"`

	// Log 日志
	Log LogConfig `json:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Identity:  DefaultIdentityConfig(),
		Queue:     DefaultQueueConfig(),
		Delivery:  DefaultDeliveryConfig(),
		Heartbeat: DefaultHeartbeatConfig(),
		Storage:   DefaultStorageConfig(),
		Sync:      DefaultSyncConfig(),
		Relay:     DefaultRelayConfig(),
		Log:       DefaultLogConfig(),
	}
}

// Validate 校验全部子配置，返回合并后的错误
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	return multierr.Combine(
		c.Identity.Validate(),
		c.Queue.Validate(),
		c.Delivery.Validate(),
		c.Heartbeat.Validate(),
		c.Storage.Validate(),
		c.Sync.Validate(),
		c.Relay.Validate(),
		c.Log.Validate(),
	)
}

// FromJSON 从 JSON 创建配置，未出现的字段保留默认值
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFile 从文件加载配置
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return FromJSON(data)
}

// Clone 深拷贝配置
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
