package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// ============================================================================
//                              Identity
// ============================================================================

// IdentityConfig 本地用户与设备标识
type IdentityConfig struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// DefaultIdentityConfig 默认身份（需要调用方填写）
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{}
}

// Validate 身份字段在 Client 构造时强制，这里只检查设备 ID 依赖用户 ID
func (c IdentityConfig) Validate() error {
	if c.DeviceID != "" && c.UserID == "" {
		return errors.New("identity: device_id set without user_id")
	}
	return nil
}

// ============================================================================
//                              Queue
// ============================================================================

// 溢出策略
const (
	OverflowEvictOldest         = "evict-oldest"
	OverflowEvictLowestPriority = "evict-lowest-priority"
	OverflowReject              = "reject"
)

// QueueConfig 离线发送队列配置
type QueueConfig struct {
	// MaxPerSession 每个会话最多排队消息数
	// 默认: 500
	MaxPerSession int `json:"max_per_session"`

	// MaxRetries 最大重试次数
	// 默认: 3
	MaxRetries int `json:"max_retries"`

	// BackoffBase / BackoffMax 指数退避参数
	// 默认: 1s / 30s
	BackoffBase Duration `json:"backoff_base"`
	BackoffMax  Duration `json:"backoff_max"`

	// LargePayloadThreshold 超过此大小的负载提升优先级
	// 默认: 64KiB
	LargePayloadThreshold int `json:"large_payload_threshold"`

	// HighPriorityBoost 显式高优先级加成，默认 10
	HighPriorityBoost int `json:"high_priority_boost"`

	// LargePayloadBoost 大负载加成，默认 5
	LargePayloadBoost int `json:"large_payload_boost"`

	// PriorityDecayInterval 加成每经过一个间隔衰减 1
	// 默认: 60s
	PriorityDecayInterval Duration `json:"priority_decay_interval"`

	// OverflowPolicy 超出上限时的处理方式
	// 默认: evict-lowest-priority
	OverflowPolicy string `json:"overflow_policy"`

	// FlushInterval 周期刷新间隔，默认 5s
	FlushInterval Duration `json:"flush_interval"`

	// ResyncInterval 全量持久化同步间隔，默认 30s
	ResyncInterval Duration `json:"resync_interval"`
}

// DefaultQueueConfig 默认队列配置
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxPerSession:         500,
		MaxRetries:            3,
		BackoffBase:           Duration(time.Second),
		BackoffMax:            Duration(30 * time.Second),
		LargePayloadThreshold: 64 << 10,
		HighPriorityBoost:     10,
		LargePayloadBoost:     5,
		PriorityDecayInterval: Duration(time.Minute),
		OverflowPolicy:        OverflowEvictLowestPriority,
		FlushInterval:         Duration(5 * time.Second),
		ResyncInterval:        Duration(30 * time.Second),
	}
}

// Validate 校验队列配置
func (c QueueConfig) Validate() error {
	if c.MaxPerSession <= 0 {
		return fmt.Errorf("queue: max_per_session must be positive, got %d", c.MaxPerSession)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("queue: max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("queue: invalid backoff %s..%s", c.BackoffBase, c.BackoffMax)
	}
	switch c.OverflowPolicy {
	case OverflowEvictOldest, OverflowEvictLowestPriority, OverflowReject:
	default:
		return fmt.Errorf("queue: unknown overflow_policy %q", c.OverflowPolicy)
	}
	if c.FlushInterval <= 0 || c.ResyncInterval <= 0 {
		return errors.New("queue: flush_interval and resync_interval must be positive")
	}
	return nil
}

// ============================================================================
//                              Delivery
// ============================================================================

// DeliveryConfig ACK/重试协议配置
type DeliveryConfig struct {
	// MessageTimeout 首次发送的 ACK 等待窗口，之后按退避翻倍
	// 默认: 10s
	MessageTimeout Duration `json:"message_timeout"`

	// MaxAckWindow ACK 窗口上限，默认 2m
	MaxAckWindow Duration `json:"max_ack_window"`

	// TimeoutScanInterval ACK 超时扫描间隔，默认 1s
	TimeoutScanInterval Duration `json:"timeout_scan_interval"`

	// AutoAck 处理器成功后自动回复 delivered，默认 true
	AutoAck bool `json:"auto_ack"`

	// MaxClockSkew 入站消息允许的未来时间偏差，0 表示不检查
	// 默认: 5m
	MaxClockSkew Duration `json:"max_clock_skew"`

	// DedupCacheSize 已投递消息 ID 去重缓存容量，默认 4096
	DedupCacheSize int `json:"dedup_cache_size"`
}

// DefaultDeliveryConfig 默认协议配置
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MessageTimeout:      Duration(10 * time.Second),
		MaxAckWindow:        Duration(2 * time.Minute),
		TimeoutScanInterval: Duration(time.Second),
		AutoAck:             true,
		MaxClockSkew:        Duration(5 * time.Minute),
		DedupCacheSize:      4096,
	}
}

// Validate 校验协议配置
func (c DeliveryConfig) Validate() error {
	if c.MessageTimeout <= 0 || c.MaxAckWindow < c.MessageTimeout {
		return fmt.Errorf("delivery: invalid ack window %s..%s", c.MessageTimeout, c.MaxAckWindow)
	}
	if c.TimeoutScanInterval <= 0 {
		return errors.New("delivery: timeout_scan_interval must be positive")
	}
	if c.MaxClockSkew < 0 {
		return errors.New("delivery: max_clock_skew must not be negative")
	}
	if c.DedupCacheSize <= 0 {
		return errors.New("delivery: dedup_cache_size must be positive")
	}
	return nil
}

// ============================================================================
//                              Heartbeat
// ============================================================================

// HeartbeatConfig 心跳配置
type HeartbeatConfig struct {
	// Interval Ping 间隔，默认 30s
	Interval Duration `json:"interval"`

	// Timeout Pong 等待时间，默认 10s
	Timeout Duration `json:"timeout"`

	// FailThreshold 连续失败多少次判定链路断开，默认 3
	FailThreshold int `json:"fail_threshold"`

	// AverageWindow 平均计算使用的最近样本数，默认 10
	AverageWindow int `json:"average_window"`

	// SampleCapacity 样本环大小，默认 100
	SampleCapacity int `json:"sample_capacity"`
}

// DefaultHeartbeatConfig 默认心跳配置
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:       Duration(30 * time.Second),
		Timeout:        Duration(10 * time.Second),
		FailThreshold:  3,
		AverageWindow:  10,
		SampleCapacity: 100,
	}
}

// Validate 校验心跳配置
func (c HeartbeatConfig) Validate() error {
	if c.Interval <= 0 || c.Timeout <= 0 {
		return errors.New("heartbeat: interval and timeout must be positive")
	}
	if c.FailThreshold <= 0 {
		return errors.New("heartbeat: fail_threshold must be positive")
	}
	if c.AverageWindow <= 0 || c.SampleCapacity < c.AverageWindow {
		return fmt.Errorf("heartbeat: invalid window %d of %d", c.AverageWindow, c.SampleCapacity)
	}
	return nil
}

// ============================================================================
//                              Storage
// ============================================================================

// 存储后端
const (
	StorageBadger = "badger"
	StorageMemory = "memory"
)

// StorageConfig 客户端持久化配置
//
// 数据目录结构：
//
//	${DataDir}/
//	└── msgsync.db/     # BadgerDB（队列快照、同步指针）
type StorageConfig struct {
	// Backend badger（磁盘）或 memory（badger 内存模式）
	Backend string `json:"backend"`

	// DataDir 数据目录，默认 ./data
	DataDir string `json:"data_dir"`

	// SyncWrites 每次写入同步落盘
	SyncWrites bool `json:"sync_writes"`
}

// DefaultStorageConfig 默认存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend: StorageBadger,
		DataDir: "./data",
	}
}

// Validate 校验存储配置
func (c StorageConfig) Validate() error {
	switch c.Backend {
	case StorageBadger:
		if c.DataDir == "" {
			return errors.New("storage: data_dir cannot be empty")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Backend)
	}
	return nil
}

// DBPath BadgerDB 数据库路径
func (c StorageConfig) DBPath() string {
	return filepath.Join(c.DataDir, "msgsync.db")
}

// ============================================================================
//                              Sync
// ============================================================================

// SyncConfig 多设备追赶配置
type SyncConfig struct {
	// PullLimit 每批最多拉取条数，默认 200
	PullLimit int `json:"pull_limit"`

	// MaxPendingRefs 每个设备保留的待同步 ID 上限，默认 1000
	MaxPendingRefs int `json:"max_pending_refs"`

	// ContiguousSenderAdvance 仅当发送设备已同步到 seq-1 时才推进其 LastSynced
	// 默认 false：发送设备的 LastSynced 直接推进到新序号
	ContiguousSenderAdvance bool `json:"contiguous_sender_advance"`
}

// DefaultSyncConfig 默认同步配置
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		PullLimit:      200,
		MaxPendingRefs: 1000,
	}
}

// Validate 校验同步配置
func (c SyncConfig) Validate() error {
	if c.PullLimit <= 0 {
		return errors.New("sync: pull_limit must be positive")
	}
	if c.MaxPendingRefs < 0 {
		return errors.New("sync: max_pending_refs must not be negative")
	}
	return nil
}

// ============================================================================
//                              Relay
// ============================================================================

// 序号存储后端
const (
	SequenceSQLite = "sqlite"
	SequenceBadger = "badger"
)

// RelayConfig 中继服务配置
type RelayConfig struct {
	// URL 客户端连接的中继 WebSocket 地址，例如 ws://127.0.0.1:7300/v1/ws
	URL string `json:"url"`

	// ListenAddr 服务端监听地址，默认 127.0.0.1:7300
	ListenAddr string `json:"listen_addr"`

	// SequenceBackend sqlite 或 badger，默认 sqlite
	SequenceBackend string `json:"sequence_backend"`

	// DataDir 服务端数据目录，默认 ./relay-data
	DataDir string `json:"data_dir"`

	// AllocMaxAttempts 序号冲突最大重试次数，默认 16
	AllocMaxAttempts int `json:"alloc_max_attempts"`

	// AckRouteCacheSize 消息 ID -> 来源设备的路由缓存容量，默认 65536
	AckRouteCacheSize int `json:"ack_route_cache_size"`

	// ReconnectBackoffMax 客户端重连退避上限，默认 30s
	ReconnectBackoffMax Duration `json:"reconnect_backoff_max"`
}

// DefaultRelayConfig 默认中继配置
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		ListenAddr:          "127.0.0.1:7300",
		SequenceBackend:     SequenceSQLite,
		DataDir:             "./relay-data",
		AllocMaxAttempts:    16,
		AckRouteCacheSize:   1 << 16,
		ReconnectBackoffMax: Duration(30 * time.Second),
	}
}

// Validate 校验中继配置
func (c RelayConfig) Validate() error {
	switch c.SequenceBackend {
	case SequenceSQLite, SequenceBadger:
	default:
		return fmt.Errorf("relay: unknown sequence_backend %q", c.SequenceBackend)
	}
	if c.AllocMaxAttempts <= 0 {
		return errors.New("relay: alloc_max_attempts must be positive")
	}
	if c.AckRouteCacheSize <= 0 {
		return errors.New("relay: ack_route_cache_size must be positive")
	}
	return nil
}

// ============================================================================
//                              Log
// ============================================================================

// LogConfig 日志配置
type LogConfig struct {
	// Level debug/info/warn/error
	Level string `json:"level"`

	// Format text/json
	Format string `json:"format"`
}

// DefaultLogConfig 默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "text"}
}

// Validate 校验日志配置
func (c LogConfig) Validate() error {
	switch c.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log: unknown format %q", c.Format)
	}
	return nil
}
