package storage

import (
	"errors"
	"time"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/storage/engine"
)

// ErrInvalidConfig 存储配置无效
var ErrInvalidConfig = errors.New("storage: invalid configuration")

// Config Storage 模块配置
//
// 测试代码使用 InMemory 或 t.TempDir()。
type Config struct {
	// Path BadgerDB 数据库目录（InMemory 时忽略）
	Path string

	// InMemory badger 内存模式
	InMemory bool

	// SyncWrites 每次写入同步到磁盘
	SyncWrites bool

	// GCInterval 值日志 GC 间隔
	GCInterval time.Duration

	// GCDiscardRatio 值日志 GC 丢弃比例
	GCDiscardRatio float64

	// BlockCacheSize 块缓存大小（字节）
	BlockCacheSize int64
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Path:           "./data/msgsync.db",
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
		BlockCacheSize: 64 << 20,
	}
}

// ConfigFromUnified 从统一配置创建 Storage 配置
func ConfigFromUnified(cfg *config.Config) Config {
	storageCfg := DefaultConfig()
	if cfg == nil {
		return storageCfg
	}

	switch cfg.Storage.Backend {
	case config.StorageMemory:
		storageCfg.InMemory = true
		storageCfg.Path = ""
	default:
		storageCfg.Path = cfg.Storage.DBPath()
	}
	storageCfg.SyncWrites = cfg.Storage.SyncWrites
	return storageCfg
}

// ToEngineConfig 转换为引擎配置
func (c *Config) ToEngineConfig() *engine.Config {
	if c.InMemory {
		return engine.MemoryConfig()
	}

	engineCfg := engine.DefaultConfig(c.Path)
	engineCfg.SyncWrites = c.SyncWrites
	engineCfg.GCInterval = c.GCInterval
	engineCfg.GCDiscardRatio = c.GCDiscardRatio
	if c.BlockCacheSize > 0 {
		engineCfg.BlockCacheSize = c.BlockCacheSize
	}
	return engineCfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return ErrInvalidConfig
	}
	if c.GCInterval > 0 && c.GCInterval < time.Minute {
		c.GCInterval = time.Minute
	}
	if c.GCDiscardRatio <= 0 || c.GCDiscardRatio > 1 {
		c.GCDiscardRatio = 0.5
	}
	return nil
}

// WithPath 设置存储路径
func (c Config) WithPath(path string) Config {
	c.Path = path
	c.InMemory = false
	return c
}

// WithInMemory 切换到内存模式
func (c Config) WithInMemory() Config {
	c.InMemory = true
	c.Path = ""
	return c
}
