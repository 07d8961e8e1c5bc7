package engine

import (
	"os"
	"path/filepath"
	"time"
)

// Config 存储引擎配置
//
// 测试代码使用 t.TempDir() 或 InMemory 模式。
type Config struct {
	// Path 数据目录路径（InMemory 时忽略）
	Path string

	// InMemory 纯内存模式，进程退出后数据丢失
	InMemory bool

	// SyncWrites 每次写入同步到磁盘
	SyncWrites bool

	// ReadOnly 只读模式
	ReadOnly bool

	// BlockCacheSize 块缓存大小（字节），默认 64MB
	BlockCacheSize int64

	// MemTableSize 内存表大小（字节），默认 16MB
	MemTableSize int64

	// GCInterval 值日志 GC 间隔，0 关闭，默认 10 分钟
	GCInterval time.Duration

	// GCDiscardRatio 值日志 GC 丢弃比例，默认 0.5
	GCDiscardRatio float64
}

// DefaultConfig 返回磁盘模式默认配置
func DefaultConfig(path string) *Config {
	return &Config{
		Path:           path,
		BlockCacheSize: 64 << 20,
		MemTableSize:   16 << 20,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// MemoryConfig 返回内存模式配置
func MemoryConfig() *Config {
	cfg := DefaultConfig("")
	cfg.InMemory = true
	cfg.GCInterval = 0
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return ErrInvalidConfig
	}
	if c.MemTableSize < 1<<20 {
		return ErrInvalidConfig
	}
	if c.GCDiscardRatio <= 0 || c.GCDiscardRatio > 1 {
		c.GCDiscardRatio = 0.5
	}
	return nil
}

// EnsureDir 确保数据目录存在
func (c *Config) EnsureDir() error {
	if c.InMemory {
		return nil
	}
	absPath, err := filepath.Abs(c.Path)
	if err != nil {
		return err
	}
	c.Path = absPath
	return os.MkdirAll(c.Path, 0o755)
}
