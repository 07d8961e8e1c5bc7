package msgsync

import (
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/security/secretbox"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/types"
)

// Option 用户配置选项函数
type Option func(*options) error

// options 内部选项结构
type options struct {
	// 基础配置（WithConfig / WithConfigFile / WithPreset）
	base *config.Config

	// 预设，在基础配置之上应用
	preset *Preset

	// 身份
	userID   string
	deviceID string

	// 中继
	relayURL string
	syncURL  string

	// 存储
	dataDir       string
	memoryStorage bool

	// 外部注入的能力
	transport  interfaces.Transport
	storage    interfaces.Storage
	syncSource interfaces.SyncSource
	crypto     interfaces.Crypto
	keys       interfaces.KeyResolver

	clock clock.Clock

	// 用户自定义 Fx 选项
	fxOptions []fx.Option
}

func newOptions() *options {
	return &options{}
}

// toConfig 合并基础配置、预设与单项覆盖
func (o *options) toConfig() *config.Config {
	var cfg *config.Config
	if o.base != nil {
		cfg = o.base.Clone()
	} else {
		cfg = config.NewConfig()
	}

	if o.preset != nil {
		o.preset.Apply(cfg)
	}

	if o.userID != "" {
		cfg.Identity.UserID = o.userID
	}
	if o.deviceID != "" {
		cfg.Identity.DeviceID = o.deviceID
	}
	if o.relayURL != "" {
		cfg.Relay.URL = o.relayURL
	}
	if o.dataDir != "" {
		cfg.Storage.DataDir = o.dataDir
	}
	if o.memoryStorage {
		cfg.Storage.Backend = config.StorageMemory
	}
	return cfg
}

// ============================================================================
//                              配置选项
// ============================================================================

// WithConfig 使用完整配置作为基础
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return errors.New("config cannot be nil")
		}
		o.base = cfg
		return nil
	}
}

// WithConfigFile 从 JSON 文件加载基础配置
func WithConfigFile(path string) Option {
	return func(o *options) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		o.base = cfg
		return nil
	}
}

// WithPreset 使用预设配置
//
//   - PresetMobile: 省电，心跳与刷新间隔更长
//   - PresetDesktop: 默认配置
//   - PresetTest: 内存存储，短间隔
func WithPreset(preset *Preset) Option {
	return func(o *options) error {
		if preset == nil {
			return errors.New("preset cannot be nil")
		}
		o.preset = preset
		return nil
	}
}

// ============================================================================
//                              身份与中继
// ============================================================================

// WithIdentity 设置本地用户与设备
func WithIdentity(userID, deviceID string) Option {
	return func(o *options) error {
		if err := types.ValidateIdentifier("userId", userID); err != nil {
			return err
		}
		if err := types.ValidateIdentifier("deviceId", deviceID); err != nil {
			return err
		}
		o.userID = userID
		o.deviceID = deviceID
		return nil
	}
}

// WithRelayURL 设置中继 WebSocket 地址
//
// 未通过 WithSyncURL 指定时，同步接口地址由此推导（ws→http，去掉路径）。
func WithRelayURL(url string) Option {
	return func(o *options) error {
		if url == "" {
			return errors.New("relay url cannot be empty")
		}
		o.relayURL = url
		return nil
	}
}

// WithSyncURL 设置中继 HTTP 同步接口地址，例如 http://127.0.0.1:7300
func WithSyncURL(url string) Option {
	return func(o *options) error {
		o.syncURL = url
		return nil
	}
}

// WithTransport 使用外部传输，替代内置 WebSocket 传输
func WithTransport(tr interfaces.Transport) Option {
	return func(o *options) error {
		if tr == nil {
			return errors.New("transport cannot be nil")
		}
		o.transport = tr
		return nil
	}
}

// WithSyncSource 使用外部追赶数据来源，替代 HTTP 同步客户端
func WithSyncSource(src interfaces.SyncSource) Option {
	return func(o *options) error {
		if src == nil {
			return errors.New("sync source cannot be nil")
		}
		o.syncSource = src
		return nil
	}
}

// ============================================================================
//                              存储
// ============================================================================

// WithDataDir 设置数据目录
func WithDataDir(dir string) Option {
	return func(o *options) error {
		if dir == "" {
			return errors.New("data dir cannot be empty")
		}
		o.dataDir = dir
		return nil
	}
}

// WithMemoryStorage 使用 badger 内存模式，进程退出后队列不保留
func WithMemoryStorage() Option {
	return func(o *options) error {
		o.memoryStorage = true
		return nil
	}
}

// WithStorage 使用外部 Storage 实现
func WithStorage(s interfaces.Storage) Option {
	return func(o *options) error {
		if s == nil {
			return errors.New("storage cannot be nil")
		}
		o.storage = s
		return nil
	}
}

// ============================================================================
//                              加解密
// ============================================================================

// WithCrypto 设置加解密能力与会话密钥来源
func WithCrypto(c interfaces.Crypto, keys interfaces.KeyResolver) Option {
	return func(o *options) error {
		if c == nil || keys == nil {
			return errors.New("crypto and key resolver are both required")
		}
		o.crypto = c
		o.keys = keys
		return nil
	}
}

// WithSharedSecret 使用内置 secretbox，会话密钥由共享秘密按会话派生
func WithSharedSecret(secret []byte) Option {
	return func(o *options) error {
		if len(secret) == 0 {
			return fmt.Errorf("shared secret cannot be empty")
		}
		o.crypto = secretbox.New()
		o.keys = secretbox.SharedSecretResolver(secret)
		return nil
	}
}

// ============================================================================
//                              其他
// ============================================================================

// WithClock 注入时钟（测试使用 clock.NewMock）
func WithClock(clk clock.Clock) Option {
	return func(o *options) error {
		if clk == nil {
			return errors.New("clock cannot be nil")
		}
		o.clock = clk
		return nil
	}
}

// WithFxOption 追加自定义 Fx 选项
func WithFxOption(opts ...fx.Option) Option {
	return func(o *options) error {
		o.fxOptions = append(o.fxOptions, opts...)
		return nil
	}
}
