package msgsync

import (
	"time"

	"github.com/dep2p/go-msgsync/config"
)

// ════════════════════════════════════════════════════════════════════════════
//                              预设
// ════════════════════════════════════════════════════════════════════════════

// 预设名称常量
const (
	PresetNameMobile  = "mobile"
	PresetNameDesktop = "desktop"
	PresetNameTest    = "test"
)

// Preset 场景预设
type Preset struct {
	Name  string
	Apply func(cfg *config.Config)
}

var (
	// PresetMobile 移动端：心跳与刷新间隔更长，队列更小
	PresetMobile = &Preset{
		Name: PresetNameMobile,
		Apply: func(cfg *config.Config) {
			cfg.Heartbeat.Interval = config.Duration(60 * time.Second)
			cfg.Heartbeat.Timeout = config.Duration(15 * time.Second)
			cfg.Queue.FlushInterval = config.Duration(10 * time.Second)
			cfg.Queue.ResyncInterval = config.Duration(60 * time.Second)
			cfg.Queue.MaxPerSession = 200
			cfg.Sync.PullLimit = 100
		},
	}

	// PresetDesktop 桌面端（默认配置）
	PresetDesktop = &Preset{
		Name:  PresetNameDesktop,
		Apply: func(*config.Config) {},
	}

	// PresetTest 测试：内存存储，短间隔
	PresetTest = &Preset{
		Name: PresetNameTest,
		Apply: func(cfg *config.Config) {
			cfg.Storage.Backend = config.StorageMemory
			cfg.Heartbeat.Interval = config.Duration(time.Second)
			cfg.Heartbeat.Timeout = config.Duration(500 * time.Millisecond)
			cfg.Queue.FlushInterval = config.Duration(200 * time.Millisecond)
			cfg.Queue.BackoffBase = config.Duration(100 * time.Millisecond)
			cfg.Queue.BackoffMax = config.Duration(time.Second)
			cfg.Delivery.MessageTimeout = config.Duration(time.Second)
			cfg.Delivery.MaxAckWindow = config.Duration(5 * time.Second)
			cfg.Delivery.TimeoutScanInterval = config.Duration(100 * time.Millisecond)
			cfg.Relay.ReconnectBackoffMax = config.Duration(time.Second)
		},
	}
)

// PresetByName 按名称返回预设，未知名称返回桌面端预设
func PresetByName(name string) *Preset {
	switch name {
	case PresetNameMobile:
		return PresetMobile
	case PresetNameTest:
		return PresetTest
	default:
		return PresetDesktop
	}
}
