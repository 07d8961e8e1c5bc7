// Package storage 组装客户端持久化层
//
// 根据配置选择 badger 磁盘模式或内存模式，对外提供
// interfaces.Storage（队列快照、同步指针都通过它读写）。
package storage

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/storage/engine"
	"github.com/dep2p/go-msgsync/internal/core/storage/engine/badger"
	"github.com/dep2p/go-msgsync/internal/core/storage/kv"
	"github.com/dep2p/go-msgsync/internal/core/storage/kvstore"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
)

var logger = log.Logger("core/storage")

// ClientPrefix 客户端 Storage 能力使用的键前缀
var ClientPrefix = []byte("s/")

// Params Storage 模块依赖参数
type Params struct {
	fx.In

	UnifiedCfg *config.Config     `optional:"true"`
	External   interfaces.Storage `name:"external_storage" optional:"true"`
}

// Result Storage 模块提供的结果
type Result struct {
	fx.Out

	Engine  engine.Engine
	Storage interfaces.Storage
}

// Module 返回 Storage Fx 模块
//
// 提供:
//   - engine.Engine: 存储引擎（使用外部 Storage 时为 nil）
//   - interfaces.Storage: 客户端持久化能力
//
// 生命周期:
//   - OnStart: 启动引擎（GC 等后台任务）
//   - OnStop: 关闭引擎
func Module() fx.Option {
	return fx.Module("storage",
		fx.Provide(ProvideStorage),
		fx.Invoke(registerLifecycle),
	)
}

// ProvideStorage 提供存储引擎和 Storage 能力
//
// 调用方注入了外部 Storage 时直接使用，不打开本地引擎。
func ProvideStorage(p Params) (Result, error) {
	if p.External != nil {
		logger.Debug("使用外部 Storage 实现")
		return Result{Storage: p.External}, nil
	}

	cfg := ConfigFromUnified(p.UnifiedCfg)
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	eng, err := NewEngine(cfg)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Engine:  eng,
		Storage: NewClientStorage(eng),
	}, nil
}

type lifecycleParams struct {
	fx.In

	LC     fx.Lifecycle
	Engine engine.Engine `optional:"true"`
}

// registerLifecycle 注册生命周期钩子
func registerLifecycle(p lifecycleParams) {
	if p.Engine == nil {
		return
	}
	eng := p.Engine
	p.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("正在启动存储引擎")
			if err := eng.Start(); err != nil {
				logger.Error("存储引擎启动失败", "error", err)
				return err
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			logger.Info("正在关闭存储引擎")
			if err := eng.Close(); err != nil {
				logger.Warn("存储引擎关闭失败", "error", err)
				return err
			}
			return nil
		},
	})
}

// NewEngine 根据配置创建存储引擎
func NewEngine(cfg Config) (engine.Engine, error) {
	logger.Debug("创建存储引擎", "path", cfg.Path, "inMemory", cfg.InMemory)
	eng, err := badger.New(cfg.ToEngineConfig())
	if err != nil {
		logger.Error("创建存储引擎失败", "error", err)
		return nil, err
	}
	return eng, nil
}

// NewClientStorage 在引擎上创建客户端 Storage 能力
func NewClientStorage(eng engine.Engine) interfaces.Storage {
	return kvstore.New(kv.New(eng, ClientPrefix))
}

// NewMemory 创建内存模式的 Storage，调用方负责关闭返回的引擎
func NewMemory() (interfaces.Storage, engine.Engine, error) {
	eng, err := NewEngine(DefaultConfig().WithInMemory())
	if err != nil {
		return nil, nil, err
	}
	return NewClientStorage(eng), eng, nil
}
