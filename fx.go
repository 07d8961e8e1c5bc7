package msgsync

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/metrics"
	"github.com/dep2p/go-msgsync/internal/core/netmon"
	"github.com/dep2p/go-msgsync/internal/core/reconcile"
	"github.com/dep2p/go-msgsync/internal/core/storage"
	"github.com/dep2p/go-msgsync/internal/protocol/delivery"
	"github.com/dep2p/go-msgsync/internal/protocol/heartbeat"
	"github.com/dep2p/go-msgsync/internal/protocol/queue"
	"github.com/dep2p/go-msgsync/internal/server"
	"github.com/dep2p/go-msgsync/internal/transport/ws"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/protocol"
)

var fxLogger = log.Logger("msgsync/fx")

// buildFxApp 构建 Fx 应用
//
// 装配顺序（按依赖）：
//
//	config → storage → metrics → netmon → queue → transport → delivery → heartbeat → catch-up
//
// 停止顺序相反：心跳与投递先停，队列做最后一次持久化，最后关闭存储引擎。
func buildFxApp(o *options, cfg *config.Config, c *Client) (*fx.App, error) {
	clk := o.clock
	if clk == nil {
		clk = clock.New()
	}

	modules := []fx.Option{
		fx.Supply(cfg),
		fx.Supply(o),
		fx.Supply(c.rt),
		fx.Provide(func() clock.Clock { return clk }),
	}

	// ════════════════════════════════════════════════════════════════════════
	// 存储：外部注入优先
	// ════════════════════════════════════════════════════════════════════════
	if o.storage != nil {
		external := o.storage
		modules = append(modules, fx.Provide(
			fx.Annotate(
				func() interfaces.Storage { return external },
				fx.ResultTags(`name:"external_storage"`),
			),
		))
	}
	modules = append(modules,
		storage.Module(),
		metrics.Module,
	)

	// ════════════════════════════════════════════════════════════════════════
	// 客户端组件
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		fx.Provide(
			provideMonitor,
			provideQueue,
			provideTransport,
			provideDelivery,
			provideHeartbeat,
			provideCatchUp,
		),
		fx.Invoke(registerLifecycle),
		fx.Invoke(func(comp components) {
			c.comp = comp
		}),
	)

	// ════════════════════════════════════════════════════════════════════════
	// 用户扩展与日志
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, o.fxOptions...)
	modules = append(modules, fx.WithLogger(func() fxevent.Logger {
		return &fxevent.ZapLogger{Logger: zap.NewNop()}
	}))

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		fxLogger.Error("组件装配失败", "error", err)
		return nil, err
	}
	return app, nil
}

// runtime 后台任务使用的上下文，Close 时取消
//
// fx 的 OnStart 上下文带超时，不能交给长期运行的任务。
type runtime struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newRuntime() *runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &runtime{ctx: ctx, cancel: cancel}
}

// components 装配完成的客户端组件
type components struct {
	fx.In

	Config    *config.Config
	Storage   interfaces.Storage
	Metrics   *metrics.Metrics
	Monitor   *netmon.Monitor
	Queue     *queue.MessageQueue
	Transport transportHandle
	Delivery  *delivery.Protocol
	Heartbeat *heartbeat.Heartbeat
	CatchUp   *reconcile.CatchUp
}

// ════════════════════════════════════════════════════════════════════════════
//                              Providers
// ════════════════════════════════════════════════════════════════════════════

func provideMonitor(cfg *config.Config, clk clock.Clock) *netmon.Monitor {
	return netmon.NewMonitor(
		netmon.WithClock(clk),
		netmon.WithFailThreshold(cfg.Heartbeat.FailThreshold),
	)
}

func provideQueue(cfg *config.Config, clk clock.Clock, st interfaces.Storage, m *metrics.Metrics) *queue.MessageQueue {
	return queue.New(queue.ConfigFromUnified(cfg),
		queue.WithClock(clk),
		queue.WithStorage(st),
		queue.WithMetrics(m),
	)
}

// transportHandle 传输及其所有权
//
// 内置 WebSocket 传输由客户端启动和关闭；外部注入的传输由调用方管理。
type transportHandle struct {
	interfaces.Transport
	owned *ws.Transport
}

func provideTransport(o *options, cfg *config.Config, clk clock.Clock, m *metrics.Metrics) (transportHandle, error) {
	if o.transport != nil {
		return transportHandle{Transport: o.transport}, nil
	}
	if cfg.Relay.URL == "" {
		return transportHandle{}, ErrNoTransport
	}
	tr, err := ws.New(ws.ConfigFromUnified(cfg), ws.WithClock(clk), ws.WithReporter(m))
	if err != nil {
		return transportHandle{}, err
	}
	return transportHandle{Transport: tr, owned: tr}, nil
}

func provideDelivery(
	o *options,
	cfg *config.Config,
	clk clock.Clock,
	tr transportHandle,
	q *queue.MessageQueue,
	mon *netmon.Monitor,
	m *metrics.Metrics,
) (*delivery.Protocol, error) {
	opts := []delivery.Option{
		delivery.WithClock(clk),
		delivery.WithLocalID(cfg.Identity.UserID),
		delivery.WithMonitor(mon),
		delivery.WithMetrics(m),
	}
	if o.crypto != nil {
		opts = append(opts, delivery.WithCrypto(o.crypto, o.keys))
	}
	return delivery.New(delivery.ConfigFromUnified(cfg), tr.Transport, q, opts...)
}

func provideHeartbeat(
	cfg *config.Config,
	clk clock.Clock,
	d *delivery.Protocol,
	mon *netmon.Monitor,
	m *metrics.Metrics,
) *heartbeat.Heartbeat {
	hb := heartbeat.New(heartbeat.ConfigFromUnified(cfg), d.SendEnvelope,
		heartbeat.WithClock(clk),
		heartbeat.WithMonitor(mon),
		heartbeat.WithMetrics(m),
	)
	d.SetPongHandler(func(pong *protocol.Pong, now time.Time) {
		hb.HandlePong(pong, now)
	})
	return hb
}

// provideCatchUp 追赶驱动；没有同步来源时为 nil
func provideCatchUp(o *options, cfg *config.Config, clk clock.Clock, st interfaces.Storage) (*reconcile.CatchUp, error) {
	src := o.syncSource
	if src == nil {
		base := o.syncURL
		if base == "" && cfg.Relay.URL != "" {
			derived, err := syncURLFromRelay(cfg.Relay.URL)
			if err != nil {
				return nil, err
			}
			base = derived
		}
		if base == "" {
			return nil, nil
		}
		src = server.NewSyncClient(base, nil)
	}
	return reconcile.NewCatchUp(src, st, cfg.Identity.DeviceID,
		reconcile.WithPullLimit(cfg.Sync.PullLimit),
		reconcile.WithCatchUpClock(clk),
	), nil
}

// syncURLFromRelay ws://host:port/v1/ws → http://host:port
func syncURLFromRelay(relay string) (string, error) {
	u, err := url.Parse(relay)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("relay url scheme %q: want ws or wss", u.Scheme)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              生命周期
// ════════════════════════════════════════════════════════════════════════════

type lifecycleParams struct {
	fx.In

	LC        fx.Lifecycle
	Runtime   *runtime
	Monitor   *netmon.Monitor
	Queue     *queue.MessageQueue
	Transport transportHandle
	Delivery  *delivery.Protocol
	Heartbeat *heartbeat.Heartbeat
}

// registerLifecycle 注册客户端组件的启停钩子
//
// 每个组件一个钩子，fx 按注册的逆序停止。
func registerLifecycle(p lifecycleParams) {
	rt := p.Runtime

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			n, err := p.Queue.Load()
			if err != nil {
				fxLogger.Warn("恢复离线队列失败", "error", err)
			} else if n > 0 {
				fxLogger.Info("已恢复离线队列", "messages", n)
			}
			p.Queue.Start(rt.ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			p.Queue.Stop()
			p.Monitor.Close()
			return nil
		},
	})

	if tr := p.Transport.owned; tr != nil {
		p.LC.Append(fx.Hook{
			OnStart: func(context.Context) error {
				tr.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				return tr.Close()
			},
		})
	}

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if p.Transport.Connected() {
				p.Monitor.SetOnline(true, netmon.ReasonTransport)
			}
			p.Delivery.Start(rt.ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			p.Delivery.Stop()
			return nil
		},
	})

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Heartbeat.Start(rt.ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			p.Heartbeat.Stop()
			return nil
		},
	})
}
