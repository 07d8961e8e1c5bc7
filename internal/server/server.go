// Package server 实现中继服务
//
// 设备通过 WebSocket 连接 /v1/ws?user=<用户>&device=<设备>。中继对入站聊天
// 消息分配会话序号、更新各设备同步进度，然后转发给收件人的在线设备
// 以及发件人的其他设备。收件人不在线时中继在落库后代为确认（存储转发），
// 离线设备之后通过 HTTP 同步接口追赶：
//
//	POST /v1/sync/register  {conversationId, deviceId}
//	POST /v1/sync/pull      {conversationId, deviceId, limit}
//	POST /v1/sync/advance   {conversationId, deviceId, upTo}
//	GET  /metrics
//	GET  /health
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/metrics"
	"github.com/dep2p/go-msgsync/internal/core/reconcile"
	"github.com/dep2p/go-msgsync/internal/core/sequence"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
)

var logger = log.Logger("server")

// Server 中继服务
type Server struct {
	cfg      config.RelayConfig
	maxSkew  time.Duration
	clk      clock.Clock
	metrics  *metrics.Metrics
	backend  Backend
	ownStore bool

	alloc   *sequence.Allocator
	tracker *reconcile.Tracker

	upgrader websocket.Upgrader
	routes   *lru.Cache[string, route]

	mu    sync.RWMutex
	peers map[string]map[string]*peer // user -> device -> peer

	httpSrv  *http.Server
	listener net.Listener
	closed   bool
}

// Option 服务选项
type Option func(*Server)

// WithBackend 使用外部存储（调用方负责关闭）
func WithBackend(b Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// WithClock 设置时钟
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New 创建中继服务
//
// 未通过 WithBackend 提供存储时按 cfg.Relay 打开。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Relay.Validate(); err != nil {
		return nil, err
	}

	routes, err := lru.New[string, route](cfg.Relay.AckRouteCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg.Relay,
		maxSkew: cfg.Delivery.MaxClockSkew.Std(),
		clk:     clock.New(),
		routes:  routes,
		peers:   make(map[string]map[string]*peer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(metrics.DefaultNamespace)
	}
	if s.backend == nil {
		b, err := OpenBackend(ctx, cfg.Relay)
		if err != nil {
			return nil, err
		}
		s.backend = b
		s.ownStore = true
	}

	allocOpts := append(sequence.AllocatorOptionsFromUnified(cfg),
		sequence.WithMetrics(s.metrics),
		sequence.WithNow(s.clk.Now))
	s.alloc = sequence.NewAllocator(s.backend, allocOpts...)
	s.tracker = reconcile.NewTracker(reconcile.ConfigFromUnified(cfg), s.backend, s.backend, reconcile.WithClock(s.clk))

	return s, nil
}

// Tracker 同步进度跟踪器
func (s *Server) Tracker() *reconcile.Tracker {
	return s.tracker
}

// Metrics 指标
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Handler 返回完整的 HTTP 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", s.serveWS)
	mux.HandleFunc("/v1/sync/register", s.handleRegister)
	mux.HandleFunc("/v1/sync/pull", s.handlePull)
	mux.HandleFunc("/v1/sync/advance", s.handleAdvance)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start 在 ListenAddr 上开始服务
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpSrv
	s.mu.Unlock()

	logger.Info("中继服务已启动", "addr", ln.Addr().String(), "backend", s.cfg.SequenceBackend)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP 服务异常退出", "error", err)
		}
	}()
	return nil
}

// Addr 实际监听地址（Start 之后有效）
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close 停止服务，断开所有设备并关闭自有存储
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.httpSrv
	var peers []*peer
	for _, devices := range s.peers {
		for _, p := range devices {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	if srv != nil {
		g.Go(func() error { return srv.Shutdown(ctx) })
	}
	for _, p := range peers {
		g.Go(func() error {
			p.close()
			return nil
		})
	}
	err := g.Wait()

	if s.ownStore {
		err = multierr.Append(err, s.backend.Close())
	}
	logger.Info("中继服务已停止")
	return err
}
