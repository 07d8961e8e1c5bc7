// Package memory 提供进程内回环传输
//
// Pipe 返回一对互联的端点。每个端点有独立的投递协程，
// 入站帧按发送顺序异步交给 OnMessage 回调，回调中可以安全地再次 Send。
// 链路可以整体断开/恢复，用于模拟离线场景。
package memory

import (
	"context"
	"sync"

	"github.com/dep2p/go-msgsync/internal/core/metrics"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/types"
)

var (
	// ErrNotConnected 链路断开
	ErrNotConnected = types.NewError(types.KindTransport, "not connected", nil)

	// ErrClosed 端点已关闭
	ErrClosed = types.NewError(types.KindClosed, "transport closed", nil)
)

// link 两个端点共享的链路状态
type link struct {
	mu sync.Mutex
	up bool
}

// Conn 回环端点
type Conn struct {
	link     *link
	peer     *Conn
	reporter metrics.Reporter

	mu       sync.Mutex
	cond     *sync.Cond
	inbox    [][]byte
	closed   bool
	onMsg    func([]byte)
	onState  []func(bool)
	dropFunc func([]byte) bool

	done chan struct{}
}

var _ interfaces.Transport = (*Conn)(nil)

// Option 端点选项
type Option func(*Conn)

// WithReporter 记录收发字节
func WithReporter(r metrics.Reporter) Option {
	return func(c *Conn) {
		c.reporter = r
	}
}

// Pipe 创建一对已连接的端点
func Pipe(opts ...Option) (*Conn, *Conn) {
	l := &link{up: true}
	a := newConn(l, opts)
	b := newConn(l, opts)
	a.peer, b.peer = b, a
	go a.dispatch()
	go b.dispatch()
	return a, b
}

func newConn(l *link, opts []Option) *Conn {
	c := &Conn{link: l, done: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send 实现 interfaces.Transport
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return types.NewError(types.KindTransport, "send", err)
	}
	c.mu.Lock()
	closed, drop := c.closed, c.dropFunc
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	if c.reporter != nil {
		c.reporter.LogSentMessage(int64(len(data)))
	}
	if drop != nil && drop(data) {
		return nil
	}
	return c.peer.push(append([]byte(nil), data...))
}

func (c *Conn) push(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.inbox = append(c.inbox, data)
	c.cond.Signal()
	return nil
}

// dispatch 按顺序投递入站帧
func (c *Conn) dispatch() {
	defer close(c.done)
	for {
		c.mu.Lock()
		for len(c.inbox) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		data := c.inbox[0]
		c.inbox[0] = nil
		c.inbox = c.inbox[1:]
		h := c.onMsg
		c.mu.Unlock()

		if c.reporter != nil {
			c.reporter.LogRecvMessage(int64(len(data)))
		}
		if h != nil {
			h(data)
		}
	}
}

// OnMessage 实现 interfaces.Transport
func (c *Conn) OnMessage(handler func(data []byte)) {
	c.mu.Lock()
	c.onMsg = handler
	c.mu.Unlock()
}

// Connected 实现 interfaces.Transport
func (c *Conn) Connected() bool {
	c.link.mu.Lock()
	defer c.link.mu.Unlock()
	return c.link.up
}

// Reconnect 实现 interfaces.Transport，恢复链路
func (c *Conn) Reconnect(_ context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.SetLinkUp(true)
	return nil
}

// OnStateChange 实现 interfaces.Transport
func (c *Conn) OnStateChange(handler func(connected bool)) {
	c.mu.Lock()
	c.onState = append(c.onState, handler)
	c.mu.Unlock()
}

// SetLinkUp 断开或恢复链路，两端都会收到状态回调
func (c *Conn) SetLinkUp(up bool) {
	c.link.mu.Lock()
	changed := c.link.up != up
	c.link.up = up
	c.link.mu.Unlock()
	if !changed {
		return
	}
	c.notify(up)
	c.peer.notify(up)
}

// SetDrop 设置丢包函数，返回 true 的帧被静默丢弃
func (c *Conn) SetDrop(fn func(data []byte) bool) {
	c.mu.Lock()
	c.dropFunc = fn
	c.mu.Unlock()
}

func (c *Conn) notify(up bool) {
	c.mu.Lock()
	handlers := append([]func(bool)(nil), c.onState...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(up)
	}
}

// Close 实现 interfaces.Transport
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.inbox = nil
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.done
	return nil
}
