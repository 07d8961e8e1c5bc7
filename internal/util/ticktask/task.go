// Package ticktask 提供可独立取消的周期任务
//
// 每个组件持有自己的 Task（心跳、队列刷新、存储同步、ACK 超时扫描），
// 通过 Group 在关闭时一起停止。时钟可注入，测试中使用 clock.NewMock()。
package ticktask

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-msgsync/pkg/lib/log"
)

var logger = log.Logger("util/ticktask")

// Func 周期执行的函数
type Func func(ctx context.Context)

// Task 周期任务
type Task struct {
	name     string
	interval time.Duration
	clk      clock.Clock
	fn       Func

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New 创建周期任务
func New(name string, interval time.Duration, clk clock.Clock, fn Func) *Task {
	if clk == nil {
		clk = clock.New()
	}
	return &Task{name: name, interval: interval, clk: clk, fn: fn}
}

// Name 任务名
func (t *Task) Name() string {
	return t.name
}

// Start 启动任务，重复调用无效
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	if t.interval <= 0 {
		logger.Warn("周期任务间隔无效，未启动", "task", t.name, "interval", t.interval)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true

	// 在持锁期间创建 ticker，保证 Start 返回后推进 mock 时钟即可触发
	ticker := t.clk.Ticker(t.interval)
	t.wg.Add(1)
	go t.loop(runCtx, ticker)

	logger.Debug("周期任务已启动", "task", t.name, "interval", t.interval)
}

// Stop 停止任务并等待当前执行结束
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.cancel()
	t.running = false
	t.mu.Unlock()

	t.wg.Wait()
	logger.Debug("周期任务已停止", "task", t.name)
}

// Running 是否运行中
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Task) loop(ctx context.Context, ticker *clock.Ticker) {
	defer t.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fn(ctx)
		}
	}
}

// ============================================================================
//                              Group
// ============================================================================

// Group 一组同生共死的周期任务
type Group struct {
	mu    sync.Mutex
	tasks []*Task
}

// Add 加入任务
func (g *Group) Add(tasks ...*Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = append(g.tasks, tasks...)
}

// Start 启动全部任务
func (g *Group) Start(ctx context.Context) {
	g.mu.Lock()
	tasks := append([]*Task(nil), g.tasks...)
	g.mu.Unlock()
	for _, t := range tasks {
		t.Start(ctx)
	}
}

// Stop 停止全部任务
func (g *Group) Stop() {
	g.mu.Lock()
	tasks := append([]*Task(nil), g.tasks...)
	g.mu.Unlock()
	for _, t := range tasks {
		t.Stop()
	}
}

// Running 正在运行的任务数
func (g *Group) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.tasks {
		if t.Running() {
			n++
		}
	}
	return n
}
