package queue

import "time"

// Backoff 指数退避策略
//
// 第 n 次（从 1 开始）的延迟为 Base·2^(n-1)，上限 Max。
// 延迟只由次数决定，不依赖任何共享状态。
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff 队列重试默认退避：1s 起步，上限 30s
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second}
}

// Delay 返回第 n 次的延迟
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
