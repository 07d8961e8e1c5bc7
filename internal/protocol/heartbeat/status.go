// Package heartbeat 实现心跳与连接质量估计
package heartbeat

import (
	"time"

	"github.com/dep2p/go-msgsync/pkg/types"
)

// Sample 一次心跳往返样本
type Sample struct {
	RTT time.Duration `json:"rtt"`
	At  time.Time     `json:"at"`
}

// Quality 连接质量快照
type Quality struct {
	Tier types.QualityTier `json:"tier"`

	// Average 最近 AverageWindow 个样本的平均 RTT
	Average time.Duration `json:"average"`

	LastRTT time.Duration `json:"lastRtt"`
	MinRTT  time.Duration `json:"minRtt"`
	MaxRTT  time.Duration `json:"maxRtt"`

	// Samples 环中样本数
	Samples int `json:"samples"`

	FailCount    int       `json:"failCount"`
	TotalPings   int       `json:"totalPings"`
	SuccessCount int       `json:"successCount"`
	SuccessRate  float64   `json:"successRate"`
	LastSeen     time.Time `json:"lastSeen"`
}

// sampleRing 固定容量的样本环
type sampleRing struct {
	buf   []Sample
	next  int
	count int
}

func newSampleRing(capacity int) *sampleRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &sampleRing{buf: make([]Sample, capacity)}
}

// push 追加样本，满时覆盖最旧的
func (r *sampleRing) push(s Sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// last 返回最近 n 个样本（从旧到新）
func (r *sampleRing) last(n int) []Sample {
	if n > r.count {
		n = r.count
	}
	out := make([]Sample, n)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// average 最近 n 个样本的平均 RTT
func (r *sampleRing) average(n int) time.Duration {
	samples := r.last(n)
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s.RTT
	}
	return sum / time.Duration(len(samples))
}

func (r *sampleRing) len() int {
	return r.count
}
