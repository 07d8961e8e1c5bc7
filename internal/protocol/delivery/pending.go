package delivery

import (
	"sort"
	"time"
)

// pendingAck 等待 ACK 的已发送消息
type pendingAck struct {
	sentAt   time.Time
	deadline time.Time
	attempt  int
}

// PendingInfo 等待 ACK 条目的只读视图
type PendingInfo struct {
	MessageID string
	SentAt    time.Time
	Deadline  time.Time
	Attempt   int
}

// Pending 返回等待 ACK 的条目，按截止时间升序
func (p *Protocol) Pending() []PendingInfo {
	p.mu.Lock()
	out := make([]PendingInfo, 0, len(p.pending))
	for id, pa := range p.pending {
		out = append(out, PendingInfo{MessageID: id, SentAt: pa.sentAt, Deadline: pa.deadline, Attempt: pa.attempt})
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// AckWindow 第 attempt 次发送的 ACK 窗口
func (p *Protocol) AckWindow(attempt int) time.Duration {
	return p.ackBackoff.Delay(attempt)
}

func (p *Protocol) trackSent(id string, now time.Time, attempt int) {
	p.mu.Lock()
	p.pending[id] = &pendingAck{
		sentAt:   now,
		deadline: now.Add(p.ackBackoff.Delay(attempt)),
		attempt:  attempt,
	}
	p.mu.Unlock()
}

// untrack 移除等待条目，返回移除前的记录
func (p *Protocol) untrack(id string) (*pendingAck, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pa, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	return pa, ok
}

// expired 摘出截止时间不晚于 now 的条目
func (p *Protocol) expired(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, pa := range p.pending {
		if !now.Before(pa.deadline) {
			ids = append(ids, id)
			delete(p.pending, id)
		}
	}
	sort.Strings(ids)
	return ids
}
