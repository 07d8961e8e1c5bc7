package sequence

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/internal/core/metrics"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/types"
)

var logger = log.Logger("core/sequence")

// DefaultMaxAttempts 冲突重试上限
const DefaultMaxAttempts = 16

// 冲突重试退避
const (
	retryBase = time.Millisecond
	retryMax  = 50 * time.Millisecond
)

// Allocator 序号分配器
type Allocator struct {
	store       Store
	maxAttempts int
	metrics     *metrics.Metrics
	now         func() time.Time
}

// AllocatorOption 分配器选项
type AllocatorOption func(*Allocator)

// WithMaxAttempts 设置冲突重试上限
func WithMaxAttempts(n int) AllocatorOption {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) AllocatorOption {
	return func(a *Allocator) {
		a.metrics = m
	}
}

// WithNow 注入时间源（InsertedAt）
func WithNow(now func() time.Time) AllocatorOption {
	return func(a *Allocator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAllocator 创建分配器
func NewAllocator(store Store, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		store:       store,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AllocatorOptionsFromUnified 从统一配置创建分配器选项
func AllocatorOptionsFromUnified(cfg *config.Config) []AllocatorOption {
	rc := config.DefaultRelayConfig()
	if cfg != nil {
		rc = cfg.Relay
	}
	return []AllocatorOption{WithMaxAttempts(rc.AllocMaxAttempts)}
}

// Store 底层存储
func (a *Allocator) Store() Store {
	return a.store
}

// Assign 为消息分配序号并持久化
//
// 成功后 msg.Sequence 被填写。冲突时带抖动重试，超过上限返回
// ErrSequenceConflict 类别错误。
func (a *Allocator) Assign(ctx context.Context, msg *types.StoredMessage) (uint64, error) {
	if msg == nil {
		return 0, types.NewError(types.KindValidation, "nil message", nil)
	}
	if err := types.ValidateIdentifier("conversationId", msg.ConversationID); err != nil {
		return 0, err
	}
	if msg.MessageID == "" {
		return 0, types.NewError(types.KindValidation, "empty message id", nil)
	}
	if msg.InsertedAt.IsZero() {
		msg.InsertedAt = a.now()
	}

	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		seq, inserted, err := a.store.Insert(ctx, msg)
		if err == nil {
			msg.Sequence = seq
			if inserted {
				a.metrics.SequenceAssigned()
			} else {
				logger.Debug("消息已存在，返回原序号",
					"conversation", msg.ConversationID,
					"msgID", log.TruncateID(msg.MessageID, 8),
					"seq", seq)
			}
			return seq, nil
		}
		if !errors.Is(err, types.ErrSequenceConflict) {
			return 0, err
		}

		lastErr = err
		a.metrics.SequenceConflict()
		logger.Debug("序号冲突，重试", "conversation", msg.ConversationID, "attempt", attempt)

		if err := sleepJitter(ctx, attempt); err != nil {
			return 0, err
		}
	}

	logger.Warn("序号分配重试耗尽", "conversation", msg.ConversationID, "attempts", a.maxAttempts)
	return 0, types.NewError(types.KindSequenceConflict, "allocation attempts exhausted", lastErr)
}

// sleepJitter 指数退避加全抖动
func sleepJitter(ctx context.Context, attempt int) error {
	d := retryBase << min(attempt-1, 6)
	if d > retryMax {
		d = retryMax
	}
	wait := time.Duration(rand.Int64N(int64(d)) + 1)

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
