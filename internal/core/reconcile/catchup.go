package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/types"
)

// PointerKeyPrefix 本地同步指针在 Storage 中的键前缀
const PointerKeyPrefix = "sync/"

// PointerKey 会话的本地同步指针键
func PointerKey(conversationID string) string {
	return PointerKeyPrefix + conversationID
}

// Pointer 本地同步指针
type Pointer struct {
	LastSynced uint64    `json:"lastSyncedSequence"`
	LastKnown  uint64    `json:"lastKnownSequence"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Applier 按序应用一条消息
type Applier func(ctx context.Context, msg types.StoredMessage) error

// Result 一次追赶的结果
type Result struct {
	Applied    int
	Batches    int
	LastSynced uint64
	LastKnown  uint64
}

// CatchUp 客户端追赶驱动
type CatchUp struct {
	source   interfaces.SyncSource
	storage  interfaces.Storage
	deviceID string
	limit    int
	clk      clock.Clock
}

// CatchUpOption 追赶选项
type CatchUpOption func(*CatchUp)

// WithPullLimit 每批拉取上限
func WithPullLimit(n int) CatchUpOption {
	return func(c *CatchUp) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithCatchUpClock 设置时钟
func WithCatchUpClock(clk clock.Clock) CatchUpOption {
	return func(c *CatchUp) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// NewCatchUp 创建追赶驱动
func NewCatchUp(source interfaces.SyncSource, storage interfaces.Storage, deviceID string, opts ...CatchUpOption) *CatchUp {
	c := &CatchUp{
		source:   source,
		storage:  storage,
		deviceID: deviceID,
		limit:    DefaultConfig().PullLimit,
		clk:      clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pointer 读取本地同步指针，不存在时返回零值
func (c *CatchUp) Pointer(conversationID string) (Pointer, error) {
	var p Pointer
	if c.storage == nil {
		return p, nil
	}
	err := c.storage.Get(PointerKey(conversationID), &p)
	if errors.Is(err, types.ErrNotFound) {
		return Pointer{}, nil
	}
	return p, err
}

func (c *CatchUp) savePointer(conversationID string, p Pointer) {
	if c.storage == nil {
		return
	}
	p.UpdatedAt = c.clk.Now()
	if err := c.storage.Set(PointerKey(conversationID), p); err != nil {
		logger.Warn("同步指针持久化失败", "conversation", conversationID, "error", err)
	}
}

// Run 追赶一个会话
//
// 从本地指针之后开始按升序应用，批次结束后推进本地与远端指针。
// 遇到空洞返回 ErrSequenceGap；应用失败返回该错误。两种情况都会先
// 推进到最后一条成功应用的消息。
func (c *CatchUp) Run(ctx context.Context, conversationID string, apply Applier) (Result, error) {
	if apply == nil {
		return Result{}, ErrNilApplier
	}

	remote, err := c.source.Register(ctx, conversationID, c.deviceID)
	if err != nil {
		return Result{}, err
	}
	local, err := c.Pointer(conversationID)
	if err != nil {
		return Result{}, err
	}

	synced := local.LastSynced
	switch {
	case synced > remote.LastSynced:
		// 上次远端推进失败，补推
		upTo := min(synced, remote.LastKnown)
		if remote, err = c.source.Advance(ctx, conversationID, c.deviceID, upTo); err != nil {
			return Result{LastSynced: synced}, err
		}
	case synced < remote.LastSynced:
		// 远端是拉取起点，本地指针跟随
		logger.Info("本地同步指针落后于远端，跟随远端",
			"conversation", conversationID, "local", synced, "remote", remote.LastSynced)
		synced = remote.LastSynced
		c.savePointer(conversationID, Pointer{LastSynced: synced, LastKnown: remote.LastKnown})
	}

	res := Result{LastSynced: synced, LastKnown: remote.LastKnown}
	for {
		batch, err := c.source.Pull(ctx, conversationID, c.deviceID, c.limit)
		if err != nil {
			return res, err
		}
		res.Batches++
		if batch.LastKnown > res.LastKnown {
			res.LastKnown = batch.LastKnown
		}

		applied := synced
		var stopErr error
		for _, m := range batch.Messages {
			if m.Sequence <= applied {
				continue
			}
			if m.Sequence != applied+1 {
				stopErr = fmt.Errorf("expected %d, got %d: %w", applied+1, m.Sequence, ErrSequenceGap)
				break
			}
			if err := apply(ctx, m); err != nil {
				stopErr = err
				break
			}
			applied = m.Sequence
			res.Applied++
		}

		progressed := applied > synced
		if progressed {
			c.savePointer(conversationID, Pointer{LastSynced: applied, LastKnown: res.LastKnown})
			if _, err := c.source.Advance(ctx, conversationID, c.deviceID, applied); err != nil {
				res.LastSynced = applied
				return res, err
			}
			synced = applied
			res.LastSynced = synced
		}

		if stopErr != nil {
			logger.Warn("追赶中止",
				"conversation", conversationID,
				"device", log.TruncateID(c.deviceID, 8),
				"synced", synced,
				"error", stopErr)
			return res, stopErr
		}
		if !batch.HasMore || !progressed {
			return res, nil
		}
	}
}
