package reconcile

import (
	"context"
	"hash/maphash"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/types"
)

var logger = log.Logger("core/reconcile")

// StateStore 设备同步状态存储
type StateStore interface {
	LoadState(ctx context.Context, conversationID, deviceID string) (types.DeviceSyncState, bool, error)
	SaveState(ctx context.Context, st types.DeviceSyncState) error
	Devices(ctx context.Context, conversationID string) ([]string, error)
}

// MessageSource 会话消息读取
type MessageSource interface {
	MessagesAfter(ctx context.Context, conversationID string, after uint64, limit int) ([]types.StoredMessage, error)
	MaxSequence(ctx context.Context, conversationID string) (uint64, error)
}

// Config Tracker 配置
type Config struct {
	PullLimit               int
	MaxPendingRefs          int
	ContiguousSenderAdvance bool
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	c := config.DefaultSyncConfig()
	return Config{
		PullLimit:               c.PullLimit,
		MaxPendingRefs:          c.MaxPendingRefs,
		ContiguousSenderAdvance: c.ContiguousSenderAdvance,
	}
}

// ConfigFromUnified 从统一配置创建
func ConfigFromUnified(cfg *config.Config) Config {
	if cfg == nil {
		return DefaultConfig()
	}
	return Config{
		PullLimit:               cfg.Sync.PullLimit,
		MaxPendingRefs:          cfg.Sync.MaxPendingRefs,
		ContiguousSenderAdvance: cfg.Sync.ContiguousSenderAdvance,
	}
}

// lockStripes 会话锁分片数
const lockStripes = 64

// Tracker 服务端同步进度跟踪
//
// 同一会话的状态变更串行执行，不同会话按分片锁并行。
type Tracker struct {
	cfg      Config
	states   StateStore
	messages MessageSource
	clk      clock.Clock

	seed  maphash.Seed
	locks [lockStripes]sync.Mutex
}

var _ interfaces.SyncSource = (*Tracker)(nil)

// TrackerOption Tracker 选项
type TrackerOption func(*Tracker)

// WithClock 设置时钟
func WithClock(clk clock.Clock) TrackerOption {
	return func(t *Tracker) {
		if clk != nil {
			t.clk = clk
		}
	}
}

// NewTracker 创建 Tracker
func NewTracker(cfg Config, states StateStore, messages MessageSource, opts ...TrackerOption) *Tracker {
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = DefaultConfig().PullLimit
	}
	t := &Tracker{
		cfg:      cfg,
		states:   states,
		messages: messages,
		clk:      clock.New(),
		seed:     maphash.MakeSeed(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) lock(conv string) func() {
	mu := &t.locks[maphash.String(t.seed, conv)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Register 在会话中登记设备（幂等）
//
// 新设备从 LastSynced=0 开始，LastKnown 为会话当前最大序号。
func (t *Tracker) Register(ctx context.Context, conversationID, deviceID string) (types.DeviceSyncState, error) {
	if err := validate(conversationID, deviceID); err != nil {
		return types.DeviceSyncState{}, err
	}
	unlock := t.lock(conversationID)
	defer unlock()

	return t.registerLocked(ctx, conversationID, deviceID)
}

func (t *Tracker) registerLocked(ctx context.Context, conv, device string) (types.DeviceSyncState, error) {
	st, ok, err := t.states.LoadState(ctx, conv, device)
	if err != nil {
		return st, err
	}
	if ok {
		return st, nil
	}

	max, err := t.messages.MaxSequence(ctx, conv)
	if err != nil {
		return st, err
	}
	st = types.DeviceSyncState{
		ConversationID: conv,
		DeviceID:       device,
		LastKnown:      max,
		UpdatedAt:      t.clk.Now(),
	}
	if err := t.states.SaveState(ctx, st); err != nil {
		return st, err
	}
	logger.Debug("设备已登记", "conversation", conv, "device", device, "known", max)
	return st, nil
}

// OnInserted 在消息插入成功后更新所有设备的进度
//
// deviceID 为插入设备（可为空）；它的 LastSynced/LastKnown 推进到 seq。
// 会话中其他设备只推进 LastKnown，并记录待同步引用。
func (t *Tracker) OnInserted(ctx context.Context, conversationID, deviceID string, seq uint64, messageID string) error {
	unlock := t.lock(conversationID)
	defer unlock()

	now := t.clk.Now()
	if deviceID != "" {
		st, err := t.registerLocked(ctx, conversationID, deviceID)
		if err != nil {
			return err
		}
		if t.advanceSender(&st, seq) {
			st.UpdatedAt = now
			if err := t.states.SaveState(ctx, st); err != nil {
				return err
			}
		}
	}

	devices, err := t.states.Devices(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d == deviceID {
			continue
		}
		st, ok, err := t.states.LoadState(ctx, conversationID, d)
		if err != nil {
			return err
		}
		if !ok || st.LastKnown >= seq {
			continue
		}
		st.LastKnown = seq
		if seq > st.LastSynced {
			st.Pending = t.appendPending(st.Pending, types.PendingRef{MessageID: messageID, Sequence: seq})
		}
		st.UpdatedAt = now
		if err := t.states.SaveState(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// advanceSender 推进插入设备的指针，返回是否有变化
func (t *Tracker) advanceSender(st *types.DeviceSyncState, seq uint64) bool {
	changed := false
	if seq > st.LastKnown {
		st.LastKnown = seq
		changed = true
	}
	if seq > st.LastSynced && (!t.cfg.ContiguousSenderAdvance || st.LastSynced+1 == seq) {
		st.LastSynced = seq
		st.Pending = trimPending(st.Pending, seq)
		changed = true
	}
	return changed
}

func (t *Tracker) appendPending(pending []types.PendingRef, ref types.PendingRef) []types.PendingRef {
	if t.cfg.MaxPendingRefs == 0 {
		return nil
	}
	pending = append(pending, ref)
	if over := len(pending) - t.cfg.MaxPendingRefs; over > 0 {
		pending = append([]types.PendingRef(nil), pending[over:]...)
	}
	return pending
}

func trimPending(pending []types.PendingRef, upTo uint64) []types.PendingRef {
	out := pending[:0]
	for _, p := range pending {
		if p.Sequence > upTo {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Pull 拉取序号大于设备 LastSynced 的消息
func (t *Tracker) Pull(ctx context.Context, conversationID, deviceID string, limit int) (types.SyncBatch, error) {
	if err := validate(conversationID, deviceID); err != nil {
		return types.SyncBatch{}, err
	}
	if limit <= 0 || limit > t.cfg.PullLimit {
		limit = t.cfg.PullLimit
	}

	st, err := t.State(ctx, conversationID, deviceID)
	if err != nil {
		return types.SyncBatch{}, err
	}

	msgs, err := t.messages.MessagesAfter(ctx, conversationID, st.LastSynced, limit+1)
	if err != nil {
		return types.SyncBatch{}, err
	}
	batch := types.SyncBatch{LastKnown: st.LastKnown}
	// 已插入但尚未登记到进度里的消息留给下一次拉取
	for i, m := range msgs {
		if m.Sequence > st.LastKnown {
			msgs = msgs[:i]
			break
		}
	}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		batch.HasMore = true
	}
	batch.Messages = msgs
	return batch, nil
}

// Advance 将设备 LastSynced 推进到 upTo
//
// upTo 不超过 LastSynced 时不做任何修改；超过 LastKnown 返回 ErrAdvanceBeyondKnown。
func (t *Tracker) Advance(ctx context.Context, conversationID, deviceID string, upTo uint64) (types.DeviceSyncState, error) {
	if err := validate(conversationID, deviceID); err != nil {
		return types.DeviceSyncState{}, err
	}
	unlock := t.lock(conversationID)
	defer unlock()

	st, ok, err := t.states.LoadState(ctx, conversationID, deviceID)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, ErrDeviceNotRegistered
	}
	if upTo <= st.LastSynced {
		return st, nil
	}
	if upTo > st.LastKnown {
		return st, ErrAdvanceBeyondKnown
	}

	st.LastSynced = upTo
	st.Pending = trimPending(st.Pending, upTo)
	st.UpdatedAt = t.clk.Now()
	if err := t.states.SaveState(ctx, st); err != nil {
		return st, err
	}
	logger.Debug("设备同步推进", "conversation", conversationID, "device", deviceID, "synced", upTo)
	return st, nil
}

// State 返回设备同步状态
func (t *Tracker) State(ctx context.Context, conversationID, deviceID string) (types.DeviceSyncState, error) {
	st, ok, err := t.states.LoadState(ctx, conversationID, deviceID)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, ErrDeviceNotRegistered
	}
	return st, nil
}

// Devices 会话中登记的设备
func (t *Tracker) Devices(ctx context.Context, conversationID string) ([]string, error) {
	return t.states.Devices(ctx, conversationID)
}

func validate(conv, device string) error {
	if err := types.ValidateIdentifier("conversationId", conv); err != nil {
		return err
	}
	return types.ValidateIdentifier("deviceId", device)
}
