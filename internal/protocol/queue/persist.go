package queue

import (
	"sort"
	"strings"

	"github.com/dep2p/go-msgsync/pkg/lib/log"
	"github.com/dep2p/go-msgsync/pkg/types"
)

// ============================================================================
//                              持久化
// ============================================================================

const (
	// KeyPrefix 队列快照键前缀
	KeyPrefix = "queue/"

	// snapshotVersion 会话快照格式版本
	snapshotVersion = 1
)

// sessionSnapshot 会话快照
type sessionSnapshot struct {
	Version int              `json:"v"`
	Entries []*QueuedMessage `json:"entries"`
}

// SessionKey 会话快照的存储键
func SessionKey(session string) string {
	return KeyPrefix + session
}

// Load 从存储恢复队列
//
// 处于 sent 状态的条目恢复为立即就绪的 pending，保留重试次数。
// 单个会话快照损坏只跳过该会话。超出会话上限时按溢出策略驱逐或丢弃，
// 被裁剪的会话随后重写快照。返回恢复的条目数。
func (q *MessageQueue) Load() (int, error) {
	if q.storage == nil {
		return 0, nil
	}

	keys, err := q.storage.ListKeys(KeyPrefix)
	if err != nil {
		return 0, types.NewError(types.KindStorage, "list queue snapshots", err)
	}

	now := q.clk.Now()
	restored, dropped := 0, 0
	loaded := make(map[string]struct{})
	trimmed := make(map[string]struct{})
	var events []StatusChange

	q.mu.Lock()
	for _, key := range keys {
		var snap sessionSnapshot
		if err := q.storage.Get(key, &snap); err != nil {
			logger.Warn("读取队列快照失败，跳过", "key", key, "error", err)
			continue
		}
		if snap.Version != snapshotVersion {
			logger.Warn("队列快照版本不受支持，跳过", "key", key, "version", snap.Version)
			continue
		}
		session := strings.TrimPrefix(key, KeyPrefix)
		for _, m := range snap.Entries {
			if m == nil || m.ID == "" || m.Status.Terminal() {
				continue
			}
			if _, dup := q.entries[m.ID]; dup {
				continue
			}
			if m.SessionID == "" {
				m.SessionID = session
			}
			if m.Status == types.StatusSent {
				m.Status = types.StatusPending
				m.NextRetryAt = now
			}
			if len(q.sessions[m.SessionID]) >= q.cfg.MaxPerSession {
				trimmed[m.SessionID] = struct{}{}
				victim, err := q.pickVictimLocked(m, now)
				if err != nil {
					dropped++
					continue
				}
				if _, ok := loaded[victim.ID]; ok {
					restored--
				}
				events = append(events, q.evictLocked(victim))
			}
			q.insertLocked(m)
			loaded[m.ID] = struct{}{}
			if m.Seq >= q.nextSeq {
				q.nextSeq = m.Seq + 1
			}
			restored++
		}
	}
	depth := len(q.entries)
	q.mu.Unlock()

	q.metrics.QueueDepth(depth)
	if restored > 0 {
		logger.Info("已恢复离线队列", "entries", restored, "sessions", len(keys))
	}
	if len(trimmed) > 0 {
		logger.Warn("恢复时会话超出上限，已裁剪",
			"sessions", len(trimmed),
			"evicted", len(events),
			"dropped", dropped,
			"policy", q.cfg.OverflowPolicy)
		for s := range trimmed {
			q.persist(s)
		}
	}
	q.emit(events...)
	return restored, nil
}

// Resync 全量同步所有会话（含写入失败的脏会话）
func (q *MessageQueue) Resync() {
	if q.storage == nil {
		return
	}

	q.mu.RLock()
	sessions := make(map[string]struct{}, len(q.sessions)+len(q.dirty))
	for s := range q.sessions {
		sessions[s] = struct{}{}
	}
	for s := range q.dirty {
		sessions[s] = struct{}{}
	}
	q.mu.RUnlock()

	for s := range sessions {
		q.persist(s)
	}
}

// Dirty 返回写入失败、等待重新同步的会话
func (q *MessageQueue) Dirty() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.dirty))
	for s := range q.dirty {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// persist 写穿会话快照，失败只记录日志并标记为脏
func (q *MessageQueue) persist(session string) {
	if q.storage == nil {
		return
	}

	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.RLock()
	entries := make([]*QueuedMessage, 0, len(q.sessions[session]))
	for _, m := range q.sessions[session] {
		entries = append(entries, m.Clone())
	}
	q.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	key := SessionKey(session)
	var err error
	if len(entries) == 0 {
		err = q.storage.Remove(key)
	} else {
		err = q.storage.Set(key, sessionSnapshot{Version: snapshotVersion, Entries: entries})
	}

	q.mu.Lock()
	if err != nil {
		q.dirty[session] = struct{}{}
	} else {
		delete(q.dirty, session)
	}
	q.mu.Unlock()

	if err != nil {
		q.metrics.PersistError()
		logger.Warn("队列持久化失败，等待下次同步", "session", log.TruncateID(session, 24), "error", err)
	}
}
