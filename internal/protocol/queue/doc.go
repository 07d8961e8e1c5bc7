// Package queue 提供持久化、带重试的离线发送队列
//
// MessageQueue 按会话保存待发送的密文消息，负责优先级排序、
// 重试调度和容量控制。投递协议通过 DequeueReady / MarkSent /
// MarkDelivered / MarkFailed 驱动消息状态：
//
//	queued ──MarkSent──▶ sent ──MarkDelivered──▶ delivered（终态，移出队列）
//	  ▲                   │
//	  │              MarkFailed / MarkTimedOut
//	  │                   ▼
//	  └──── pending（NextRetryAt 到期后再次就绪）
//	                      │ RetryCount 达到 MaxRetries
//	                      ▼
//	                   failed（终态，移出队列）
//
// # 优先级
//
// 基础优先级为 0；显式高优先级 +10；密文超过 64KiB +5。
// 加成按入队时长每 60s 衰减 1，不会低于基础优先级。
// DequeueReady 按有效优先级降序、入队时间升序、入队序号升序返回。
//
// # 容量
//
// 每个会话最多 500 条活跃消息。溢出策略可选 evict-oldest、
// evict-lowest-priority（默认）、reject。被驱逐的消息通过状态回调
// 以 failed + ErrEvicted 报告，同时记录 WARN 日志和指标。
//
// # 持久化
//
// 每次变更写穿到 Storage 的 queue/<会话> 键，另有周期全量同步。
// 持久化失败只记录日志，内存视图始终是权威数据。
package queue
