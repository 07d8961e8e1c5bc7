// Package sequence 为会话消息分配严格递增的序号
//
// 序号在持久化插入的同一个事务内计算：
//
//	next = max(会话计数器, 会话内最大序号) + 1（会话为空时为 1）
//
// 并发写入同一会话时，(会话, 序号) 唯一约束或事务冲突让后提交者失败，
// 返回 ErrSequenceConflict，由 Allocator 带抖动重试。不同会话互不阻塞，
// 不存在全局锁。客户端提供的时间戳不参与排序。
//
// 两个存储后端在构造时选定：
//
//   - sqlstore: database/sql + modernc.org/sqlite
//   - kvseq:    BadgerDB 乐观事务
//
// 同一会话内已存在的消息 ID 直接返回原序号，重发不会产生新序号。
package sequence
