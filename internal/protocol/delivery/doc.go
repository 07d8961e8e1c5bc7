// Package delivery 实现 ACK/重试/心跳投递协议
//
// Protocol 把队列中的消息编码成信封交给 Transport，并跟踪 ACK：
//
//	sent ──ACK delivered──▶ delivered（终态）
//	  │
//	  ├─ ACK failed/expired/rejected ──▶ failed（终态）
//	  │
//	  └─ ACK 窗口到期 ──▶ retry（立即重发） ──重试耗尽──▶ failed（终态）
//
// 第 k 次发送的 ACK 窗口为 MessageTimeout·2^(k-1)，上限 MaxAckWindow。
// 默认 10s 超时、3 次重试时，发送时刻为 0s、10s、30s，70s 判定失败。
//
// # 入站处理
//
// HandleIncoming 对解码后的信封做穷尽的类型分支：
//
//   - Chat：结构校验，过期回 expired，非法回 rejected；已投递过的 ID
//     只重发 delivered；否则交给会话处理器，成功且 AutoAck 时回 delivered，
//     处理器报错或没有处理器时回 failed
//   - Ack：按 refMessageId 关联队列条目，计算时延，完成回调只触发一次；
//     重复 ACK 不产生任何效果
//   - Ping：回复 Pong
//   - Pong：交给心跳
//
// 处理器注册表归属于单个 Protocol 实例，不是包级状态。
//
// # 周期任务
//
// 队列刷新（默认 5s）和 ACK 超时扫描（默认 1s）在 Start 时启动，Stop 时一起停止。
// 网络由离线转为在线时立即刷新一次，不等待周期刷新。
package delivery
