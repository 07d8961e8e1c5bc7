// Package reconcile 实现多设备同步进度跟踪与追赶
//
// 服务端 Tracker 为每个 (会话, 设备) 维护 DeviceSyncState：
//
//	插入设备:  LastSynced = LastKnown = seq
//	其他设备:  LastKnown = seq，消息引用进入 Pending
//
// 设备按 LastSynced 之后的序号升序拉取，应用完成后再推进 LastSynced。
// 任何时候都满足 LastSynced <= LastKnown <= 会话最大序号，且不回退。
//
// 客户端 CatchUp 通过 interfaces.SyncSource 驱动这一过程，
// 只接受 seq == synced+1 的消息，遇到空洞立即停止本批次，
// 本地指针保存在 Storage 的 sync/<会话> 键下。
package reconcile
