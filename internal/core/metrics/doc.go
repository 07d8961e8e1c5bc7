// Package metrics 提供 Prometheus 监控指标
//
// 每个 Metrics 实例持有独立的 prometheus.Registry，同一进程内可以
// 创建多个客户端实例而不会重复注册。
//
// # 快速开始
//
//	m := metrics.New("msgsync")
//	m.QueueEnqueued()
//	m.DeliveryOutcome(types.ReceiptDelivered, 120*time.Millisecond)
//
//	http.Handle("/metrics", m.Handler())
//
// # nil 安全
//
// 所有记录方法在 *Metrics 为 nil 时为空操作，组件无需判断是否启用指标。
//
// # 指标分组
//
// 客户端：队列深度/入队/驱逐/重试、投递结果与延迟、入站帧、心跳 RTT 与质量等级、在线状态、字节数。
// 服务端：序号分配与冲突、在线设备、转发结果。
package metrics
