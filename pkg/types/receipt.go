package types

import "time"

// DeliveryReceipt 投递回执
//
// 由接收方产生，发送方消费一次用于关闭队列中的消息。不可变。
type DeliveryReceipt struct {
	MessageID string
	Status    ReceiptStatus
	Timestamp time.Time

	// Detail 失败详情（可选）
	Detail string

	// Latency 发送到收到 ACK 的时延；本地终结（如重试耗尽）时为 0
	Latency time.Duration

	// Err 本地终结原因，对端回执时为 nil
	Err error
}

// Delivered 是否成功送达
func (r DeliveryReceipt) Delivered() bool {
	return r.Status == ReceiptDelivered
}
