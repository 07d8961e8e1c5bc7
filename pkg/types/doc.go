// Package types 定义 msgsync 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他 msgsync 内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
//
// # 文件组织
//
//   - enums.go    - MessageStatus, ReceiptStatus, QualityTier
//   - errors.go   - 带 Kind 的错误类型和哨兵错误
//   - ids.go      - 消息 ID 生成与标识符校验
//   - receipt.go  - DeliveryReceipt 投递回执
package types
