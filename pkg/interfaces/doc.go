// Package interfaces 定义 msgsync 消费的外部能力接口
//
// 核心逻辑只依赖这些接口，不实现具体的加密原语、传输或存储引擎：
//
//	Crypto       - 加解密能力，核心只存储和排队密文
//	KeyResolver  - 按会话解析密钥
//	Transport    - 发送字节、注册接收回调、连接状态与重连
//	Storage      - 字符串键 + JSON 值的持久化能力
//	SyncSource   - 设备追赶时的拉取/推进来源（进程内或 HTTP）
//
// 线程安全：所有实现必须可被多个 goroutine 并发调用。
package interfaces
