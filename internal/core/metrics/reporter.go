package metrics

// Reporter 记录传输层收发字节
//
// 传输实现只依赖这个接口，*Metrics 实现它。
type Reporter interface {
	// LogSentMessage 记录发送帧大小
	LogSentMessage(int64)

	// LogRecvMessage 记录接收帧大小
	LogRecvMessage(int64)
}

// LogSentMessage 实现 Reporter
func (m *Metrics) LogSentMessage(size int64) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(size))
}

// LogRecvMessage 实现 Reporter
func (m *Metrics) LogRecvMessage(size int64) {
	if m == nil {
		return
	}
	m.bytesRecv.Add(float64(size))
}

var _ Reporter = (*Metrics)(nil)
