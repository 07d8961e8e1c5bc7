package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/dep2p/go-msgsync/pkg/types"
)

// DefaultNamespace 默认指标命名空间
const DefaultNamespace = "msgsync"

// Metrics 指标集合
type Metrics struct {
	registry *prometheus.Registry

	// 队列
	queueDepth    prometheus.Gauge
	queueEnqueued prometheus.Counter
	queueEvicted  *prometheus.CounterVec
	queueRetries  prometheus.Counter
	persistErrors prometheus.Counter

	// 投递
	outcomes *prometheus.CounterVec
	latency  prometheus.Histogram
	inbound  *prometheus.CounterVec

	// 心跳
	rtt    prometheus.Histogram
	tier   prometheus.Gauge
	online prometheus.Gauge

	bytesSent prometheus.Counter
	bytesRecv prometheus.Counter

	// 服务端
	seqAssigned  prometheus.Counter
	seqConflicts prometheus.Counter
	devices      prometheus.Gauge
	forwarded    *prometheus.CounterVec
}

// New 创建指标集合并注册到独立 Registry
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	f := factory{ns: namespace}

	m := &Metrics{
		registry: reg,

		queueDepth:    f.gauge("queue", "depth", "当前活跃队列条目数"),
		queueEnqueued: f.counter("queue", "enqueued_total", "入队消息总数"),
		queueEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "evicted_total",
			Help: "因容量上限被驱逐的消息数",
		}, []string{"policy"}),
		queueRetries:  f.counter("queue", "retries_total", "重试调度次数"),
		persistErrors: f.counter("queue", "persist_errors_total", "队列持久化失败次数"),

		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "outcomes_total",
			Help: "出站消息最终结果",
		}, []string{"status"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "ack_latency_seconds",
			Help:    "首次入队到收到 ACK 的时延",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "inbound_total",
			Help: "入站帧处理结果",
		}, []string{"type", "result"}),

		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "heartbeat", Name: "rtt_seconds",
			Help:    "心跳往返时延",
			Buckets: []float64{0.025, 0.05, 0.1, 0.2, 0.5, 1, 2.5},
		}),
		tier:   f.gauge("heartbeat", "quality_tier", "连接质量等级（1 最好，5 不可用，0 未知）"),
		online: f.gauge("netmon", "online", "是否在线"),

		bytesSent: f.counter("transport", "sent_bytes_total", "发送字节数"),
		bytesRecv: f.counter("transport", "received_bytes_total", "接收字节数"),

		seqAssigned:  f.counter("sequence", "assigned_total", "分配的序号数"),
		seqConflicts: f.counter("sequence", "conflicts_total", "序号冲突重试次数"),
		devices:      f.gauge("relay", "connected_devices", "在线设备数"),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "forwarded_total",
			Help: "中继转发的帧",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.queueDepth, m.queueEnqueued, m.queueEvicted, m.queueRetries, m.persistErrors,
		m.outcomes, m.latency, m.inbound,
		m.rtt, m.tier, m.online,
		m.bytesSent, m.bytesRecv,
		m.seqAssigned, m.seqConflicts, m.devices, m.forwarded,
		collectors.NewGoCollector(),
	)
	return m
}

type factory struct{ ns string }

func (f factory) counter(sub, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: f.ns, Subsystem: sub, Name: name, Help: help})
}

func (f factory) gauge(sub, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: f.ns, Subsystem: sub, Name: name, Help: help})
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ============================================================================
//                              队列
// ============================================================================

// QueueDepth 设置队列深度
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// QueueEnqueued 记录入队
func (m *Metrics) QueueEnqueued() {
	if m == nil {
		return
	}
	m.queueEnqueued.Inc()
}

// QueueEvicted 记录驱逐
func (m *Metrics) QueueEvicted(policy string) {
	if m == nil {
		return
	}
	m.queueEvicted.WithLabelValues(policy).Inc()
}

// QueueRetry 记录一次重试调度
func (m *Metrics) QueueRetry() {
	if m == nil {
		return
	}
	m.queueRetries.Inc()
}

// PersistError 记录持久化失败
func (m *Metrics) PersistError() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
}

// ============================================================================
//                              投递
// ============================================================================

// DeliveryOutcome 记录出站消息最终结果，latency 为 0 时不记录时延
func (m *Metrics) DeliveryOutcome(status types.ReceiptStatus, latency time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(status)).Inc()
	if latency > 0 {
		m.latency.Observe(latency.Seconds())
	}
}

// Inbound 记录入站帧处理结果
func (m *Metrics) Inbound(msgType, result string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(msgType, result).Inc()
}

// ============================================================================
//                              心跳
// ============================================================================

// ObserveRTT 记录心跳 RTT
func (m *Metrics) ObserveRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.rtt.Observe(rtt.Seconds())
}

// QualityTier 设置当前质量等级
func (m *Metrics) QualityTier(tier types.QualityTier) {
	if m == nil {
		return
	}
	m.tier.Set(float64(tier))
}

// Online 设置在线状态
func (m *Metrics) Online(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

// ============================================================================
//                              服务端
// ============================================================================

// SequenceAssigned 记录一次序号分配
func (m *Metrics) SequenceAssigned() {
	if m == nil {
		return
	}
	m.seqAssigned.Inc()
}

// SequenceConflict 记录一次序号冲突
func (m *Metrics) SequenceConflict() {
	if m == nil {
		return
	}
	m.seqConflicts.Inc()
}

// ConnectedDevices 设置在线设备数
func (m *Metrics) ConnectedDevices(n int) {
	if m == nil {
		return
	}
	m.devices.Set(float64(n))
}

// Forwarded 记录一次转发
func (m *Metrics) Forwarded(msgType string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(msgType).Inc()
}

// ============================================================================
//                              Fx 模块
// ============================================================================

// Module 提供 *Metrics 和 Reporter
var Module = fx.Module("metrics",
	fx.Provide(
		func() *Metrics { return New(DefaultNamespace) },
		func(m *Metrics) Reporter { return m },
	),
)
