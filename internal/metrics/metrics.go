// Package metrics 提供监控指标收集功能
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once           sync.Once
	registry       *prometheus.Registry
	defaultMetrics *Metrics
)

// Metrics 封装所有监控指标
type Metrics struct {
	// 连接指标，按端点(echo/chat)区分
	ConnectedClients  *prometheus.GaugeVec
	ConnectionRate    *prometheus.CounterVec
	DisconnectionRate *prometheus.CounterVec

	// 帧指标
	FramesIn      *prometheus.CounterVec
	FramesOut     prometheus.Counter
	FramesDropped *prometheus.CounterVec
	MessageSize   prometheus.Histogram

	// 回显管道
	EchoResponses     prometheus.Counter
	EchoNotifications prometheus.Counter

	// 广播中心
	Subscribers       prometheus.Gauge
	Publishes         prometheus.Counter
	PublishLatency    prometheus.Histogram
	BlockedDeliveries prometheus.Counter
	RelayReceived     prometheus.Counter
	RelayDuplicates   prometheus.Counter

	// 消息总线
	BusErrors     *prometheus.CounterVec
	BusReconnects *prometheus.CounterVec

	// 错误指标
	ErrorsTotal         prometheus.Counter
	CriticalErrorsTotal *prometheus.CounterVec

	// 认证指标
	AuthSuccess prometheus.Counter
	AuthFailure prometheus.Counter
}

// NewMetrics 创建新的Metrics实例，并注册到新的注册表
func NewMetrics(namespace string) *Metrics {
	registry = prometheus.NewRegistry()
	f := promauto.With(registry)

	return &Metrics{
		ConnectedClients: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "当前连接的客户端数",
		}, []string{"endpoint"}),
		ConnectionRate: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "新连接计数",
		}, []string{"endpoint"}),
		DisconnectionRate: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "断开连接计数",
		}, []string{"endpoint"}),

		FramesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_in_total",
			Help:      "入站帧计数",
		}, []string{"kind"}),
		FramesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_out_total",
			Help:      "出站帧计数",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "被丢弃的入站帧",
		}, []string{"reason"}),
		MessageSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_size_bytes",
			Help:      "入站消息大小分布",
			Buckets:   []float64{16, 64, 256, 1024, 4096, 16384, 65536},
		}),

		EchoResponses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_responses_total",
			Help:      "回显命令响应数",
		}),
		EchoNotifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_notifications_total",
			Help:      "连接时长通知数",
		}),

		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_subscribers",
			Help:      "当前订阅者数量",
		}),
		Publishes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_publishes_total",
			Help:      "广播发布次数",
		}),
		PublishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hub_publish_latency_seconds",
			Help:      "单次发布投递到所有订阅者的耗时",
			Buckets:   prometheus.DefBuckets,
		}),
		BlockedDeliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_blocked_deliveries_total",
			Help:      "因订阅队列已满而阻塞的投递次数",
		}),
		RelayReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_relay_received_total",
			Help:      "从消息总线收到的其他节点消息",
		}),
		RelayDuplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_relay_duplicates_total",
			Help:      "被去重丢弃的总线消息",
		}),

		BusErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_errors_total",
			Help:      "消息总线错误计数",
		}, []string{"bus", "op"}),
		BusReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_reconnects_total",
			Help:      "消息总线重连次数",
		}, []string{"bus"}),

		ErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "错误总数",
		}),
		CriticalErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_errors_total",
			Help:      "严重错误总数",
		}, []string{"type"}),

		AuthSuccess: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_success_total",
			Help:      "认证成功计数",
		}),
		AuthFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failure_total",
			Help:      "认证失败计数",
		}),
	}
}

// GetRegistry 获取Prometheus注册表
func GetRegistry() *prometheus.Registry {
	Default()
	return registry
}

// Default 获取默认指标实例
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = NewMetrics("duplexhub")
	})
	return defaultMetrics
}

// 便捷方法

func ClientConnected(endpoint string) {
	m := Default()
	m.ConnectedClients.WithLabelValues(endpoint).Inc()
	m.ConnectionRate.WithLabelValues(endpoint).Inc()
}

func ClientDisconnected(endpoint string) {
	m := Default()
	m.ConnectedClients.WithLabelValues(endpoint).Dec()
	m.DisconnectionRate.WithLabelValues(endpoint).Inc()
}

// FrameReceived 记录入站帧
func FrameReceived(kind string, sizeBytes int) {
	m := Default()
	m.FramesIn.WithLabelValues(kind).Inc()
	m.MessageSize.Observe(float64(sizeBytes))
}

func FrameSent() {
	Default().FramesOut.Inc()
}

// FrameDropped 记录被丢弃的帧，reason 取值 non_text / overflow
func FrameDropped(reason string) {
	Default().FramesDropped.WithLabelValues(reason).Inc()
}

func EchoResponded() {
	Default().EchoResponses.Inc()
}

func EchoNotified() {
	Default().EchoNotifications.Inc()
}

func SubscriberAdded() {
	Default().Subscribers.Inc()
}

func SubscriberRemoved() {
	Default().Subscribers.Dec()
}

// Published 记录一次完整的发布及其耗时
func Published(d time.Duration) {
	m := Default()
	m.Publishes.Inc()
	m.PublishLatency.Observe(d.Seconds())
}

func DeliveryBlocked() {
	Default().BlockedDeliveries.Inc()
}

func RelayReceived() {
	Default().RelayReceived.Inc()
}

func RelayDuplicate() {
	Default().RelayDuplicates.Inc()
}

// BusError 记录消息总线错误，op 取值 publish / subscribe
func BusError(bus, op string) {
	Default().BusErrors.WithLabelValues(bus, op).Inc()
}

func BusReconnected(bus string) {
	Default().BusReconnects.WithLabelValues(bus).Inc()
}

// RecordError 记录错误
func RecordError() {
	Default().ErrorsTotal.Inc()
}

func RecordAuthSuccess() {
	Default().AuthSuccess.Inc()
}

func RecordAuthFailure() {
	Default().AuthFailure.Inc()
}

// RecordCriticalError 记录严重错误
func RecordCriticalError(errorType string) {
	Default().CriticalErrorsTotal.WithLabelValues(errorType).Inc()

	// 记录在日志中，便于排查
	slog.Error("critical error encountered", "type", errorType)
}
