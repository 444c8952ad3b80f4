package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标；所有方法对 nil 接收者安全
type AppMetrics struct {
	SerialBytesReceived prometheus.Counter
	SerialBytesSent     prometheus.Counter
	FrameParseTotal     *prometheus.CounterVec // labels: result=ok|malformed|unknown|resync
	MessageRouteTotal   *prometheus.CounterVec // labels: class, method, kind
	DevicesGauge        prometheus.Gauge       // 当前登记设备数
	StateTransitions    *prometheus.CounterVec // labels: state
	RequestTotal        *prometheus.CounterVec // labels: op, status
	ReconcileDuration   prometheus.Histogram
	TrackedBattery      *prometheus.GaugeVec // labels: address
	TrackedOnline       *prometheus.GaugeVec // labels: address
	TrackedRSSI         *prometheus.GaugeVec // labels: address
	RecorderDropped     prometheus.Counter
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		SerialBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ble_serial_bytes_received_total",
			Help: "Total bytes received from the serial controller.",
		}),
		SerialBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ble_serial_bytes_sent_total",
			Help: "Total bytes written to the serial controller.",
		}),
		FrameParseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_frame_parse_total",
			Help: "BGAPI frame parse attempts by result.",
		}, []string{"result"}),
		MessageRouteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_message_route_total",
			Help: "Routed BGAPI messages by class, method and kind.",
		}, []string{"class", "method", "kind"}),
		DevicesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ble_devices_registered",
			Help: "Current number of devices registered on the adapter.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_device_state_transitions_total",
			Help: "Device connection state transitions by target state.",
		}, []string{"state"}),
		RequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_requests_total",
			Help: "Device requests by operation and completion status.",
		}, []string{"op", "status"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ble_reconcile_duration_seconds",
			Help:    "Duration of adapter reconciliation passes.",
			Buckets: prometheus.DefBuckets,
		}),
		TrackedBattery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ble_tracked_battery_level",
			Help: "Battery level percentage of tracked devices.",
		}, []string{"address"}),
		TrackedOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ble_tracked_online",
			Help: "Online status (1/0) of tracked devices.",
		}, []string{"address"}),
		TrackedRSSI: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ble_tracked_rssi",
			Help: "Last RSSI of tracked devices.",
		}, []string{"address"}),
		RecorderDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ble_recorder_dropped_total",
			Help: "Records dropped because the recorder queue was full.",
		}),
	}
	reg.MustRegister(
		m.SerialBytesReceived, m.SerialBytesSent, m.FrameParseTotal, m.MessageRouteTotal,
		m.DevicesGauge, m.StateTransitions, m.RequestTotal, m.ReconcileDuration,
		m.TrackedBattery, m.TrackedOnline, m.TrackedRSSI, m.RecorderDropped,
	)
	return m
}

// ObserveFrame 记录一次帧解析结果
func (m *AppMetrics) ObserveFrame(result string) {
	if m == nil {
		return
	}
	m.FrameParseTotal.WithLabelValues(result).Inc()
}

// ObserveRoute 记录一次消息分发
func (m *AppMetrics) ObserveRoute(class, method, kind string) {
	if m == nil {
		return
	}
	m.MessageRouteTotal.WithLabelValues(class, method, kind).Inc()
}

// ObserveRequest 记录一次设备请求完成
func (m *AppMetrics) ObserveRequest(op, status string) {
	if m == nil {
		return
	}
	m.RequestTotal.WithLabelValues(op, status).Inc()
}

// ObserveTransition 记录状态迁移
func (m *AppMetrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

// SetDevices 更新设备数
func (m *AppMetrics) SetDevices(n int) {
	if m == nil {
		return
	}
	m.DevicesGauge.Set(float64(n))
}

// ObserveReconcile 记录对账耗时（秒）
func (m *AppMetrics) ObserveReconcile(seconds float64) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Observe(seconds)
}

// AddSerialBytes 串口收发字节计数
func (m *AppMetrics) AddSerialBytes(received, sent int) {
	if m == nil {
		return
	}
	if received > 0 {
		m.SerialBytesReceived.Add(float64(received))
	}
	if sent > 0 {
		m.SerialBytesSent.Add(float64(sent))
	}
}

// SetTracked 更新跟踪设备的电量/在线/RSSI
func (m *AppMetrics) SetTracked(address string, battery int, online bool, rssi int) {
	if m == nil {
		return
	}
	m.TrackedBattery.WithLabelValues(address).Set(float64(battery))
	v := 0.0
	if online {
		v = 1
	}
	m.TrackedOnline.WithLabelValues(address).Set(v)
	m.TrackedRSSI.WithLabelValues(address).Set(float64(rssi))
}

// IncRecorderDropped 记录器丢弃计数
func (m *AppMetrics) IncRecorderDropped() {
	if m == nil {
		return
	}
	m.RecorderDropped.Inc()
}
