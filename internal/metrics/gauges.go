// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram）
// =============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ofdmlink"

// LinkMetrics 链路指标集合，nil 接收者上的调用均为空操作
type LinkMetrics struct {
	// 帧
	FramesTotal *prometheus.CounterVec
	BytesTotal  *prometheus.CounterVec
	Dropped     *prometheus.CounterVec

	// ACK
	AckTimeouts     prometheus.Counter
	LateAcks        prometheus.Counter
	AckLatency      prometheus.Histogram
	OutstandingAcks prometheus.Gauge

	// 速率自适应
	EncodingLevel   prometheus.Gauge
	EncodingChanges *prometheus.CounterVec
	SNR             prometheus.Gauge
	SNRVariance     prometheus.Gauge

	// 丢帧
	LossPercent *prometheus.GaugeVec
	FrameDelay  prometheus.Histogram
}

// NewLinkMetrics 创建并注册指标
func NewLinkMetrics(registry prometheus.Registerer) *LinkMetrics {
	m := &LinkMetrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mac",
			Name:      "frames_total",
			Help:      "Frames handled by direction and frame type",
		}, []string{"direction", "type"}),

		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mac",
			Name:      "bytes_total",
			Help:      "Frame bytes by direction",
		}, []string{"direction"}),

		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mac",
			Name:      "dropped_frames_total",
			Help:      "Received frames dropped by reason",
		}, []string{"reason"}),

		AckTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ack",
			Name:      "timeouts_total",
			Help:      "Data frames whose ACK did not arrive in time",
		}),

		LateAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ack",
			Name:      "late_total",
			Help:      "ACKs received with no outstanding frame",
		}),

		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ack",
			Name:      "latency_seconds",
			Help:      "Time from data frame transmission to ACK",
			Buckets:   []float64{.00002, .00005, .0001, .0005, .001, .005, .01, .02, .05, .1},
		}),

		OutstandingAcks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ack",
			Name:      "outstanding",
			Help:      "Data frames awaiting ACK",
		}),

		EncodingLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rate",
			Name:      "encoding_level",
			Help:      "Current encoding level (0 = BPSK-1/2 .. 7 = QAM64-3/4)",
		}),

		EncodingChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rate",
			Name:      "changes_total",
			Help:      "Encoding level changes by reason",
		}, []string{"reason"}),

		SNR: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rate",
			Name:      "snr_db",
			Help:      "SNR of the last decoded frame",
		}),

		SNRVariance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rate",
			Name:      "snr_variance",
			Help:      "SNR variance reported with the last decoded frame",
		}),

		LossPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loss",
			Name:      "percent",
			Help:      "Last published frame/packet error rate in percent",
		}, []string{"variant"}),

		FrameDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loss",
			Name:      "inter_frame_delay_seconds",
			Help:      "Delay between consecutive received data frames",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}

	registry.MustRegister(
		m.FramesTotal,
		m.BytesTotal,
		m.Dropped,
		m.AckTimeouts,
		m.LateAcks,
		m.AckLatency,
		m.OutstandingAcks,
		m.EncodingLevel,
		m.EncodingChanges,
		m.SNR,
		m.SNRVariance,
		m.LossPercent,
		m.FrameDelay,
	)

	return m
}

// RecordTx 记录发出帧
func (m *LinkMetrics) RecordTx(frameType string, n int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues("tx", frameType).Inc()
	m.BytesTotal.WithLabelValues("tx").Add(float64(n))
}

// RecordRx 记录收到并接受的帧
func (m *LinkMetrics) RecordRx(frameType string, n int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues("rx", frameType).Inc()
	m.BytesTotal.WithLabelValues("rx").Add(float64(n))
}

// RecordDrop 记录丢弃
func (m *LinkMetrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

// RecordAck 记录 ACK 延迟
func (m *LinkMetrics) RecordAck(latency time.Duration) {
	if m == nil {
		return
	}
	m.AckLatency.Observe(latency.Seconds())
}

// RecordAckTimeout 记录超时
func (m *LinkMetrics) RecordAckTimeout() {
	if m == nil {
		return
	}
	m.AckTimeouts.Inc()
}

// RecordLateAck 记录迟到 ACK
func (m *LinkMetrics) RecordLateAck() {
	if m == nil {
		return
	}
	m.LateAcks.Inc()
}

// SetOutstanding 设置未确认帧数
func (m *LinkMetrics) SetOutstanding(n int) {
	if m == nil {
		return
	}
	m.OutstandingAcks.Set(float64(n))
}

// RecordEncodingChange 记录等级变更
func (m *LinkMetrics) RecordEncodingChange(level int, reason string) {
	if m == nil {
		return
	}
	m.EncodingLevel.Set(float64(level))
	m.EncodingChanges.WithLabelValues(reason).Inc()
}

// SetEncodingLevel 设置当前等级
func (m *LinkMetrics) SetEncodingLevel(level int) {
	if m == nil {
		return
	}
	m.EncodingLevel.Set(float64(level))
}

// SetSNR 设置最近 SNR
func (m *LinkMetrics) SetSNR(snr, variance float64) {
	if m == nil {
		return
	}
	m.SNR.Set(snr)
	m.SNRVariance.Set(variance)
}

// SetLoss 设置丢帧率
func (m *LinkMetrics) SetLoss(variant string, percent float64) {
	if m == nil {
		return
	}
	m.LossPercent.WithLabelValues(variant).Set(percent)
}

// RecordFrameDelay 记录帧间隔
func (m *LinkMetrics) RecordFrameDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.FrameDelay.Observe(d.Seconds())
}
