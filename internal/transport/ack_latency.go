// =============================================================================
// 文件: internal/transport/ack_latency.go
// 描述: ACK 往返时延估算 (RFC 6298 SRTT/RTTVAR)，只用于观测与配置建议
// =============================================================================

package transport

import (
	"sync"
	"time"
)

const (
	latencyAlpha = 0.125
	latencyBeta  = 0.25
)

// AckLatencySnapshot 时延快照
type AckLatencySnapshot struct {
	Samples   uint64
	Latest    time.Duration
	Smoothed  time.Duration
	Variance  time.Duration
	Min       time.Duration
	Max       time.Duration
	Suggested time.Duration
}

// AckLatencyEstimator 发送到收到 ACK 的时延估算
type AckLatencyEstimator struct {
	mu       sync.Mutex
	samples  uint64
	latest   time.Duration
	smoothed time.Duration
	variance time.Duration
	min      time.Duration
	max      time.Duration
}

// NewAckLatencyEstimator 创建估算器
func NewAckLatencyEstimator() *AckLatencyEstimator {
	return &AckLatencyEstimator{}
}

// Update 加入一个样本
func (e *AckLatencyEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples++
	e.latest = sample
	if e.min == 0 || sample < e.min {
		e.min = sample
	}
	if sample > e.max {
		e.max = sample
	}

	if e.samples == 1 {
		e.smoothed = sample
		e.variance = sample / 2
		return
	}

	// RTTVAR = (1-beta)*RTTVAR + beta*|SRTT-R|; SRTT = (1-alpha)*SRTT + alpha*R
	diff := e.smoothed - sample
	if diff < 0 {
		diff = -diff
	}
	e.variance = time.Duration(float64(e.variance)*(1-latencyBeta) + float64(diff)*latencyBeta)
	e.smoothed = time.Duration(float64(e.smoothed)*(1-latencyAlpha) + float64(sample)*latencyAlpha)
}

// Snapshot 返回快照
// Suggested = SRTT + 4*RTTVAR，无样本时为 0
func (e *AckLatencyEstimator) Snapshot() AckLatencySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := AckLatencySnapshot{
		Samples:  e.samples,
		Latest:   e.latest,
		Smoothed: e.smoothed,
		Variance: e.variance,
		Min:      e.min,
		Max:      e.max,
	}
	if e.samples > 0 {
		s.Suggested = e.smoothed + 4*e.variance
	}
	return s
}

// Reset 清空
func (e *AckLatencyEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = 0
	e.latest, e.smoothed, e.variance = 0, 0, 0
	e.min, e.max = 0, 0
}
