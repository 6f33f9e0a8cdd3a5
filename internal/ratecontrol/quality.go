// =============================================================================
// 文件: internal/ratecontrol/quality.go
// 描述: 信道质量监控 - 记录解调器上报的 SNR 与方差
// =============================================================================

package ratecontrol

import (
	"math"
	"sync"
	"time"
)

const (
	snrSampleWindow = 64
	snrEWMAAlpha    = 0.125
)

// SNRSnapshot 质量快照
type SNRSnapshot struct {
	Last         float64
	LastVariance float64
	Mean         float64
	Smoothed     float64
	Min          float64
	Max          float64
	WindowStdDev float64
	Samples      uint64
	LastUpdate   time.Time
}

// SNRMonitor 滑动窗口 + EWMA
type SNRMonitor struct {
	samples []float64
	index   int
	count   int

	last     float64
	lastVar  float64
	smoothed float64
	min      float64
	max      float64
	total    uint64

	lastUpdate time.Time

	mu sync.RWMutex
}

// NewSNRMonitor 创建监控器
func NewSNRMonitor() *SNRMonitor {
	return &SNRMonitor{
		samples: make([]float64, snrSampleWindow),
		min:     math.Inf(1),
		max:     math.Inf(-1),
	}
}

// Record 记录一次解调结果，NaN 忽略
func (m *SNRMonitor) Record(snr, variance float64) {
	if math.IsNaN(snr) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples[m.index] = snr
	m.index = (m.index + 1) % snrSampleWindow
	if m.count < snrSampleWindow {
		m.count++
	}

	if m.total == 0 {
		m.smoothed = snr
	} else {
		m.smoothed = (1-snrEWMAAlpha)*m.smoothed + snrEWMAAlpha*snr
	}
	m.total++
	m.last = snr
	m.lastVar = variance
	if snr < m.min {
		m.min = snr
	}
	if snr > m.max {
		m.max = snr
	}
	m.lastUpdate = time.Now()
}

// Snapshot 返回当前快照
func (m *SNRMonitor) Snapshot() SNRSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := SNRSnapshot{
		Last:         m.last,
		LastVariance: m.lastVar,
		Smoothed:     m.smoothed,
		Samples:      m.total,
		LastUpdate:   m.lastUpdate,
	}
	if m.count == 0 {
		return s
	}
	s.Min, s.Max = m.min, m.max

	var sum float64
	for i := 0; i < m.count; i++ {
		sum += m.samples[i]
	}
	s.Mean = sum / float64(m.count)

	var sq float64
	for i := 0; i < m.count; i++ {
		d := m.samples[i] - s.Mean
		sq += d * d
	}
	s.WindowStdDev = math.Sqrt(sq / float64(m.count))
	return s
}

// Reset 清空
func (m *SNRMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index, m.count, m.total = 0, 0, 0
	m.last, m.lastVar, m.smoothed = 0, 0, 0
	m.min, m.max = math.Inf(1), math.Inf(-1)
	m.lastUpdate = time.Time{}
}
