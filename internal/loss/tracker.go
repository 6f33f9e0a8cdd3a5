// =============================================================================
// 文件: internal/loss/tracker.go
// 描述: 接收侧丢帧估算 - FER (逐帧) 与 PER (百帧窗口) 两种变体
// =============================================================================

package loss

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mrcgq/ofdmlink/internal/protocol"
)

const (
	// perWindow PER 计数器达到该值后清零
	perWindow = 100

	// 平滑值 EWMA 权重 (1/8)
	ewmaAlpha = 0.125
)

// Variant 估算变体
type Variant int

const (
	VariantFER Variant = iota
	VariantPER
)

func (v Variant) String() string {
	if v == VariantPER {
		return "per"
	}
	return "fer"
}

// ParseVariant 解析配置中的变体名
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "", "fer":
		return VariantFER, nil
	case "per":
		return VariantPER, nil
	default:
		return VariantFER, fmt.Errorf("未知的丢包估算变体: %s", s)
	}
}

// Sample 单次更新产生的遥测样本
type Sample struct {
	Variant Variant
	Seq     uint16
	// Count FER: lost+1 (本次推断经过的帧数); PER: 恒为 1
	Count int
	// Percent 0..100
	Percent float64
}

// Stats 累计统计
type Stats struct {
	Variant      Variant
	Observed     uint64
	LostEstimate uint64
	LastSeq      int
	LastPercent  float64
	SmoothedLoss float64
	WindowRecv   int
	WindowLost   int
}

// Tracker 接收侧丢帧估算器
type Tracker interface {
	Observe(seq uint16) Sample
	Last() int
	Reset()
	Variant() Variant
	Stats() Stats
}

// NewTracker 按变体创建
func NewTracker(v Variant) Tracker {
	if v == VariantPER {
		return NewPERTracker()
	}
	return NewFERTracker()
}

// =============================================================================
// 公共部分
// =============================================================================

type base struct {
	mu       sync.Mutex
	last     int
	observed uint64
	lost     uint64
	percent  float64
	smoothed float64
}

func (b *base) reset() {
	b.last = -1
	b.observed = 0
	b.lost = 0
	b.percent = 0
	b.smoothed = 0
}

func (b *base) record(lost int, percent float64) {
	b.observed++
	if lost > 0 {
		b.lost += uint64(lost)
	}
	b.percent = percent
	if b.observed == 1 {
		b.smoothed = percent
	} else {
		b.smoothed = (1-ewmaAlpha)*b.smoothed + ewmaAlpha*percent
	}
}

// =============================================================================
// FER
// =============================================================================

// FERTracker 每帧根据序号差推断丢失数
type FERTracker struct {
	base
}

// NewFERTracker 创建 FER 估算器，last 初始为 -1
func NewFERTracker() *FERTracker {
	return &FERTracker{base: base{last: -1}}
}

// Observe lost = s-last-1 (负数加 4096), fer = lost/(lost+1)
func (t *FERTracker) Observe(seq uint16) Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := int(seq)
	lost := s - t.last - 1
	if lost < 0 {
		lost += protocol.SequenceModulo
	}
	fer := float64(lost) / float64(lost+1)
	t.last = s
	t.record(lost, fer*100)

	return Sample{Variant: VariantFER, Seq: seq, Count: lost + 1, Percent: fer * 100}
}

func (t *FERTracker) Last() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *FERTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

func (t *FERTracker) Variant() Variant { return VariantFER }

func (t *FERTracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Variant:      VariantFER,
		Observed:     t.observed,
		LostEstimate: t.lost,
		LastSeq:      t.last,
		LastPercent:  t.percent,
		SmoothedLoss: t.smoothed,
	}
}

// =============================================================================
// PER
// =============================================================================

// PERTracker 累计 received/lost，received 达到 100 或为负时清零
type PERTracker struct {
	base
	received int
	lostWin  int
}

// NewPERTracker 创建 PER 估算器
func NewPERTracker() *PERTracker {
	return &PERTracker{base: base{last: -1}}
}

// Observe 序号回绕时 received 变为负数并触发清零
func (t *PERTracker) Observe(seq uint16) Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := int(seq)
	delta := s - t.last
	t.received += delta
	t.lostWin += delta - 1

	per := 0.0
	if t.received != 0 {
		per = float64(t.lostWin) / float64(t.received)
	}
	t.last = s
	t.record(delta-1, per*100)

	if t.received >= perWindow || t.received < 0 {
		t.received = 0
		t.lostWin = 0
	}

	return Sample{Variant: VariantPER, Seq: seq, Count: 1, Percent: per * 100}
}

func (t *PERTracker) Last() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *PERTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
	t.received = 0
	t.lostWin = 0
}

func (t *PERTracker) Variant() Variant { return VariantPER }

func (t *PERTracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Variant:      VariantPER,
		Observed:     t.observed,
		LostEstimate: t.lost,
		LastSeq:      t.last,
		LastPercent:  t.percent,
		SmoothedLoss: t.smoothed,
		WindowRecv:   t.received,
		WindowLost:   t.lostWin,
	}
}
