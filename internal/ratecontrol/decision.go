// =============================================================================
// 文件: internal/ratecontrol/decision.go
// 描述: SNR 门限阶梯 - 选取满足门限的最高等级
// =============================================================================

package ratecontrol

import (
	"fmt"
	"math"
)

// DefaultThresholds 各等级最低 SNR (dB)，BPSK-1/2 为兜底无门限
var DefaultThresholds = map[Level]float64{
	BPSK3_4:   5,
	QPSK1_2:   8,
	QPSK3_4:   11,
	QAM16_1_2: 14,
	QAM16_3_4: 18,
	QAM64_2_3: 22,
	QAM64_3_4: 25,
}

// Ladder 门限阶梯
type Ladder struct {
	// minSNR[l] 为等级 l 的门限，下标 0 恒为 -Inf
	minSNR [Ceiling + 1]float64

	// hysteresis 升级时额外要求的余量 (dB)，0 表示不加迟滞
	hysteresis float64
}

// NewLadder 创建阶梯，thresholds 缺省项使用默认值
func NewLadder(thresholds map[Level]float64, hysteresis float64) (*Ladder, error) {
	if hysteresis < 0 {
		return nil, fmt.Errorf("迟滞不能为负: %f", hysteresis)
	}

	l := &Ladder{hysteresis: hysteresis}
	l.minSNR[Floor] = math.Inf(-1)
	for _, lv := range AllLevels[1:] {
		v, ok := thresholds[lv]
		if !ok {
			v = DefaultThresholds[lv]
		}
		l.minSNR[lv] = v
	}

	for lv := BPSK3_4 + 1; lv <= Ceiling; lv++ {
		if l.minSNR[lv] < l.minSNR[lv-1] {
			return nil, fmt.Errorf("门限必须单调不减: %s(%.1f) < %s(%.1f)",
				lv, l.minSNR[lv], lv-1, l.minSNR[lv-1])
		}
	}
	return l, nil
}

// DefaultLadder 默认门限、无迟滞
func DefaultLadder() *Ladder {
	l, _ := NewLadder(nil, 0)
	return l
}

// Threshold 返回等级门限
func (l *Ladder) Threshold(lv Level) float64 {
	if !lv.Valid() {
		return math.NaN()
	}
	return l.minSNR[lv]
}

// SelectFromSNR 返回门限满足的最高等级
func (l *Ladder) SelectFromSNR(snr float64) Level {
	if math.IsNaN(snr) {
		return Floor
	}
	for lv := Ceiling; lv > Floor; lv-- {
		if snr >= l.minSNR[lv] {
			return lv
		}
	}
	return Floor
}

// Decide 在当前等级基础上决策；升级需要越过门限加迟滞，降级立即生效
func (l *Ladder) Decide(current Level, snr float64) Level {
	target := l.SelectFromSNR(snr)
	if l.hysteresis == 0 || target <= current {
		return target
	}
	for target > current && snr < l.minSNR[target]+l.hysteresis {
		target--
	}
	return target
}
