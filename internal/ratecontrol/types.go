// =============================================================================
// 文件: internal/ratecontrol/types.go
// 描述: 速率自适应 - 编码等级、调制方式、打孔率
// =============================================================================

package ratecontrol

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// 调制与打孔
// =============================================================================

// Modulation 单个资源块的调制方式
type Modulation uint8

const (
	BPSK  Modulation = 0
	QPSK  Modulation = 1
	QAM16 Modulation = 2
	QAM64 Modulation = 3
)

func (m Modulation) String() string {
	switch m {
	case BPSK:
		return "BPSK"
	case QPSK:
		return "QPSK"
	case QAM16:
		return "QAM16"
	case QAM64:
		return "QAM64"
	default:
		return fmt.Sprintf("Modulation(%d)", uint8(m))
	}
}

// BitsPerSymbol 每子载波比特数
func (m Modulation) BitsPerSymbol() int {
	switch m {
	case QPSK:
		return 2
	case QAM16:
		return 4
	case QAM64:
		return 6
	default:
		return 1
	}
}

// Puncturing 卷积码打孔率
type Puncturing uint8

const (
	P1_2 Puncturing = 0
	P3_4 Puncturing = 1
	P2_3 Puncturing = 2
)

func (p Puncturing) String() string {
	switch p {
	case P1_2:
		return "1/2"
	case P3_4:
		return "3/4"
	case P2_3:
		return "2/3"
	default:
		return fmt.Sprintf("Puncturing(%d)", uint8(p))
	}
}

// ResourceBlocks 资源块数量
const ResourceBlocks = 4

// EncodingParams 交给调制器的编码参数
type EncodingParams struct {
	ResourceBlocks [ResourceBlocks]Modulation
	Puncturing     Puncturing
}

// Uniform 所有资源块使用同一调制
func Uniform(m Modulation, p Puncturing) EncodingParams {
	return EncodingParams{
		ResourceBlocks: [ResourceBlocks]Modulation{m, m, m, m},
		Puncturing:     p,
	}
}

// AckParams ACK 恒用最稳健的编码
func AckParams() EncodingParams {
	return Uniform(BPSK, P1_2)
}

func (e EncodingParams) String() string {
	mods := make([]string, ResourceBlocks)
	for i, m := range e.ResourceBlocks {
		mods[i] = m.String()
	}
	return fmt.Sprintf("[%s] %s", strings.Join(mods, ","), e.Puncturing)
}

// =============================================================================
// 编码等级
// =============================================================================

// Level 编码等级，数值越大越激进
type Level int

const (
	BPSK1_2 Level = iota
	BPSK3_4
	QPSK1_2
	QPSK3_4
	QAM16_1_2
	QAM16_3_4
	QAM64_2_3
	QAM64_3_4
)

// Floor 最低等级
const Floor = BPSK1_2

// Ceiling 最高等级
const Ceiling = QAM64_3_4

// AllLevels 从低到高
var AllLevels = []Level{BPSK1_2, BPSK3_4, QPSK1_2, QPSK3_4, QAM16_1_2, QAM16_3_4, QAM64_2_3, QAM64_3_4}

var levelTable = [...]struct {
	name string
	mod  Modulation
	punc Puncturing
}{
	BPSK1_2:   {"BPSK-1/2", BPSK, P1_2},
	BPSK3_4:   {"BPSK-3/4", BPSK, P3_4},
	QPSK1_2:   {"QPSK-1/2", QPSK, P1_2},
	QPSK3_4:   {"QPSK-3/4", QPSK, P3_4},
	QAM16_1_2: {"QAM16-1/2", QAM16, P1_2},
	QAM16_3_4: {"QAM16-3/4", QAM16, P3_4},
	QAM64_2_3: {"QAM64-2/3", QAM64, P2_3},
	QAM64_3_4: {"QAM64-3/4", QAM64, P3_4},
}

// Valid 是否在 0..7 内
func (l Level) Valid() bool {
	return l >= Floor && l <= Ceiling
}

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelTable[l].name
}

// Params 等级对应的四个资源块调制与打孔
func (l Level) Params() EncodingParams {
	if !l.Valid() {
		l = Floor
	}
	e := levelTable[l]
	return Uniform(e.mod, e.punc)
}

// Down 降一级，不低于 Floor
func (l Level) Down() Level {
	if l <= Floor {
		return Floor
	}
	return l - 1
}

// ParseLevel 解析 "QPSK-3/4" 形式(大小写、'-'/'_' 不敏感)
func ParseLevel(s string) (Level, error) {
	norm := func(v string) string {
		v = strings.ToUpper(strings.TrimSpace(v))
		return strings.NewReplacer("-", "", "_", "", "/", "").Replace(v)
	}
	want := norm(s)
	for _, l := range AllLevels {
		if norm(l.String()) == want {
			return l, nil
		}
	}
	return Floor, fmt.Errorf("未知的编码等级: %s", s)
}

// =============================================================================
// 变更原因与事件
// =============================================================================

// ChangeReason 等级变更原因
type ChangeReason string

const (
	ReasonSNR     ChangeReason = "snr"
	ReasonTimeout ChangeReason = "ack_timeout"
	ReasonStale   ChangeReason = "stale"
	ReasonManual  ChangeReason = "manual"
)

// ChangeEvent 等级变更记录
type ChangeEvent struct {
	From      Level
	To        Level
	Reason    ChangeReason
	SNR       float64
	Timestamp time.Time
}
