// =============================================================================
// 文件: internal/transport/phy.go
// 描述: 物理层接口 - 调制器出口与解调器入口
// =============================================================================

package transport

import (
	"context"
	"errors"
	"time"

	"github.com/mrcgq/ofdmlink/internal/ratecontrol"
)

// ErrPhyClosed 物理层已关闭
var ErrPhyClosed = errors.New("物理层已关闭")

// Modulator 接收帧字节与编码参数，负责上空口
type Modulator interface {
	Transmit(ctx context.Context, frame []byte, params ratecontrol.EncodingParams) error
}

// ModulatorFunc 函数适配
type ModulatorFunc func(ctx context.Context, frame []byte, params ratecontrol.EncodingParams) error

func (f ModulatorFunc) Transmit(ctx context.Context, frame []byte, params ratecontrol.EncodingParams) error {
	return f(ctx, frame, params)
}

// RxFrame 解调器交付的帧及其信道标注
type RxFrame struct {
	Data        []byte
	SNR         float64
	SNRVariance float64
	Encoding    ratecontrol.EncodingParams
	Received    time.Time

	// EOF 流结束标记，其余字段无意义
	EOF bool
}

// EndOfStream 构造流结束标记
func EndOfStream() RxFrame {
	return RxFrame{EOF: true}
}

// Phy 同时具备收发能力的物理层
type Phy interface {
	Modulator
	Frames() <-chan RxFrame
	Close() error
}
