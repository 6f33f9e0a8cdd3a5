// =============================================================================
// 文件: internal/transport/loopback.go
// 描述: 内存回环物理层 - 一对站点直连，可注入 SNR 与丢帧
// =============================================================================

package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/mrcgq/ofdmlink/internal/ratecontrol"
)

const loopbackQueueSize = 256

// TxRecord 记录一次发送
type TxRecord struct {
	Frame  []byte
	Params ratecontrol.EncodingParams
	At     time.Time
}

// LoopbackPhy 回环物理层的一端
type LoopbackPhy struct {
	peer   *LoopbackPhy
	frames chan RxFrame

	snr      atomic.Float64
	variance atomic.Float64

	// dropNext >0 时丢弃接下来的 N 个发出帧
	dropNext atomic.Int64

	mu      sync.Mutex
	sent    []TxRecord
	closed  bool
	onceEOF sync.Once
}

// NewLoopbackPair 创建一对相连的端点，snr 为各自发出帧在对端的标注
func NewLoopbackPair(snrA, snrB float64) (*LoopbackPhy, *LoopbackPhy) {
	a := &LoopbackPhy{frames: make(chan RxFrame, loopbackQueueSize)}
	b := &LoopbackPhy{frames: make(chan RxFrame, loopbackQueueSize)}
	a.peer, b.peer = b, a
	a.snr.Store(snrA)
	b.snr.Store(snrB)
	return a, b
}

// SetChannel 修改本端发出帧的 SNR 标注
func (p *LoopbackPhy) SetChannel(snr, variance float64) {
	p.snr.Store(snr)
	p.variance.Store(variance)
}

// DropNext 丢弃接下来 n 个发出帧
func (p *LoopbackPhy) DropNext(n int) {
	p.dropNext.Store(int64(n))
}

// Transmit 投递到对端
func (p *LoopbackPhy) Transmit(ctx context.Context, frame []byte, params ratecontrol.EncodingParams) error {
	now := time.Now()
	cp := append([]byte(nil), frame...)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPhyClosed
	}
	p.sent = append(p.sent, TxRecord{Frame: cp, Params: params, At: now})
	p.mu.Unlock()

	if p.dropNext.Load() > 0 && p.dropNext.Dec() >= 0 {
		return nil
	}

	rx := RxFrame{
		Data:        cp,
		SNR:         p.snr.Load(),
		SNRVariance: p.variance.Load(),
		Encoding:    params,
		Received:    now,
	}
	select {
	case p.peer.frames <- rx:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames 本端收到的帧
func (p *LoopbackPhy) Frames() <-chan RxFrame {
	return p.frames
}

// Sent 本端已发送记录的副本
func (p *LoopbackPhy) Sent() []TxRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TxRecord, len(p.sent))
	copy(out, p.sent)
	return out
}

// Close 停止发送，并向本端接收队列投递流结束标记
func (p *LoopbackPhy) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.onceEOF.Do(func() {
		select {
		case p.frames <- EndOfStream():
		default:
			go func() { p.frames <- EndOfStream() }()
		}
	})
	return nil
}
