// =============================================================================
// 文件: internal/transport/udp.go
// 描述: UDP 模拟空口 - 用 UDP 数据报承载帧与编码参数，接收端可叠加模拟信道
// =============================================================================

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mrcgq/ofdmlink/internal/protocol"
	"github.com/mrcgq/ofdmlink/internal/ratecontrol"
)

// =============================================================================
// 常量定义
// =============================================================================

const (
	// 数据报头: Magic(2) + Version(1) + Punct(1) + RB(4) + SNR(8) + Var(8)
	airHeaderSize = 24
	airMagic      = 0x4F46 // "OF"
	airVersion    = 1

	defaultReadBufferSize  = 4 * 1024 * 1024
	defaultWriteBufferSize = 4 * 1024 * 1024
	defaultPhyQueueSize    = 1024

	readPollInterval = 200 * time.Millisecond
)

// ErrBadAirHeader 数据报头非法
var ErrBadAirHeader = errors.New("空口数据报头非法")

// =============================================================================
// 数据报编解码
// =============================================================================

// encodeAirDatagram 帧 + 发送端编码参数 + 发送端 SNR 标注
func encodeAirDatagram(frame []byte, params ratecontrol.EncodingParams, snr, variance float64) []byte {
	b := make([]byte, airHeaderSize+len(frame))
	binary.BigEndian.PutUint16(b[0:2], airMagic)
	b[2] = airVersion
	b[3] = byte(params.Puncturing)
	for i, m := range params.ResourceBlocks {
		b[4+i] = byte(m)
	}
	binary.BigEndian.PutUint64(b[8:16], math.Float64bits(snr))
	binary.BigEndian.PutUint64(b[16:24], math.Float64bits(variance))
	copy(b[airHeaderSize:], frame)
	return b
}

// decodeAirDatagram 解析数据报
func decodeAirDatagram(b []byte) (RxFrame, error) {
	if len(b) < airHeaderSize {
		return RxFrame{}, fmt.Errorf("%w: 长度 %d < %d", ErrBadAirHeader, len(b), airHeaderSize)
	}
	if binary.BigEndian.Uint16(b[0:2]) != airMagic || b[2] != airVersion {
		return RxFrame{}, fmt.Errorf("%w: magic=0x%04x ver=%d", ErrBadAirHeader, binary.BigEndian.Uint16(b[0:2]), b[2])
	}

	var params ratecontrol.EncodingParams
	params.Puncturing = ratecontrol.Puncturing(b[3])
	for i := range params.ResourceBlocks {
		params.ResourceBlocks[i] = ratecontrol.Modulation(b[4+i])
	}
	return RxFrame{
		Data:        append([]byte(nil), b[airHeaderSize:]...),
		SNR:         math.Float64frombits(binary.BigEndian.Uint64(b[8:16])),
		SNRVariance: math.Float64frombits(binary.BigEndian.Uint64(b[16:24])),
		Encoding:    params,
		Received:    time.Now(),
	}, nil
}

// =============================================================================
// 配置
// =============================================================================

// ChannelModel 接收端模拟信道，Enabled 时覆盖发送端标注
type ChannelModel struct {
	Enabled bool
	SNR     float64
	Jitter  float64
	// LossRate 0..1 随机丢弃
	LossRate float64
}

// UDPPhyConfig UDP 空口配置
type UDPPhyConfig struct {
	Listen string
	Peer   string

	// TxSNR 未启用信道模型时写入数据报的标注
	TxSNR float64

	Channel ChannelModel

	ReadBufferSize  int
	WriteBufferSize int
	QueueSize       int

	Logger *zap.SugaredLogger
}

// UDPPhyStats 统计
type UDPPhyStats struct {
	PacketsSent    uint64
	PacketsRecv    uint64
	BytesSent      uint64
	BytesRecv      uint64
	PacketsDropped uint64
	BadDatagrams   uint64
	ChannelLost    uint64
}

// =============================================================================
// UDPPhy
// =============================================================================

// UDPPhy UDP 模拟空口
type UDPPhy struct {
	cfg    UDPPhyConfig
	logger *zap.SugaredLogger

	conn   *net.UDPConn
	frames chan RxFrame

	// 对端地址解析，并发发送只解析一次
	resolveGroup singleflight.Group
	peerMu       sync.RWMutex
	peer         *net.UDPAddr

	rngMu sync.Mutex
	rng   *rand.Rand

	packetsSent    atomic.Uint64
	packetsRecv    atomic.Uint64
	bytesSent      atomic.Uint64
	bytesRecv      atomic.Uint64
	packetsDropped atomic.Uint64
	badDatagrams   atomic.Uint64
	channelLost    atomic.Uint64

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewUDPPhy 绑定本地端口
func NewUDPPhy(cfg UDPPhyConfig) (*UDPPhy, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultPhyQueueSize
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = defaultWriteBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("解析监听地址失败: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("监听 UDP 失败: %w", err)
	}
	if err := conn.SetReadBuffer(cfg.ReadBufferSize); err != nil {
		logger.Warnw("设置读缓冲区失败", "error", err)
	}
	if err := conn.SetWriteBuffer(cfg.WriteBufferSize); err != nil {
		logger.Warnw("设置写缓冲区失败", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &UDPPhy{
		cfg:    cfg,
		logger: logger,
		conn:   conn,
		frames: make(chan RxFrame, cfg.QueueSize),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// LocalAddr 本地地址
func (p *UDPPhy) LocalAddr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

// SetPeer 修改对端地址
func (p *UDPPhy) SetPeer(addr string) {
	p.peerMu.Lock()
	p.cfg.Peer = addr
	p.peer = nil
	p.peerMu.Unlock()
}

// Start 启动接收协程
func (p *UDPPhy) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.readLoop()
	p.logger.Infow("UDP 空口已启动", "listen", p.LocalAddr().String(), "peer", p.cfg.Peer)
}

// Frames 接收队列，停止后投递流结束标记
func (p *UDPPhy) Frames() <-chan RxFrame {
	return p.frames
}

// Transmit 发送一帧
func (p *UDPPhy) Transmit(ctx context.Context, frame []byte, params ratecontrol.EncodingParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ctx.Err() != nil {
		return ErrPhyClosed
	}
	if len(frame) > protocol.DataOverhead+protocol.MTU {
		return fmt.Errorf("帧过长: %d", len(frame))
	}

	peer, err := p.resolvePeer()
	if err != nil {
		return err
	}

	dgram := encodeAirDatagram(frame, params, p.cfg.TxSNR, 0)
	n, err := p.conn.WriteToUDP(dgram, peer)
	if err != nil {
		return fmt.Errorf("发送失败: %w", err)
	}
	p.packetsSent.Inc()
	p.bytesSent.Add(uint64(n))
	return nil
}

func (p *UDPPhy) resolvePeer() (*net.UDPAddr, error) {
	p.peerMu.RLock()
	peer, target := p.peer, p.cfg.Peer
	p.peerMu.RUnlock()
	if peer != nil {
		return peer, nil
	}
	if target == "" {
		return nil, fmt.Errorf("未配置对端地址")
	}

	v, err, _ := p.resolveGroup.Do(target, func() (interface{}, error) {
		addr, err := net.ResolveUDPAddr("udp", target)
		if err != nil {
			return nil, fmt.Errorf("解析对端地址失败: %w", err)
		}
		p.peerMu.Lock()
		if p.cfg.Peer == target {
			p.peer = addr
		}
		p.peerMu.Unlock()
		return addr, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*net.UDPAddr), nil
}

func (p *UDPPhy) readLoop() {
	defer p.wg.Done()
	defer p.pushEOF()

	buf := make([]byte, 64*1024)
	for {
		if p.ctx.Err() != nil {
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, _, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if p.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warnw("UDP 读取失败", "error", err)
			continue
		}

		rx, err := decodeAirDatagram(buf[:n])
		if err != nil {
			p.badDatagrams.Inc()
			p.logger.Debugw("丢弃非法数据报", "error", err)
			continue
		}
		p.packetsRecv.Inc()
		p.bytesRecv.Add(uint64(n))

		if !p.applyChannel(&rx) {
			p.channelLost.Inc()
			continue
		}

		select {
		case p.frames <- rx:
		default:
			p.packetsDropped.Inc()
			p.logger.Warnw("接收队列已满，丢弃帧", "len", len(rx.Data))
		}
	}
}

// applyChannel 按信道模型改写 SNR，返回 false 表示帧在信道中丢失
func (p *UDPPhy) applyChannel(rx *RxFrame) bool {
	ch := p.cfg.Channel
	if !ch.Enabled {
		return true
	}

	p.rngMu.Lock()
	defer p.rngMu.Unlock()

	if ch.LossRate > 0 && p.rng.Float64() < ch.LossRate {
		return false
	}
	rx.SNR = ch.SNR + ch.Jitter*p.rng.NormFloat64()
	rx.SNRVariance = ch.Jitter * ch.Jitter
	return true
}

func (p *UDPPhy) pushEOF() {
	select {
	case p.frames <- EndOfStream():
	case <-time.After(time.Second):
		p.logger.Warnw("流结束标记投递超时")
	}
}

// Stats 返回统计
func (p *UDPPhy) Stats() UDPPhyStats {
	return UDPPhyStats{
		PacketsSent:    p.packetsSent.Load(),
		PacketsRecv:    p.packetsRecv.Load(),
		BytesSent:      p.bytesSent.Load(),
		BytesRecv:      p.bytesRecv.Load(),
		PacketsDropped: p.packetsDropped.Load(),
		BadDatagrams:   p.badDatagrams.Load(),
		ChannelLost:    p.channelLost.Load(),
	}
}

// Close 停止接收并关闭套接字
func (p *UDPPhy) Close() error {
	var err error
	p.once.Do(func() {
		p.cancel()
		err = p.conn.Close()
		if p.running.Load() {
			p.wg.Wait()
		} else {
			p.pushEOF()
		}
		p.logger.Infow("UDP 空口已关闭", "sent", p.packetsSent.Load(), "recv", p.packetsRecv.Load())
	})
	return err
}
