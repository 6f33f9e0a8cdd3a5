// =============================================================================
// 文件: internal/handler/coordinator.go
// 描述: 链路协调器 - 串联帧编解码、丢帧估算、ACK 定时器与速率自适应
// =============================================================================
package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/ofdmlink/internal/capture"
	"github.com/mrcgq/ofdmlink/internal/config"
	"github.com/mrcgq/ofdmlink/internal/logging"
	"github.com/mrcgq/ofdmlink/internal/loss"
	"github.com/mrcgq/ofdmlink/internal/metrics"
	"github.com/mrcgq/ofdmlink/internal/protocol"
	"github.com/mrcgq/ofdmlink/internal/ratecontrol"
	"github.com/mrcgq/ofdmlink/internal/transport"
)

// =============================================================================
// 错误
// =============================================================================

var (
	// ErrEndOfStream 物理层流结束
	ErrEndOfStream = errors.New("物理层流结束")

	// ErrAckPending 单帧在途模式下仍有帧未确认
	ErrAckPending = errors.New("上一帧尚未确认")
)

// 丢弃原因 (指标标签)
const (
	dropChecksum  = "checksum"
	dropMalformed = "malformed"
	dropForeign   = "not_for_us"
	dropUnknown   = "unknown_subtype"
)

// =============================================================================
// 状态
// =============================================================================

// State 协调器状态，仅用于观测
type State int32

const (
	StateIdle State = iota
	StateSending
	StateAwaitingAck
	StateReceiving
	StateAckPending
	StateStopped
)

var stateNames = [...]string{"idle", "sending", "awaiting_ack", "receiving", "ack_pending", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// =============================================================================
// 协作者
// =============================================================================

// AppHandler 接收解出的负载
type AppHandler interface {
	OnPayload(payload []byte, from protocol.MacAddress)
}

// AppHandlerFunc 函数适配
type AppHandlerFunc func(payload []byte, from protocol.MacAddress)

func (f AppHandlerFunc) OnPayload(payload []byte, from protocol.MacAddress) {
	f(payload, from)
}

// TelemetrySink 遥测发布，发后即忘
type TelemetrySink interface {
	Publish(msgType string, data interface{})
}

// FrameCapture 抓包
type FrameCapture interface {
	WriteFrame(frame []byte, ts time.Time, dir capture.Direction) error
}

// Config 协调器配置
type Config struct {
	Own  protocol.MacAddress
	Peer protocol.MacAddress
	BSS  protocol.MacAddress

	AckTimeout  time.Duration
	SIFS        time.Duration
	StaleFactor int

	InitialLevel ratecontrol.Level
	Ladder       *ratecontrol.Ladder
	LossVariant  loss.Variant

	SingleOutstanding bool
	MaxPayload        int
}

// ConfigFrom 由配置文件构建
func ConfigFrom(c *config.Config) (Config, error) {
	own, peer, bss, err := c.Addresses()
	if err != nil {
		return Config{}, err
	}
	ladder, err := c.Ladder()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Own:               own,
		Peer:              peer,
		BSS:               bss,
		AckTimeout:        c.AckTimeout(),
		SIFS:              c.SIFS(),
		StaleFactor:       c.MAC.StaleFactor,
		InitialLevel:      c.InitialLevel(),
		Ladder:            ladder,
		LossVariant:       c.LossVariant(),
		SingleOutstanding: c.MAC.SingleOutstanding,
		MaxPayload:        c.MAC.MaxPayload,
	}, nil
}

// Deps 外部协作者，除 Modulator 外均可为空
type Deps struct {
	Modulator transport.Modulator
	App       AppHandler
	Telemetry TelemetrySink
	Metrics   *metrics.LinkMetrics
	Capture   FrameCapture
	TxCounter *metrics.FileCounter
	RxCounter *metrics.FileCounter
	Logger    *zap.SugaredLogger
}

// Stats 协调器统计
type Stats struct {
	State          State
	DataSent       uint64
	DataReceived   uint64
	AcksSent       uint64
	AcksReceived   uint64
	LateAcks       uint64
	Timeouts       uint64
	DropChecksum   uint64
	DropMalformed  uint64
	DropForeign    uint64
	DropUnknown    uint64
	ManagementSeen uint64
	Level          ratecontrol.Level
	Loss           loss.Stats
	Rate           ratecontrol.Stats
	Timers         transport.AckTimerStats
}

type coordinatorStats struct {
	dataSent       atomic.Uint64
	dataReceived   atomic.Uint64
	acksSent       atomic.Uint64
	acksReceived   atomic.Uint64
	lateAcks       atomic.Uint64
	timeouts       atomic.Uint64
	dropChecksum   atomic.Uint64
	dropMalformed  atomic.Uint64
	dropForeign    atomic.Uint64
	dropUnknown    atomic.Uint64
	managementSeen atomic.Uint64
}

// =============================================================================
// LinkCoordinator
// =============================================================================

// LinkCoordinator 单站链路控制核心
type LinkCoordinator struct {
	cfg Config
	log *zap.SugaredLogger

	modulator transport.Modulator
	app       AppHandler
	telemetry TelemetrySink
	metrics   *metrics.LinkMetrics
	capture   FrameCapture
	txCounter *metrics.FileCounter
	rxCounter *metrics.FileCounter

	seq     *loss.SequenceCounter
	tracker loss.Tracker
	timers  *transport.AckTimerManager
	rate    *ratecontrol.Controller

	// sendMu 串行化 "选编码-组帧-发送-挂定时器" 与 ACK 出队
	sendMu sync.Mutex

	state      atomic.Int32
	lastDataAt atomic.Time
	startedAt  time.Time
	stats      coordinatorStats
}

// New 创建协调器
func New(cfg Config, deps Deps) (*LinkCoordinator, error) {
	if deps.Modulator == nil {
		return nil, fmt.Errorf("未配置调制器")
	}
	if cfg.MaxPayload <= 0 || cfg.MaxPayload > protocol.MTU {
		cfg.MaxPayload = protocol.MTU
	}

	c := &LinkCoordinator{
		cfg:       cfg,
		log:       logging.Component(deps.Logger, "link"),
		modulator: deps.Modulator,
		app:       deps.App,
		telemetry: deps.Telemetry,
		metrics:   deps.Metrics,
		capture:   deps.Capture,
		txCounter: deps.TxCounter,
		rxCounter: deps.RxCounter,
		seq:       loss.NewSequenceCounter(),
		tracker:   loss.NewTracker(cfg.LossVariant),
		startedAt: time.Now(),
	}

	rate, err := ratecontrol.NewController(ratecontrol.Config{
		AckTimeout:  cfg.AckTimeout,
		StaleFactor: cfg.StaleFactor,
		Initial:     cfg.InitialLevel,
		Ladder:      cfg.Ladder,
		OnChange:    c.onEncodingChange,
	})
	if err != nil {
		return nil, protocol.Fatal("rate controller", err)
	}
	c.rate = rate

	timers, err := transport.NewAckTimerManager(transport.AckTimerConfig{
		Timeout:   cfg.AckTimeout,
		OnTimeout: c.onAckTimeout,
		Logger:    logging.Component(deps.Logger, "ack"),
	})
	if err != nil {
		return nil, protocol.Fatal("ack timers", err)
	}
	c.timers = timers

	c.metrics.SetEncodingLevel(int(rate.Current()))
	return c, nil
}

// =============================================================================
// 发送路径
// =============================================================================

// SendPayload 以当前编码发送一个数据帧并挂起 ACK 定时器
// 不做自动重传，超时只触发编码回退
func (c *LinkCoordinator) SendPayload(ctx context.Context, payload []byte) error {
	if len(payload) > c.cfg.MaxPayload {
		return protocol.Fatal("send payload",
			fmt.Errorf("%w: %d > %d", protocol.ErrPayloadTooLarge, len(payload), c.cfg.MaxPayload))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.cfg.SingleOutstanding && c.timers.Outstanding() > 0 {
		return protocol.Recoverable("send payload", ErrAckPending)
	}

	c.setState(StateSending)
	level, params := c.rate.PrepareSend(time.Now())
	seq := c.seq.Next()

	frame, err := protocol.BuildDataFrame(c.cfg.Peer, c.cfg.Own, c.cfg.BSS, seq, payload)
	if err != nil {
		c.settle()
		return err
	}
	if err := c.modulator.Transmit(ctx, frame, params); err != nil {
		c.settle()
		return protocol.Recoverable("transmit data", err)
	}
	c.timers.Arm(seq)
	c.setState(StateAwaitingAck)

	c.stats.dataSent.Inc()
	c.metrics.RecordTx("data", len(frame))
	c.metrics.SetOutstanding(c.timers.Outstanding())
	c.writeCapture(frame, capture.DirTx)
	if err := c.txCounter.Inc(); err != nil {
		c.log.Warnw("更新发送计数失败", "error", err)
	}

	c.log.Debugw("发送数据帧", "seq", seq, "len", len(frame), "level", level)
	return nil
}

// sendAck 以最稳健编码回 ACK，只在组帧与发送期间持锁
func (c *LinkCoordinator) sendAck(ctx context.Context, ra protocol.MacAddress) error {
	frame := protocol.BuildAckFrame(ra)

	c.sendMu.Lock()
	err := c.modulator.Transmit(ctx, frame, c.rate.AckParams())
	c.sendMu.Unlock()
	if err != nil {
		return protocol.Recoverable("transmit ack", err)
	}

	c.stats.acksSent.Inc()
	c.metrics.RecordTx("ack", len(frame))
	c.writeCapture(frame, capture.DirTx)
	return nil
}

// onAckTimeout 定时器回调，在定时器协程中执行
func (c *LinkCoordinator) onAckTimeout(e *transport.OutstandingAck) {
	level := c.rate.OnAckTimeout()
	c.settle()
	c.metrics.RecordAckTimeout()
	c.metrics.SetOutstanding(c.timers.Outstanding())
	c.log.Infow("ACK 超时，编码回退", "seq", e.Seq, "level", level)
	c.stats.timeouts.Inc()
}

// onEncodingChange 控制器等级变更回调
func (c *LinkCoordinator) onEncodingChange(ev ratecontrol.ChangeEvent) {
	c.metrics.RecordEncodingChange(int(ev.To), string(ev.Reason))
	c.publish(transport.TelemetryEncoding, EncodingTelemetry{
		From:   ev.From.String(),
		To:     ev.To.String(),
		Reason: string(ev.Reason),
		SNR:    ev.SNR,
		Params: ev.To.Params(),
	})
	c.log.Infow("编码变更", "from", ev.From, "to", ev.To, "reason", ev.Reason, "snr", ev.SNR)
}

// =============================================================================
// 接收路径
// =============================================================================

// HandlePhyFrame 处理解调器交付的一帧
// 单帧错误只丢弃当前帧并返回 nil；流结束返回 ErrEndOfStream
func (c *LinkCoordinator) HandlePhyFrame(ctx context.Context, rx transport.RxFrame) error {
	if rx.EOF {
		return ErrEndOfStream
	}
	if rx.Received.IsZero() {
		rx.Received = time.Now()
	}

	c.setState(StateReceiving)
	defer c.settle()

	c.writeCapture(rx.Data, capture.DirRx)

	if err := protocol.ValidateChecksum(rx.Data); err != nil {
		c.drop(dropChecksum, err, len(rx.Data))
		return nil
	}
	f, err := protocol.Parse(rx.Data)
	if err != nil {
		c.drop(dropMalformed, err, len(rx.Data))
		return nil
	}
	if f.Addr1 != c.cfg.Own {
		c.stats.dropForeign.Inc()
		c.metrics.RecordDrop(dropForeign)
		c.log.Debugw("非本站帧", "addr1", f.Addr1, "type", f.Type)
		return nil
	}

	if !f.Recognized {
		c.stats.dropUnknown.Inc()
		c.metrics.RecordDrop(dropUnknown)
		c.log.Infow("未知帧子类型", "type", f.Type, "subtype", f.Subtype)
	} else {
		switch f.Type {
		case protocol.TypeManagement:
			c.handleManagement(f)
		case protocol.TypeControl:
			c.handleControl(f, len(rx.Data))
		case protocol.TypeData:
			if err := c.handleData(ctx, f, rx); err != nil {
				c.log.Warnw("回复 ACK 失败", "to", f.Addr2, "error", err)
			}
		}
	}

	c.metrics.SetSNR(rx.SNR, rx.SNRVariance)
	c.rate.OnFrameDecoded(rx.SNR, rx.SNRVariance)
	return nil
}

func (c *LinkCoordinator) drop(reason string, err error, n int) {
	switch reason {
	case dropChecksum:
		c.stats.dropChecksum.Inc()
	case dropMalformed:
		c.stats.dropMalformed.Inc()
	}
	c.metrics.RecordDrop(reason)
	c.log.Debugw("丢弃帧", "reason", reason, "len", n, "error", err)
}

func (c *LinkCoordinator) handleManagement(f *protocol.ParsedFrame) {
	c.stats.managementSeen.Inc()
	name := protocol.SubtypeName(f.Type, f.Subtype)
	if f.Subtype == protocol.SubtypeBeacon {
		if f.Truncated {
			c.log.Infow("信标帧截断，忽略", "from", f.Addr2)
			return
		}
		c.log.Infow("收到信标", "from", f.Addr2, "ssid", f.SSID)
		return
	}
	c.log.Infow("收到管理帧", "subtype", name, "from", f.Addr2)
}

func (c *LinkCoordinator) handleControl(f *protocol.ParsedFrame, n int) {
	if !f.IsAck() {
		c.log.Debugw("收到控制帧", "subtype", protocol.SubtypeName(f.Type, f.Subtype))
		return
	}

	c.sendMu.Lock()
	e, ok := c.timers.OnAck()
	c.sendMu.Unlock()

	c.metrics.RecordRx("ack", n)
	if !ok {
		c.stats.lateAcks.Inc()
		c.metrics.RecordLateAck()
		return
	}
	c.stats.acksReceived.Inc()
	c.metrics.RecordAck(time.Since(e.ArmedAt))
	c.metrics.SetOutstanding(c.timers.Outstanding())
}

func (c *LinkCoordinator) handleData(ctx context.Context, f *protocol.ParsedFrame, rx transport.RxFrame) error {
	sample := c.tracker.Observe(f.Sequence)
	c.stats.dataReceived.Inc()
	c.metrics.RecordRx("data", len(rx.Data))
	c.metrics.SetLoss(sample.Variant.String(), sample.Percent)
	if err := c.rxCounter.Inc(); err != nil {
		c.log.Warnw("更新接收计数失败", "error", err)
	}

	var delay time.Duration
	if prev := c.lastDataAt.Load(); !prev.IsZero() {
		delay = rx.Received.Sub(prev)
		c.metrics.RecordFrameDelay(delay)
	}
	c.lastDataAt.Store(rx.Received)

	c.publish(transport.TelemetryLoss, LossTelemetry{
		Variant: sample.Variant.String(),
		Seq:     sample.Seq,
		Count:   sample.Count,
		Percent: sample.Percent,
	})
	c.publish(transport.TelemetryFrameData, FrameDataTelemetry{
		From:        f.Addr2.String(),
		Seq:         f.Sequence,
		Length:      len(f.Body),
		SNR:         rx.SNR,
		SNRVariance: rx.SNRVariance,
		Encoding:    rx.Encoding,
		DelayMs:     float64(delay) / float64(time.Millisecond),
	})

	// Null、CF-ACK 等子类型只计入丢帧估算并回 ACK，不向上交付
	if c.app != nil && f.CarriesPayload() {
		payload := make([]byte, len(f.Body))
		copy(payload, f.Body)
		c.app.OnPayload(payload, f.Addr2)
	}

	c.setState(StateAckPending)
	if err := c.waitSIFS(ctx); err != nil {
		return err
	}
	return c.sendAck(ctx, f.Addr2)
}

// waitSIFS 帧间隔等待，不持任何锁
func (c *LinkCoordinator) waitSIFS(ctx context.Context) error {
	if c.cfg.SIFS <= 0 {
		return nil
	}
	t := time.NewTimer(c.cfg.SIFS)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// 运行循环
// =============================================================================

// Run 同时驱动应用负载与物理层帧，直到流结束、ctx 取消或出现致命错误
// 流结束返回 nil
func (c *LinkCoordinator) Run(ctx context.Context, app <-chan []byte, phy <-chan transport.RxFrame) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case rx, ok := <-phy:
				if !ok {
					return ErrEndOfStream
				}
				if err := c.HandlePhyFrame(gctx, rx); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case payload, ok := <-app:
				if !ok {
					return nil
				}
				err := c.SendPayload(gctx, payload)
				switch {
				case err == nil:
				case errors.Is(err, transport.ErrPhyClosed):
					return nil
				case protocol.IsFatal(err):
					c.log.Errorw("发送失败", "len", len(payload), "error", err)
					return err
				default:
					c.log.Warnw("发送失败", "len", len(payload), "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-c.timers.Fatal():
			return err
		}
	})

	err := g.Wait()
	c.Close()
	if errors.Is(err, ErrEndOfStream) {
		c.log.Infow("物理层流结束，链路停止")
		return nil
	}
	if err == nil {
		return ctx.Err()
	}
	return err
}

// Close 停止所有定时器
func (c *LinkCoordinator) Close() {
	c.timers.Close()
	c.state.Store(int32(StateStopped))
}

// =============================================================================
// 状态与统计
// =============================================================================

func (c *LinkCoordinator) setState(s State) {
	if State(c.state.Load()) == StateStopped {
		return
	}
	c.state.Store(int32(s))
}

// settle 处理结束后回到空闲或等待 ACK
func (c *LinkCoordinator) settle() {
	if c.timers.Outstanding() > 0 {
		c.setState(StateAwaitingAck)
		return
	}
	c.setState(StateIdle)
}

// State 当前状态
func (c *LinkCoordinator) State() State {
	return State(c.state.Load())
}

// Level 当前编码等级
func (c *LinkCoordinator) Level() ratecontrol.Level {
	return c.rate.Current()
}

// Controller 速率控制器
func (c *LinkCoordinator) Controller() *ratecontrol.Controller {
	return c.rate
}

// Outstanding 未确认帧数
func (c *LinkCoordinator) Outstanding() int {
	return c.timers.Outstanding()
}

// Stats 返回统计快照
func (c *LinkCoordinator) Stats() Stats {
	return Stats{
		State:          c.State(),
		DataSent:       c.stats.dataSent.Load(),
		DataReceived:   c.stats.dataReceived.Load(),
		AcksSent:       c.stats.acksSent.Load(),
		AcksReceived:   c.stats.acksReceived.Load(),
		LateAcks:       c.stats.lateAcks.Load(),
		Timeouts:       c.stats.timeouts.Load(),
		DropChecksum:   c.stats.dropChecksum.Load(),
		DropMalformed:  c.stats.dropMalformed.Load(),
		DropForeign:    c.stats.dropForeign.Load(),
		DropUnknown:    c.stats.dropUnknown.Load(),
		ManagementSeen: c.stats.managementSeen.Load(),
		Level:          c.rate.Current(),
		Loss:           c.tracker.Stats(),
		Rate:           c.rate.Stats(),
		Timers:         c.timers.Stats(),
	}
}

// GetState 实现 metrics.LinkStats
func (c *LinkCoordinator) GetState() string {
	return c.State().String()
}

// GetUptimeSeconds 实现 metrics.LinkStats
func (c *LinkCoordinator) GetUptimeSeconds() float64 {
	return time.Since(c.startedAt).Seconds()
}

// GetLinkStats 实现 metrics.LinkStats
func (c *LinkCoordinator) GetLinkStats() metrics.LinkStatData {
	rs := c.rate.Stats()
	ls := c.tracker.Stats()
	lat := c.timers.Stats().Latency
	d := metrics.LinkStatData{
		DataSent:       c.stats.dataSent.Load(),
		DataReceived:   c.stats.dataReceived.Load(),
		AcksSent:       c.stats.acksSent.Load(),
		AcksReceived:   c.stats.acksReceived.Load(),
		Promotions:     rs.Promotions,
		Demotions:      rs.Demotions,
		LossObserved:   ls.Observed,
		LossEstimate:   ls.LostEstimate,
		SmoothedLoss:   ls.SmoothedLoss,
		SNRMean:        rs.Quality.Mean,
		SNRStdDev:      rs.Quality.WindowStdDev,
		SNRSmoothed:    rs.Quality.Smoothed,
		StaleAfterSec:  rs.StaleAfter.Seconds(),
		AckSmoothedSec: lat.Smoothed.Seconds(),
		AckSuggestSec:  lat.Suggested.Seconds(),
	}
	if !rs.LastSend.IsZero() {
		d.LastSendAgeSec = time.Since(rs.LastSend).Seconds()
	}
	return d
}

// =============================================================================
// 辅助
// =============================================================================

func (c *LinkCoordinator) publish(msgType string, data interface{}) {
	if c.telemetry != nil {
		c.telemetry.Publish(msgType, data)
	}
}

func (c *LinkCoordinator) writeCapture(frame []byte, dir capture.Direction) {
	if c.capture == nil {
		return
	}
	if err := c.capture.WriteFrame(frame, time.Now(), dir); err != nil {
		c.log.Debugw("抓包写入失败", "dir", dir, "error", err)
	}
}
