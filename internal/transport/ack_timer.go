// =============================================================================
// 文件: internal/transport/ack_timer.go
// 描述: ACK 超时管理 - FIFO 未确认队列，每帧一个可取消定时器
// =============================================================================

package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mrcgq/ofdmlink/internal/protocol"
)

// ErrTimerQueueEmpty 定时器触发时队列为空，记账错误
var ErrTimerQueueEmpty = errors.New("ACK 定时器触发时队列为空")

// OutstandingAck 一个等待 ACK 的已发送帧
type OutstandingAck struct {
	ID       uint64
	Seq      uint16
	ArmedAt  time.Time
	Deadline time.Time

	timer *time.Timer

	// acked 由 ACK 或 Close 移出队列，定时器再触发时忽略
	acked bool
	// expired 被某个定时器按 FIFO 移出，自身定时器仍有效
	expired bool
}

// AckTimerConfig 配置
type AckTimerConfig struct {
	Timeout time.Duration

	// OnTimeout 超时回调(在定时器协程中、锁外调用)
	OnTimeout func(*OutstandingAck)

	Logger *zap.SugaredLogger
}

// AckTimerStats 统计
type AckTimerStats struct {
	Armed       uint64
	Acked       uint64
	Timeouts    uint64
	LateAcks    uint64
	RacedAcks   uint64
	Outstanding int
	LastLatency time.Duration
	Latency     AckLatencySnapshot
}

// AckTimerManager 未确认帧队列
// ACK 不携带序号，总是确认最早的未确认帧
type AckTimerManager struct {
	timeout   time.Duration
	onTimeout func(*OutstandingAck)
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	queue  []*OutstandingAck
	nextID uint64
	closed bool

	fatal   chan error
	latency *AckLatencyEstimator

	armed       atomic.Uint64
	acked       atomic.Uint64
	timeouts    atomic.Uint64
	lateAcks    atomic.Uint64
	racedAcks   atomic.Uint64
	lastLatency atomic.Duration
}

// NewAckTimerManager 创建管理器
func NewAckTimerManager(cfg AckTimerConfig) (*AckTimerManager, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("ACK 超时必须为正: %v", cfg.Timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AckTimerManager{
		timeout:   cfg.Timeout,
		onTimeout: cfg.OnTimeout,
		logger:    logger,
		queue:     make([]*OutstandingAck, 0, 16),
		fatal:     make(chan error, 1),
		latency:   NewAckLatencyEstimator(),
	}, nil
}

// Timeout 超时时长
func (m *AckTimerManager) Timeout() time.Duration {
	return m.timeout
}

// Fatal 致命错误通道
func (m *AckTimerManager) Fatal() <-chan error {
	return m.fatal
}

// Arm 入队并启动定时器，立即返回
func (m *AckTimerManager) Arm(seq uint16) *OutstandingAck {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	e := &OutstandingAck{
		ID:       m.nextID,
		Seq:      seq,
		ArmedAt:  now,
		Deadline: now.Add(m.timeout),
	}
	if m.closed {
		e.acked = true
		return e
	}
	e.timer = time.AfterFunc(m.timeout, func() { m.expire(e) })
	m.queue = append(m.queue, e)
	m.armed.Inc()
	return e
}

// OnAck 收到 ACK，弹出最早的未确认帧并取消其定时器
// 队列为空时返回 false (迟到的 ACK)
func (m *AckTimerManager) OnAck() (*OutstandingAck, bool) {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		m.lateAcks.Inc()
		m.logger.Infow("收到迟到的 ACK，无未确认帧")
		return nil, false
	}
	e := m.popLocked()
	e.acked = true
	m.mu.Unlock()

	e.timer.Stop()
	latency := time.Since(e.ArmedAt)
	m.lastLatency.Store(latency)
	m.latency.Update(latency)
	m.acked.Inc()
	m.logger.Debugw("ACK 确认", "id", e.ID, "seq", e.Seq, "latency", latency)
	return e, true
}

// expire 定时器回调
func (m *AckTimerManager) expire(fired *OutstandingAck) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if fired.acked {
		// ACK 与定时器同时到达，ACK 已处理
		m.mu.Unlock()
		m.racedAcks.Inc()
		return
	}
	if len(m.queue) == 0 {
		if fired.expired {
			// 本条目已被先触发的定时器移出，应由本次触发移出的条目已被 ACK 确认
			m.mu.Unlock()
			m.racedAcks.Inc()
			return
		}
		m.mu.Unlock()
		err := protocol.Fatal("ack timer", ErrTimerQueueEmpty)
		m.logger.Errorw("定时器记账错误", "id", fired.ID, "error", err)
		select {
		case m.fatal <- err:
		default:
		}
		return
	}
	// 每次触发恰好移出最早的一个条目；e 的定时器保持运行，触发时再移出下一个
	e := m.popLocked()
	e.expired = true
	m.mu.Unlock()

	m.timeouts.Inc()
	m.logger.Infow("ACK 超时", "id", e.ID, "seq", e.Seq, "timeout", m.timeout)
	if m.onTimeout != nil {
		m.onTimeout(e)
	}
}

// popLocked 调用方持有 mu
func (m *AckTimerManager) popLocked() *OutstandingAck {
	e := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return e
}

// Outstanding 未确认帧数量
func (m *AckTimerManager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Stats 返回统计
func (m *AckTimerManager) Stats() AckTimerStats {
	return AckTimerStats{
		Armed:       m.armed.Load(),
		Acked:       m.acked.Load(),
		Timeouts:    m.timeouts.Load(),
		LateAcks:    m.lateAcks.Load(),
		RacedAcks:   m.racedAcks.Load(),
		Outstanding: m.Outstanding(),
		LastLatency: m.lastLatency.Load(),
		Latency:     m.latency.Snapshot(),
	}
}

// Close 停止所有定时器，可重复调用
func (m *AckTimerManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, e := range m.queue {
		e.timer.Stop()
		e.acked = true
	}
	m.queue = nil
}
