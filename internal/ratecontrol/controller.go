// =============================================================================
// 文件: internal/ratecontrol/controller.go
// 描述: 速率自适应控制器 - 接收路径升降级、ACK 超时回退、发送前过期降级
// =============================================================================

package ratecontrol

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultStaleFactor 距上次发送超过 N 倍 ACK 超时视为信道信息过期
	DefaultStaleFactor = 3

	defaultHistorySize = 100
)

// Config 控制器配置
type Config struct {
	AckTimeout  time.Duration
	StaleFactor int
	Initial     Level
	Ladder      *Ladder
	HistorySize int

	// OnChange 等级变更回调，在锁外调用
	OnChange func(ChangeEvent)
}

// Stats 控制器统计
type Stats struct {
	Level      Level
	Params     EncodingParams
	LastSend   time.Time
	Changes    map[ChangeReason]uint64
	Promotions uint64
	Demotions  uint64
	Quality    SNRSnapshot
	StaleAfter time.Duration
}

// Controller 全局唯一的编码状态
type Controller struct {
	ladder     *Ladder
	staleAfter time.Duration
	quality    *SNRMonitor
	onChange   func(ChangeEvent)
	now        func() time.Time

	mu         sync.Mutex
	level      Level
	lastSend   time.Time
	history    []ChangeEvent
	historyCap int
	changes    map[ChangeReason]uint64
	promotions uint64
	demotions  uint64
}

// NewController 创建控制器
func NewController(cfg Config) (*Controller, error) {
	if cfg.AckTimeout <= 0 {
		return nil, fmt.Errorf("ACK 超时必须为正: %v", cfg.AckTimeout)
	}
	if cfg.StaleFactor <= 0 {
		cfg.StaleFactor = DefaultStaleFactor
	}
	if !cfg.Initial.Valid() {
		return nil, fmt.Errorf("无效的初始等级: %d", int(cfg.Initial))
	}
	if cfg.Ladder == nil {
		cfg.Ladder = DefaultLadder()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	c := &Controller{
		ladder:     cfg.Ladder,
		staleAfter: time.Duration(cfg.StaleFactor) * cfg.AckTimeout,
		quality:    NewSNRMonitor(),
		onChange:   cfg.OnChange,
		now:        time.Now,
		level:      cfg.Initial,
		historyCap: cfg.HistorySize,
		history:    make([]ChangeEvent, 0, cfg.HistorySize),
		changes:    make(map[ChangeReason]uint64),
	}
	c.lastSend = c.now()
	return c, nil
}

// Current 当前等级
func (c *Controller) Current() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// OnFrameDecoded 每成功解出一帧按 SNR 重新选级
func (c *Controller) OnFrameDecoded(snr, variance float64) Level {
	c.quality.Record(snr, variance)

	c.mu.Lock()
	target := c.ladder.Decide(c.level, snr)
	ev := c.setLocked(target, ReasonSNR, snr)
	lv := c.level
	c.mu.Unlock()

	c.notify(ev)
	return lv
}

// OnAckTimeout ACK 超时强制回到最低等级
func (c *Controller) OnAckTimeout() Level {
	c.mu.Lock()
	ev := c.setLocked(Floor, ReasonTimeout, c.quality.Snapshot().Last)
	c.mu.Unlock()

	c.notify(ev)
	return Floor
}

// PrepareSend 发送前检查过期并记录发送时间，返回本帧使用的等级
// 检查、读取、记录在同一把锁内完成
func (c *Controller) PrepareSend(now time.Time) (Level, EncodingParams) {
	c.mu.Lock()
	var ev *ChangeEvent
	if now.Sub(c.lastSend) > c.staleAfter {
		ev = c.setLocked(c.level.Down(), ReasonStale, c.quality.Snapshot().Last)
	}
	c.lastSend = now
	lv := c.level
	c.mu.Unlock()

	c.notify(ev)
	return lv, lv.Params()
}

// AckParams ACK 编码
func (c *Controller) AckParams() EncodingParams {
	return AckParams()
}

// SetLevel 手动设置等级
func (c *Controller) SetLevel(l Level) error {
	if !l.Valid() {
		return fmt.Errorf("无效的编码等级: %d", int(l))
	}
	c.mu.Lock()
	ev := c.setLocked(l, ReasonManual, c.quality.Snapshot().Last)
	c.mu.Unlock()

	c.notify(ev)
	return nil
}

// LastSend 上次发送时间
func (c *Controller) LastSend() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSend
}

// StaleAfter 过期阈值
func (c *Controller) StaleAfter() time.Duration {
	return c.staleAfter
}

// Quality 信道质量快照
func (c *Controller) Quality() SNRSnapshot {
	return c.quality.Snapshot()
}

// History 最近 limit 条变更记录，limit<=0 返回全部
func (c *Controller) History(limit int) []ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ChangeEvent, n)
	copy(out, c.history[len(c.history)-n:])
	return out
}

// Stats 返回统计
func (c *Controller) Stats() Stats {
	q := c.quality.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	changes := make(map[ChangeReason]uint64, len(c.changes))
	for k, v := range c.changes {
		changes[k] = v
	}
	return Stats{
		Level:      c.level,
		Params:     c.level.Params(),
		LastSend:   c.lastSend,
		Changes:    changes,
		Promotions: c.promotions,
		Demotions:  c.demotions,
		Quality:    q,
		StaleAfter: c.staleAfter,
	}
}

// setLocked 调用方持有 mu；等级未变返回 nil
func (c *Controller) setLocked(to Level, reason ChangeReason, snr float64) *ChangeEvent {
	from := c.level
	if to == from {
		return nil
	}
	c.level = to
	c.changes[reason]++
	if to > from {
		c.promotions++
	} else {
		c.demotions++
	}

	ev := ChangeEvent{From: from, To: to, Reason: reason, SNR: snr, Timestamp: c.now()}
	if len(c.history) >= c.historyCap {
		copy(c.history, c.history[1:])
		c.history = c.history[:len(c.history)-1]
	}
	c.history = append(c.history, ev)
	return &ev
}

func (c *Controller) notify(ev *ChangeEvent) {
	if ev != nil && c.onChange != nil {
		c.onChange(*ev)
	}
}
