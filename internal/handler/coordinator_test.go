// =============================================================================
// 文件: internal/handler/coordinator_test.go
// 描述: LinkCoordinator 测试
// 职责:
//   - 两个站点经回环物理层完成 数据-ACK 闭环
//   - 注入坏帧、非本站帧、迟到 ACK，验证只丢弃当前帧
//   - 验证超时回退、流结束退出与遥测输出
// =============================================================================
package handler

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/ofdmlink/internal/capture"
	"github.com/mrcgq/ofdmlink/internal/loss"
	"github.com/mrcgq/ofdmlink/internal/metrics"
	"github.com/mrcgq/ofdmlink/internal/protocol"
	"github.com/mrcgq/ofdmlink/internal/ratecontrol"
	"github.com/mrcgq/ofdmlink/internal/transport"
)

// =============================================================================
// Mock 组件
// =============================================================================

var (
	macA = protocol.MustParseMacAddress("42:42:42:42:42:42")
	macB = protocol.MustParseMacAddress("23:23:23:23:23:23")
	macC = protocol.MustParseMacAddress("aa:bb:cc:dd:ee:ff")
)

// MockModulator 记录所有发出的帧
type MockModulator struct {
	mu     sync.Mutex
	frames [][]byte
	params []ratecontrol.EncodingParams
	err    error
}

func (m *MockModulator) Transmit(ctx context.Context, frame []byte, params ratecontrol.EncodingParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.frames = append(m.frames, append([]byte(nil), frame...))
	m.params = append(m.params, params)
	return nil
}

func (m *MockModulator) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

func (m *MockModulator) Last() ([]byte, ratecontrol.EncodingParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.frames)
	return m.frames[n-1], m.params[n-1]
}

// MockApp 收集解出的负载
type MockApp struct {
	ch chan delivered
}

type delivered struct {
	payload []byte
	from    protocol.MacAddress
}

func NewMockApp() *MockApp {
	return &MockApp{ch: make(chan delivered, 64)}
}

func (a *MockApp) OnPayload(payload []byte, from protocol.MacAddress) {
	a.ch <- delivered{payload: payload, from: from}
}

func (a *MockApp) Wait(t *testing.T) delivered {
	t.Helper()
	select {
	case d := <-a.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("等待负载超时")
		return delivered{}
	}
}

// MockTelemetry 记录发布的消息
type MockTelemetry struct {
	mu   sync.Mutex
	msgs map[string][]interface{}
}

func NewMockTelemetry() *MockTelemetry {
	return &MockTelemetry{msgs: make(map[string][]interface{})}
}

func (m *MockTelemetry) Publish(msgType string, data interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[msgType] = append(m.msgs[msgType], data)
}

func (m *MockTelemetry) Get(msgType string) []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interface{}(nil), m.msgs[msgType]...)
}

// =============================================================================
// 辅助函数
// =============================================================================

func testConfig(own, peer protocol.MacAddress) Config {
	return Config{
		Own:          own,
		Peer:         peer,
		BSS:          protocol.BroadcastAddress,
		AckTimeout:   300 * time.Millisecond,
		SIFS:         10 * time.Microsecond,
		InitialLevel: ratecontrol.BPSK1_2,
		LossVariant:  loss.VariantFER,
	}
}

func newTestCoordinator(t *testing.T, cfg Config, deps Deps) *LinkCoordinator {
	t.Helper()
	c, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("创建协调器失败: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

func dataFrame(t *testing.T, dst, src protocol.MacAddress, seq uint16, payload []byte) transport.RxFrame {
	t.Helper()
	frame, err := protocol.BuildDataFrame(dst, src, protocol.BroadcastAddress, seq, payload)
	if err != nil {
		t.Fatal(err)
	}
	return transport.RxFrame{Data: frame, SNR: 12, Received: time.Now()}
}

// qosFrame 手工构造 QoS 数据帧 (头部 26 字节)
func qosFrame(dst, src protocol.MacAddress, seq uint16, payload []byte) []byte {
	return rawDataFrame(0x0088, dst, src, seq, payload)
}

// rawDataFrame 按任意数据子类型手工组帧，QoS 子类型头部 26 字节
func rawDataFrame(fc uint16, dst, src protocol.MacAddress, seq uint16, payload []byte) []byte {
	hdrLen := protocol.HeaderLen
	if fc&0x0080 != 0 {
		hdrLen = protocol.QoSHeaderLen
	}
	frame := make([]byte, hdrLen+len(payload)+protocol.FCSLen)
	binary.LittleEndian.PutUint16(frame[0:2], fc)
	copy(frame[4:10], dst[:])
	copy(frame[10:16], src[:])
	copy(frame[16:22], protocol.BroadcastAddress[:])
	binary.LittleEndian.PutUint16(frame[22:24], protocol.EncodeSequence(seq))
	copy(frame[hdrLen:], payload)
	n := len(frame) - protocol.FCSLen
	binary.LittleEndian.PutUint32(frame[n:], crc32.ChecksumIEEE(frame[:n]))
	return frame
}

type linkedStation struct {
	c   *LinkCoordinator
	phy *transport.LoopbackPhy
	app *MockApp
}

// startPair 两个站点经回环物理层相连并运行
func startPair(t *testing.T, mutate func(a, b *Config)) (*linkedStation, *linkedStation) {
	t.Helper()
	phyA, phyB := transport.NewLoopbackPair(30, 30)

	cfgA := testConfig(macA, macB)
	cfgB := testConfig(macB, macA)
	if mutate != nil {
		mutate(&cfgA, &cfgB)
	}

	a := &linkedStation{phy: phyA, app: NewMockApp()}
	b := &linkedStation{phy: phyB, app: NewMockApp()}
	a.c = newTestCoordinator(t, cfgA, Deps{Modulator: phyA, App: a.app})
	b.c = newTestCoordinator(t, cfgB, Deps{Modulator: phyB, App: b.app})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, s := range []*linkedStation{a, b} {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.c.Run(ctx, nil, s.phy.Frames())
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return a, b
}

// =============================================================================
// 闭环测试
// =============================================================================

func TestHelloRoundTrip(t *testing.T) {
	a, b := startPair(t, nil)
	ctx := context.Background()

	if err := a.c.SendPayload(ctx, []byte("hello")); err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	got := b.app.Wait(t)
	if string(got.payload) != "hello" || got.from != macA {
		t.Errorf("收到 %q from %s", got.payload, got.from)
	}

	waitFor(t, "A 收到 ACK", func() bool { return a.c.Stats().AcksReceived == 1 })

	sentA := a.phy.Sent()
	if len(sentA) != 1 || len(sentA[0].Frame) != 33 {
		t.Fatalf("数据帧应为 33 字节: %+v", sentA)
	}
	sentB := b.phy.Sent()
	if len(sentB) != 1 || len(sentB[0].Frame) != protocol.AckFrameLen {
		t.Fatalf("ACK 帧应为 14 字节")
	}
	if sentB[0].Params != ratecontrol.AckParams() {
		t.Errorf("ACK 应使用最稳健编码: %+v", sentB[0].Params)
	}
	ack, err := protocol.Parse(sentB[0].Frame)
	if err != nil || !ack.IsAck() || ack.Addr1 != macA {
		t.Errorf("ACK 内容错误: %+v, %v", ack, err)
	}

	if last := b.c.Stats().Loss.LastSeq; last != 0 {
		t.Errorf("B 的 last 应从 -1 更新为 0, got %d", last)
	}
	if a.c.Outstanding() != 0 {
		t.Errorf("A 的定时器应已取消")
	}

	// 超过超时时间后仍不应触发回退
	time.Sleep(a.c.cfg.AckTimeout + 50*time.Millisecond)
	st := a.c.Stats()
	if st.Timeouts != 0 || st.Timers.Timeouts != 0 {
		t.Errorf("不应出现超时: %+v", st.Timers)
	}
	if st.Timers.Latency.Samples != 1 || st.Timers.Latency.Suggested <= 0 {
		t.Errorf("ACK 时延应有一个样本: %+v", st.Timers.Latency)
	}
	if d := a.c.GetLinkStats(); d.AckSmoothedSec <= 0 {
		t.Errorf("AckSmoothedSec 应为正: %f", d.AckSmoothedSec)
	}
}

func TestRunDrivesAppChannel(t *testing.T) {
	phyA, phyB := transport.NewLoopbackPair(20, 20)
	appB := NewMockApp()
	a := newTestCoordinator(t, testConfig(macA, macB), Deps{Modulator: phyA})
	b := newTestCoordinator(t, testConfig(macB, macA), Deps{Modulator: phyB, App: appB})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appCh := make(chan []byte, 4)
	done := make(chan error, 2)
	go func() { done <- a.Run(ctx, appCh, phyA.Frames()) }()
	go func() { done <- b.Run(ctx, nil, phyB.Frames()) }()

	for i, p := range []string{"one", "two", "three"} {
		appCh <- []byte(p)
		got := appB.Wait(t)
		if string(got.payload) != p {
			t.Errorf("第 %d 个负载 = %q, want %q", i, got.payload, p)
		}
	}
	waitFor(t, "三个 ACK", func() bool { return a.Stats().AcksReceived == 3 })
	if b.Stats().Loss.LostEstimate != 0 {
		t.Errorf("连续序号不应估算丢失")
	}

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Run 返回 %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run 未退出")
		}
	}
}

func TestAckTimeoutDemotes(t *testing.T) {
	phyA, _ := transport.NewLoopbackPair(30, 30)
	cfg := testConfig(macA, macB)
	cfg.AckTimeout = 30 * time.Millisecond
	cfg.InitialLevel = ratecontrol.QAM64_3_4
	tel := NewMockTelemetry()

	// B 不运行，A 的帧得不到确认
	a := newTestCoordinator(t, cfg, Deps{Modulator: phyA, Telemetry: tel})
	if err := a.SendPayload(context.Background(), []byte("lost")); err != nil {
		t.Fatal(err)
	}
	if a.State() != StateAwaitingAck {
		t.Errorf("发送后状态 = %s", a.State())
	}
	if sent := phyA.Sent(); sent[0].Params != ratecontrol.QAM64_3_4.Params() {
		t.Errorf("应以当前等级发送: %+v", sent[0].Params)
	}

	waitFor(t, "超时回退", func() bool { return a.Stats().Timeouts == 1 })
	if a.Level() != ratecontrol.Floor {
		t.Errorf("超时后等级 = %s, want %s", a.Level(), ratecontrol.Floor)
	}
	if a.State() != StateIdle {
		t.Errorf("超时后状态 = %s", a.State())
	}
	if a.Stats().Rate.Changes[ratecontrol.ReasonTimeout] != 1 {
		t.Errorf("变更原因统计错误: %+v", a.Stats().Rate.Changes)
	}

	enc := tel.Get("encoding")
	if len(enc) != 1 {
		t.Fatalf("应发布 1 条编码变更, got %d", len(enc))
	}
	if ev := enc[0].(EncodingTelemetry); ev.To != ratecontrol.Floor.String() || ev.Reason != "ack_timeout" {
		t.Errorf("编码变更遥测错误: %+v", ev)
	}
}

func TestEndOfStreamStopsRun(t *testing.T) {
	mod := &MockModulator{}
	c := newTestCoordinator(t, testConfig(macB, macA), Deps{Modulator: mod})

	phy := make(chan transport.RxFrame, 2)
	phy <- dataFrame(t, macB, macA, 0, []byte("last"))
	phy <- transport.EndOfStream()

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), nil, phy) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("流结束应干净退出, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("流结束后 Run 未退出")
	}
	if c.State() != StateStopped {
		t.Errorf("状态 = %s, want stopped", c.State())
	}
	if c.Stats().DataReceived != 1 {
		t.Errorf("流结束前的帧应被处理")
	}

	if err := c.HandlePhyFrame(context.Background(), transport.EndOfStream()); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("HandlePhyFrame(EOF) = %v", err)
	}
}

// =============================================================================
// 单帧处理
// =============================================================================

func TestHandleDataFrame(t *testing.T) {
	mod := &MockModulator{}
	app := NewMockApp()
	c := newTestCoordinator(t, testConfig(macB, macA), Deps{Modulator: mod, App: app})

	rx := dataFrame(t, macB, macA, 7, []byte("payload"))
	rx.SNR = 30
	if err := c.HandlePhyFrame(context.Background(), rx); err != nil {
		t.Fatal(err)
	}

	got := app.Wait(t)
	if string(got.payload) != "payload" {
		t.Errorf("payload = %q", got.payload)
	}
	if mod.Count() != 1 {
		t.Fatalf("应回复 1 个 ACK, got %d", mod.Count())
	}
	frame, params := mod.Last()
	if len(frame) != protocol.AckFrameLen || params != ratecontrol.AckParams() {
		t.Errorf("ACK 错误: len=%d params=%+v", len(frame), params)
	}
	if c.Level() != ratecontrol.Ceiling {
		t.Errorf("SNR 30 dB 应升到最高等级, got %s", c.Level())
	}
	if c.State() != StateIdle {
		t.Errorf("处理后状态 = %s", c.State())
	}
}

func TestHandleQoSData(t *testing.T) {
	mod := &MockModulator{}
	app := NewMockApp()
	c := newTestCoordinator(t, testConfig(macB, macA), Deps{Modulator: mod, App: app})

	rx := transport.RxFrame{Data: qosFrame(macB, macA, 3, []byte("qos body")), SNR: 10}
	if err := c.HandlePhyFrame(context.Background(), rx); err != nil {
		t.Fatal(err)
	}
	if got := app.Wait(t); string(got.payload) != "qos body" {
		t.Errorf("QoS 负载应从偏移 26 开始: %q", got.payload)
	}
	if mod.Count() != 1 {
		t.Errorf("QoS 数据帧也应回复 ACK")
	}
}

func TestNullDataNotDelivered(t *testing.T) {
	tests := []struct {
		name string
		fc   uint16
	}{
		{"Null", 0x0048},
		{"CF-ACK", 0x0058},
		{"CF-Poll", 0x0068},
		{"QoS Null", 0x00C8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := &MockModulator{}
			app := NewMockApp()
			c := newTestCoordinator(t, testConfig(macB, macA), Deps{Modulator: mod, App: app})

			rx := transport.RxFrame{Data: rawDataFrame(tt.fc, macB, macA, 5, nil), SNR: 10}
			if err := c.HandlePhyFrame(context.Background(), rx); err != nil {
				t.Fatal(err)
			}

			select {
			case d := <-app.ch:
				t.Fatalf("%s 子类型不应向应用交付负载: len=%d", tt.name, len(d.payload))
			default:
			}
			if mod.Count() != 1 {
				t.Fatalf("仍应回复 ACK: 发送 %d 帧", mod.Count())
			}
			if frame, _ := mod.Last(); len(frame) != protocol.AckFrameLen {
				t.Errorf("回复帧长度 = %d, want %d", len(frame), protocol.AckFrameLen)
			}
			st := c.Stats()
			if st.DataReceived != 1 || st.Loss.Observed != 1 || st.Loss.LastSeq != 5 {
				t.Errorf("仍应计入丢帧估算: %+v", st.Loss)
			}
		})
	}
}

func TestDroppedFrames(t *testing.T) {
	good := dataFrame(t, macB, macA, 1, []byte("x"))

	corrupt := append([]byte(nil), good.Data...)
	corrupt[protocol.HeaderLen] ^= 0x01

	tests := []struct {
		name  string
		frame []byte
		check func(Stats) bool
	}{
		{"bad checksum", corrupt, func(s Stats) bool { return s.DropChecksum == 1 }},
		{"too short", good.Data[:8], func(s Stats) bool { return s.DropChecksum+s.DropMalformed == 1 }},
		{"not for us", dataFrame(t, macC, macA, 1, []byte("x")).Data, func(s Stats) bool { return s.DropForeign == 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := &MockModulator{}
			app := NewMockApp()
			c := newTestCoordinator(t, testConfig(macB, macA), Deps{Modulator: mod, App: app})

			rx := transport.RxFrame{Data: tt.frame, SNR: 30}
			if err := c.HandlePhyFrame(context.Background(), rx); err != nil {
				t.Fatalf("单帧错误不应向上传播: %v", err)
			}
			if !tt.check(c.Stats()) {
				t.Errorf("丢弃统计错误: %+v", c.Stats())
			}
			if mod.Count() != 0 {
				t.Error("丢弃的帧不应回复 ACK")
			}
			if len(app.ch) != 0 {
				t.Error("丢弃的帧不应交付应用")
			}
			if c.Level() != ratecontrol.BPSK1_2 {
				t.Error("丢弃的帧不应影响编码")
			}

			// 后续正常帧照常处理
			if err := c.HandlePhyFrame(context.Background(), good); err != nil {
				t.Fatal(err)
			}
			if c.Stats().DataReceived != 1 {
				t.Error("后续帧未被处理")
			}
		})
	}
}

func TestLateAck(t *testing.T) {
	mod := &MockModulator{}
	c := newTestCoordinator(t, testConfig(macA, macB), Deps{Modulator: mod})

	rx := transport.RxFrame{Data: protocol.BuildAckFrame(macA), SNR: 5}
	if err := c.HandlePhyFrame(context.Background(), rx); err != nil {
		t.Fatalf("迟到 ACK 不应报错: %v", err)
	}
	st := c.Stats()
	if st.LateAcks != 1 || st.AcksReceived != 0 {
		t.Errorf("迟到 ACK 统计错误: %+v", st)
	}
	if mod.Count() != 0 {
		t.Error("ACK 不应被确认")
	}
}

func TestUnknownSubtypeLoggedOnly(t *testing.T) {
	mod := &MockModulator{}
	app := NewMockApp()
	c := newTestCoordinator(t, testConfig(macB, macA), Deps{Modulator: mod, App: app})

	// 控制帧保留子类型 0
	frame := make([]byte, protocol.AckFrameLen)
	binary.LittleEndian.PutUint16(frame[0:2], 0x0004)
	copy(frame[4:10], macB[:])
	n := len(frame) - protocol.FCSLen
	binary.LittleEndian.PutUint32(frame[n:], crc32.ChecksumIEEE(frame[:n]))

	if err := c.HandlePhyFrame(context.Background(), transport.RxFrame{Data: frame}); err != nil {
		t.Fatal(err)
	}
	if c.Stats().DropUnknown != 1 || mod.Count() != 0 || len(app.ch) != 0 {
		t.Errorf("未知子类型只应记录: %+v", c.Stats())
	}
}

func TestLossVariants(t *testing.T) {
	for _, v := range []loss.Variant{loss.VariantFER, loss.VariantPER} {
		t.Run(v.String(), func(t *testing.T) {
			cfg := testConfig(macB, macA)
			cfg.LossVariant = v
			tel := NewMockTelemetry()
			c := newTestCoordinator(t, cfg, Deps{Modulator: &MockModulator{}, Telemetry: tel})

			for _, seq := range []uint16{0, 2} {
				if err := c.HandlePhyFrame(context.Background(), dataFrame(t, macB, macA, seq, nil)); err != nil {
					t.Fatal(err)
				}
			}
			ls := c.Stats().Loss
			if ls.Variant != v || ls.LostEstimate != 1 || ls.LastSeq != 2 {
				t.Errorf("丢帧统计错误: %+v", ls)
			}

			samples := tel.Get("loss")
			if len(samples) != 2 {
				t.Fatalf("应发布 2 个样本, got %d", len(samples))
			}
			last := samples[1].(LossTelemetry)
			if last.Variant != v.String() || last.Percent <= 0 {
				t.Errorf("样本错误: %+v", last)
			}

			frames := tel.Get("frame_data")
			if len(frames) != 2 {
				t.Fatalf("应发布 2 条帧数据, got %d", len(frames))
			}
			if fd := frames[1].(FrameDataTelemetry); fd.DelayMs < 0 || fd.Seq != 2 || fd.From != macA.String() {
				t.Errorf("帧数据错误: %+v", fd)
			}
		})
	}
}

// =============================================================================
// 发送路径
// =============================================================================

func TestSendPayloadErrors(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		mod := &MockModulator{}
		c := newTestCoordinator(t, testConfig(macA, macB), Deps{Modulator: mod})
		err := c.SendPayload(context.Background(), make([]byte, protocol.MTU+1))
		if !protocol.IsFatal(err) || !errors.Is(err, protocol.ErrPayloadTooLarge) {
			t.Errorf("超长负载应为致命错误, got %v", err)
		}
		if mod.Count() != 0 || c.Outstanding() != 0 {
			t.Error("超长负载不应产生任何副作用")
		}
	})

	t.Run("configured max payload", func(t *testing.T) {
		cfg := testConfig(macA, macB)
		cfg.MaxPayload = 16
		c := newTestCoordinator(t, cfg, Deps{Modulator: &MockModulator{}})
		if err := c.SendPayload(context.Background(), make([]byte, 17)); !errors.Is(err, protocol.ErrPayloadTooLarge) {
			t.Errorf("应受 max_payload 限制, got %v", err)
		}
	})

	t.Run("single outstanding", func(t *testing.T) {
		cfg := testConfig(macA, macB)
		cfg.SingleOutstanding = true
		mod := &MockModulator{}
		c := newTestCoordinator(t, cfg, Deps{Modulator: mod})

		if err := c.SendPayload(context.Background(), []byte("1")); err != nil {
			t.Fatal(err)
		}
		err := c.SendPayload(context.Background(), []byte("2"))
		if !errors.Is(err, ErrAckPending) || !protocol.IsRecoverable(err) {
			t.Errorf("第二帧应被拒绝, got %v", err)
		}
		if mod.Count() != 1 {
			t.Errorf("只应发出 1 帧, got %d", mod.Count())
		}
	})

	t.Run("pipelining allowed by default", func(t *testing.T) {
		mod := &MockModulator{}
		c := newTestCoordinator(t, testConfig(macA, macB), Deps{Modulator: mod})
		for i := 0; i < 3; i++ {
			if err := c.SendPayload(context.Background(), []byte{byte(i)}); err != nil {
				t.Fatal(err)
			}
		}
		if c.Outstanding() != 3 {
			t.Errorf("Outstanding = %d, want 3", c.Outstanding())
		}
	})

	t.Run("modulator failure", func(t *testing.T) {
		mod := &MockModulator{err: transport.ErrPhyClosed}
		c := newTestCoordinator(t, testConfig(macA, macB), Deps{Modulator: mod})
		err := c.SendPayload(context.Background(), []byte("x"))
		if !errors.Is(err, transport.ErrPhyClosed) || !protocol.IsRecoverable(err) {
			t.Errorf("got %v", err)
		}
		if c.Outstanding() != 0 {
			t.Error("发送失败不应挂定时器")
		}
	})
}

func TestSequenceNumbersIncrement(t *testing.T) {
	mod := &MockModulator{}
	c := newTestCoordinator(t, testConfig(macA, macB), Deps{Modulator: mod})
	for i := 0; i < 3; i++ {
		if err := c.SendPayload(context.Background(), nil); err != nil {
			t.Fatal(err)
		}
	}
	for i, frame := range mod.frames {
		f, err := protocol.Parse(frame)
		if err != nil {
			t.Fatal(err)
		}
		if int(f.Sequence) != i || f.Addr1 != macB || f.Addr2 != macA {
			t.Errorf("帧 %d: seq=%d addr1=%s addr2=%s", i, f.Sequence, f.Addr1, f.Addr2)
		}
	}
}

func TestCaptureAndCounters(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	w, err := capture.NewWriter(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	tx := metrics.NewFileCounter(filepath.Join(dir, "tx_packets"), false)
	rx := metrics.NewFileCounter(filepath.Join(dir, "rx_packets"), true)

	c := newTestCoordinator(t, testConfig(macA, macB), Deps{
		Modulator: &MockModulator{},
		Capture:   w,
		TxCounter: tx,
		RxCounter: rx,
	})

	if err := c.SendPayload(context.Background(), []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := c.SendPayload(context.Background(), []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := c.HandlePhyFrame(context.Background(), dataFrame(t, macA, macB, 0, []byte("c"))); err != nil {
		t.Fatal(err)
	}

	if data, _ := os.ReadFile(tx.Path()); string(data) != "2" {
		t.Errorf("tx 计数文件 = %q", data)
	}
	if data, _ := os.ReadFile(rx.Path()); string(data) != "1" {
		t.Errorf("rx 计数文件 = %q", data)
	}
	// 2 数据 + 1 接收 + 1 ACK
	if w.Frames() != 4 {
		t.Errorf("抓包帧数 = %d, want 4", w.Frames())
	}
}

func TestLinkStatsProvider(t *testing.T) {
	c := newTestCoordinator(t, testConfig(macA, macB), Deps{Modulator: &MockModulator{}})
	var _ metrics.LinkStats = c

	if err := c.SendPayload(context.Background(), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if c.GetState() != "awaiting_ack" {
		t.Errorf("GetState = %s", c.GetState())
	}
	d := c.GetLinkStats()
	if d.DataSent != 1 || d.StaleAfterSec <= 0 {
		t.Errorf("LinkStatData 错误: %+v", d)
	}
}

func TestStateNames(t *testing.T) {
	for i, name := range metrics.LinkStates {
		if got := State(i).String(); got != name {
			t.Errorf("State(%d) = %s, want %s", i, got, name)
		}
	}
}
