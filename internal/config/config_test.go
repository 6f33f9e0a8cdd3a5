// =============================================================================
// 文件: internal/config/config_test.go
// 描述: 配置鲁棒性测试 - 确保错误配置能在启动前被拦截
// =============================================================================

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mrcgq/ofdmlink/internal/loss"
	"github.com/mrcgq/ofdmlink/internal/protocol"
	"github.com/mrcgq/ofdmlink/internal/ratecontrol"
)

// =============================================================================
// 默认值测试
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("默认配置可通过验证", func(t *testing.T) {
		if err := cfg.Validate(); err != nil {
			t.Fatalf("默认配置验证失败: %v", err)
		}
	})

	t.Run("MAC 定时默认值", func(t *testing.T) {
		if cfg.AckTimeout() != 20*time.Millisecond {
			t.Errorf("AckTimeout 默认值错误: got %v, want 20ms", cfg.AckTimeout())
		}
		if cfg.SIFS() != 10*time.Microsecond {
			t.Errorf("SIFS 默认值错误: got %v, want 10µs", cfg.SIFS())
		}
		if cfg.MAC.StaleFactor != 3 {
			t.Errorf("StaleFactor 默认值错误: got %d, want 3", cfg.MAC.StaleFactor)
		}
		if cfg.MAC.SingleOutstanding {
			t.Error("SingleOutstanding 默认应为 false")
		}
	})

	t.Run("站点默认值", func(t *testing.T) {
		own, peer, bss, err := cfg.Addresses()
		if err != nil {
			t.Fatal(err)
		}
		if own != protocol.MustParseMacAddress("42:42:42:42:42:42") {
			t.Errorf("Address 默认值错误: %s", own)
		}
		if peer != protocol.MustParseMacAddress("23:23:23:23:23:23") {
			t.Errorf("Peer 默认值错误: %s", peer)
		}
		if !bss.IsBroadcast() {
			t.Errorf("BSS 默认应为广播: %s", bss)
		}
		if cfg.LossVariant() != loss.VariantFER {
			t.Error("LossVariant 默认应为 fer")
		}
		if cfg.InitialLevel() != ratecontrol.BPSK1_2 {
			t.Errorf("InitialLevel 默认值错误: %s", cfg.InitialLevel())
		}
	})
}

// =============================================================================
// 验证测试
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"MAC 长度错误", func(c *Config) { c.Station.Address = "42:42:42:42:42" }, "address"},
		{"对端与本站相同", func(c *Config) { c.Station.Peer = c.Station.Address }, "不能相同"},
		{"本站为广播", func(c *Config) { c.Station.Address = "ff:ff:ff:ff:ff:ff" }, "广播"},
		{"未知丢帧变体", func(c *Config) { c.Station.LossVariant = "ber" }, "变体"},
		{"ACK 超时为 0", func(c *Config) { c.MAC.AckTimeoutUs = 0 }, "ack_timeout_us"},
		{"SIFS 大于超时", func(c *Config) { c.MAC.SIFSUs = c.MAC.AckTimeoutUs }, "sifs_us"},
		{"负载超过 MTU", func(c *Config) { c.MAC.MaxPayload = 1501 }, "max_payload"},
		{"未知初始等级", func(c *Config) { c.Rate.Initial = "QAM256" }, "编码等级"},
		{"门限非单调", func(c *Config) {
			c.Rate.Thresholds = map[string]float64{"QPSK-1/2": 30}
		}, "单调"},
		{"兜底等级设门限", func(c *Config) {
			c.Rate.Thresholds = map[string]float64{"BPSK-1/2": 1}
		}, "兜底"},
		{"负迟滞", func(c *Config) { c.Rate.HysteresisDB = -1 }, "hysteresis_db"},
		{"丢包率越界", func(c *Config) { c.Phy.Channel.LossRate = 1 }, "loss_rate"},
		{"遥测端口冲突", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Listen = ":47001"
		}, "冲突"},
		{"监控端口冲突", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Metrics.Listen = c.Telemetry.Listen
		}, "冲突"},
		{"抓包路径为空", func(c *Config) { c.Capture.Enabled = true }, "capture.path"},
		{"计数文件相同", func(c *Config) {
			c.Counters.TxFile = "n"
			c.Counters.RxFile = "n"
		}, "counters"},
		{"日志级别无效", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("期望验证失败")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("错误信息不包含 %q: %v", tt.wantErr, err)
			}
		})
	}
}

func TestLadderFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rate.Thresholds = map[string]float64{"BPSK-3/4": 4, "qpsk-1/2": 7}

	l, err := cfg.Ladder()
	if err != nil {
		t.Fatal(err)
	}
	if l.Threshold(ratecontrol.BPSK3_4) != 4 || l.Threshold(ratecontrol.QPSK1_2) != 7 {
		t.Error("配置门限未生效")
	}
	if l.Threshold(ratecontrol.QAM64_3_4) != ratecontrol.DefaultThresholds[ratecontrol.QAM64_3_4] {
		t.Error("未配置的门限应使用默认值")
	}
}

// =============================================================================
// 文件加载测试
// =============================================================================

func TestLoadExampleConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("写入示例配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("示例配置应可加载: %v", err)
	}
	if len(cfg.Rate.Thresholds) != 7 {
		t.Errorf("示例门限数量 = %d, want 7", len(cfg.Rate.Thresholds))
	}
	if cfg.Phy.Channel.SNRDB != 15 {
		t.Errorf("channel.snr_db = %f, want 15", cfg.Phy.Channel.SNRDB)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log_level: DEBUG
station:
  address: "02:00:00:00:00:01"
  peer: "02:00:00:00:00:02"
  bss: ""
  loss_variant: per
mac:
  ack_timeout_us: 50
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel 应归一化为小写: %s", cfg.LogLevel)
	}
	if cfg.AckTimeout() != 50*time.Microsecond {
		t.Errorf("AckTimeout = %v, want 50µs", cfg.AckTimeout())
	}
	if cfg.LossVariant() != loss.VariantPER {
		t.Error("LossVariant 应为 per")
	}
	if cfg.Station.BSS != protocol.BroadcastAddress.String() {
		t.Errorf("空 BSS 应补齐为广播: %s", cfg.Station.BSS)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("未指定的字段应保留默认值: %s", cfg.Metrics.Path)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("文件不存在应报错")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("mac: [1, 2"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "解析配置失败") {
		t.Errorf("非法 YAML 应报解析错误: %v", err)
	}
}
