// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 站点地址、MAC 定时、速率门限、空口、遥测与监控
// =============================================================================

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/ofdmlink/internal/loss"
	"github.com/mrcgq/ofdmlink/internal/protocol"
	"github.com/mrcgq/ofdmlink/internal/ratecontrol"
)

// Config 主配置
type Config struct {
	LogLevel string `yaml:"log_level"`

	Station   StationConfig   `yaml:"station"`
	MAC       MACConfig       `yaml:"mac"`
	Rate      RateConfig      `yaml:"rate"`
	Phy       PhyConfig       `yaml:"phy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Capture   CaptureConfig   `yaml:"capture"`
	Counters  CountersConfig  `yaml:"counters"`
}

// StationConfig 本站与对端地址
type StationConfig struct {
	Address     string `yaml:"address"`
	Peer        string `yaml:"peer"`
	BSS         string `yaml:"bss"`
	LossVariant string `yaml:"loss_variant"` // fer / per
}

// MACConfig MAC 层定时
type MACConfig struct {
	AckTimeoutUs      int  `yaml:"ack_timeout_us"`
	SIFSUs            int  `yaml:"sifs_us"`
	StaleFactor       int  `yaml:"stale_factor"`
	SingleOutstanding bool `yaml:"single_outstanding"`
	MaxPayload        int  `yaml:"max_payload"`
}

// RateConfig 速率自适应
type RateConfig struct {
	Initial      string             `yaml:"initial"`
	Thresholds   map[string]float64 `yaml:"thresholds"`
	HysteresisDB float64            `yaml:"hysteresis_db"`
}

// PhyConfig UDP 模拟空口
type PhyConfig struct {
	Listen          string        `yaml:"listen"`
	Peer            string        `yaml:"peer"`
	TxSNRDB         float64       `yaml:"tx_snr_db"`
	QueueSize       int           `yaml:"queue_size"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	Channel         ChannelConfig `yaml:"channel"`
}

// ChannelConfig 接收端模拟信道
type ChannelConfig struct {
	Enabled  bool    `yaml:"enabled"`
	SNRDB    float64 `yaml:"snr_db"`
	JitterDB float64 `yaml:"jitter_db"`
	LossRate float64 `yaml:"loss_rate"`
}

// TelemetryConfig WebSocket 遥测
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// CaptureConfig pcap 抓包
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	SnapLen int    `yaml:"snap_len"`
}

// CountersConfig 收发计数文件
type CountersConfig struct {
	TxFile        string `yaml:"tx_file"`
	RxFile        string `yaml:"rx_file"`
	AtomicReplace bool   `yaml:"atomic_replace"`
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.syncRelatedConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Station: StationConfig{
			Address:     "42:42:42:42:42:42",
			Peer:        "23:23:23:23:23:23",
			BSS:         "ff:ff:ff:ff:ff:ff",
			LossVariant: "fer",
		},
		MAC: MACConfig{
			AckTimeoutUs: 20000,
			SIFSUs:       10,
			StaleFactor:  ratecontrol.DefaultStaleFactor,
			MaxPayload:   protocol.MTU,
		},
		Rate: RateConfig{
			Initial:      ratecontrol.BPSK1_2.String(),
			HysteresisDB: 0,
		},
		Phy: PhyConfig{
			Listen:    "127.0.0.1:47001",
			Peer:      "127.0.0.1:47002",
			TxSNRDB:   20,
			QueueSize: 1024,
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
			Listen:  ":9101",
			Path:    "/telemetry",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Listen:     ":9100",
			Path:       "/metrics",
			HealthPath: "/health",
		},
		Capture: CaptureConfig{
			SnapLen: 65535,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level 无效: %s", c.LogLevel)
	}

	if err := c.validateStation(); err != nil {
		return fmt.Errorf("station 配置错误: %w", err)
	}
	if err := c.validateMAC(); err != nil {
		return fmt.Errorf("mac 配置错误: %w", err)
	}
	if err := c.validateRate(); err != nil {
		return fmt.Errorf("rate 配置错误: %w", err)
	}
	if err := c.validatePhy(); err != nil {
		return fmt.Errorf("phy 配置错误: %w", err)
	}

	// 端口冲突检测
	ports := map[int]string{}
	if p, err := parsePort(c.Phy.Listen); err == nil && p != 0 {
		ports[p] = "phy.listen"
	}
	if c.Telemetry.Enabled {
		p, err := parsePort(c.Telemetry.Listen)
		if err != nil {
			return fmt.Errorf("telemetry.listen 端口格式错误: %w", err)
		}
		if existing, exists := ports[p]; exists {
			return fmt.Errorf("telemetry.listen 端口 (%d) 与 %s 冲突", p, existing)
		}
		ports[p] = "telemetry.listen"
	}
	if c.Metrics.Enabled {
		p, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if existing, exists := ports[p]; exists {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 %s 冲突", p, existing)
		}
	}

	if c.Capture.Enabled {
		if c.Capture.Path == "" {
			return fmt.Errorf("capture.path 不能为空")
		}
		if c.Capture.SnapLen < protocol.DataOverhead+protocol.MTU || c.Capture.SnapLen > 262144 {
			return fmt.Errorf("capture.snap_len 需在 %d-262144 之间", protocol.DataOverhead+protocol.MTU)
		}
	}

	if c.Counters.TxFile != "" && c.Counters.TxFile == c.Counters.RxFile {
		return fmt.Errorf("counters.tx_file 与 counters.rx_file 不能相同")
	}

	return nil
}

func (c *Config) validateStation() error {
	own, peer, _, err := c.Addresses()
	if err != nil {
		return err
	}
	if own == peer {
		return fmt.Errorf("address 与 peer 不能相同: %s", own)
	}
	if own.IsBroadcast() {
		return fmt.Errorf("address 不能为广播地址")
	}
	if _, err := loss.ParseVariant(c.Station.LossVariant); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateMAC() error {
	if c.MAC.AckTimeoutUs < 1 || c.MAC.AckTimeoutUs > 10_000_000 {
		return fmt.Errorf("ack_timeout_us 需在 1-10000000 之间")
	}
	if c.MAC.SIFSUs < 0 || c.MAC.SIFSUs >= c.MAC.AckTimeoutUs {
		return fmt.Errorf("sifs_us 需在 0 与 ack_timeout_us 之间")
	}
	if c.MAC.StaleFactor < 1 || c.MAC.StaleFactor > 100 {
		return fmt.Errorf("stale_factor 需在 1-100 之间")
	}
	if c.MAC.MaxPayload < 1 || c.MAC.MaxPayload > protocol.MTU {
		return fmt.Errorf("max_payload 需在 1-%d 之间", protocol.MTU)
	}
	return nil
}

func (c *Config) validateRate() error {
	if _, err := ratecontrol.ParseLevel(c.Rate.Initial); err != nil {
		return err
	}
	if c.Rate.HysteresisDB < 0 || c.Rate.HysteresisDB > 10 {
		return fmt.Errorf("hysteresis_db 需在 0-10 之间")
	}
	if _, err := c.Ladder(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePhy() error {
	if _, err := parsePort(c.Phy.Listen); err != nil {
		return fmt.Errorf("listen 端口格式错误: %w", err)
	}
	if c.Phy.Peer != "" {
		if _, err := parsePort(c.Phy.Peer); err != nil {
			return fmt.Errorf("peer 端口格式错误: %w", err)
		}
	}
	if c.Phy.QueueSize < 1 || c.Phy.QueueSize > 65536 {
		return fmt.Errorf("queue_size 需在 1-65536 之间")
	}
	ch := c.Phy.Channel
	if ch.LossRate < 0 || ch.LossRate >= 1 {
		return fmt.Errorf("channel.loss_rate 需在 [0, 1) 之间")
	}
	if ch.JitterDB < 0 {
		return fmt.Errorf("channel.jitter_db 不能为负")
	}
	return nil
}

// syncRelatedConfig 补齐关联默认值
func (c *Config) syncRelatedConfig() {
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.Station.BSS == "" {
		c.Station.BSS = protocol.BroadcastAddress.String()
	}
	if c.Station.LossVariant == "" {
		c.Station.LossVariant = loss.VariantFER.String()
	}
	if c.MAC.StaleFactor == 0 {
		c.MAC.StaleFactor = ratecontrol.DefaultStaleFactor
	}
	if c.MAC.MaxPayload == 0 {
		c.MAC.MaxPayload = protocol.MTU
	}
	if c.Telemetry.Path == "" {
		c.Telemetry.Path = "/telemetry"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
	if c.Capture.SnapLen == 0 {
		c.Capture.SnapLen = 65535
	}
}

// =============================================================================
// 类型化访问
// =============================================================================

// Addresses 解析本站、对端、BSS 地址
func (c *Config) Addresses() (own, peer, bss protocol.MacAddress, err error) {
	if own, err = protocol.ParseMacAddress(c.Station.Address); err != nil {
		return own, peer, bss, fmt.Errorf("address: %w", err)
	}
	if peer, err = protocol.ParseMacAddress(c.Station.Peer); err != nil {
		return own, peer, bss, fmt.Errorf("peer: %w", err)
	}
	if bss, err = protocol.ParseMacAddress(c.Station.BSS); err != nil {
		return own, peer, bss, fmt.Errorf("bss: %w", err)
	}
	return own, peer, bss, nil
}

// AckTimeout ACK 超时
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.MAC.AckTimeoutUs) * time.Microsecond
}

// SIFS 收到数据帧后回 ACK 前的间隔
func (c *Config) SIFS() time.Duration {
	return time.Duration(c.MAC.SIFSUs) * time.Microsecond
}

// InitialLevel 初始编码等级
func (c *Config) InitialLevel() ratecontrol.Level {
	l, err := ratecontrol.ParseLevel(c.Rate.Initial)
	if err != nil {
		return ratecontrol.Floor
	}
	return l
}

// LossVariant 丢帧估算变体
func (c *Config) LossVariant() loss.Variant {
	v, _ := loss.ParseVariant(c.Station.LossVariant)
	return v
}

// Ladder 按配置构建 SNR 门限阶梯
func (c *Config) Ladder() (*ratecontrol.Ladder, error) {
	thresholds := make(map[ratecontrol.Level]float64, len(c.Rate.Thresholds))
	for name, v := range c.Rate.Thresholds {
		l, err := ratecontrol.ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("thresholds: %w", err)
		}
		if l == ratecontrol.Floor {
			return nil, fmt.Errorf("thresholds: %s 为兜底等级，不能设置门限", l)
		}
		thresholds[l] = v
	}
	return ratecontrol.NewLadder(thresholds, c.Rate.HysteresisDB)
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# OFDM Link 配置文件示例
# =============================================================================

log_level: "info"                   # 日志级别: debug, info, warn, error

# 站点
station:
  address: "42:42:42:42:42:42"      # 本站 MAC
  peer: "23:23:23:23:23:23"         # 对端 MAC (数据帧 Addr1)
  bss: "ff:ff:ff:ff:ff:ff"          # BSS (数据帧 Addr3)
  loss_variant: "fer"               # 丢帧估算: fer (逐帧) / per (百帧窗口)

# MAC 层定时
mac:
  ack_timeout_us: 20000             # ACK 超时 (微秒)，射频环境约 50
  sifs_us: 10                       # 回 ACK 前间隔 (微秒)
  stale_factor: 3                   # 距上次发送超过 N 倍超时则降一级
  single_outstanding: false         # true: 未确认时拒绝新发送
  max_payload: 1500

# 速率自适应
rate:
  initial: "BPSK-1/2"
  hysteresis_db: 0                  # 升级额外余量，0 为无迟滞
  thresholds:                       # 各等级最低 SNR (dB)
    BPSK-3/4: 5
    QPSK-1/2: 8
    QPSK-3/4: 11
    QAM16-1/2: 14
    QAM16-3/4: 18
    QAM64-2/3: 22
    QAM64-3/4: 25

# UDP 模拟空口
phy:
  listen: "127.0.0.1:47001"
  peer: "127.0.0.1:47002"
  tx_snr_db: 20                     # 发出帧的 SNR 标注
  queue_size: 1024
  channel:                          # 接收端模拟信道 (覆盖标注)
    enabled: false
    snr_db: 15
    jitter_db: 2
    loss_rate: 0.0

# WebSocket 遥测
telemetry:
  enabled: false
  listen: ":9101"
  path: "/telemetry"

# Prometheus 监控
metrics:
  enabled: true
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false

# pcap 抓包 (802.11 链路类型)
capture:
  enabled: false
  path: "link.pcap"
  snap_len: 65535

# 收发计数文件 (每次更新覆盖为十进制计数)
counters:
  tx_file: ""
  rx_file: ""
  atomic_replace: false
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
