// =============================================================================
// 文件: cmd/ofdm-mac/main.go
// 描述: 主程序入口 - 组装 UDP 空口、链路协调器、遥测与 Prometheus 指标
// =============================================================================
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/ofdmlink/internal/capture"
	"github.com/mrcgq/ofdmlink/internal/config"
	"github.com/mrcgq/ofdmlink/internal/handler"
	"github.com/mrcgq/ofdmlink/internal/logging"
	"github.com/mrcgq/ofdmlink/internal/metrics"
	"github.com/mrcgq/ofdmlink/internal/protocol"
	"github.com/mrcgq/ofdmlink/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	sendOnce := flag.String("send", "", "启动后发送一次的负载")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log, *sendOnce); err != nil {
		log.Errorw("链路异常退出", "error", err, "fatal", protocol.IsFatal(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger, sendOnce string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	linkCfg, err := handler.ConfigFrom(cfg)
	if err != nil {
		return err
	}

	// 空口
	phy, err := transport.NewUDPPhy(transport.UDPPhyConfig{
		Listen: cfg.Phy.Listen,
		Peer:   cfg.Phy.Peer,
		TxSNR:  cfg.Phy.TxSNRDB,
		Channel: transport.ChannelModel{
			Enabled:  cfg.Phy.Channel.Enabled,
			SNR:      cfg.Phy.Channel.SNRDB,
			Jitter:   cfg.Phy.Channel.JitterDB,
			LossRate: cfg.Phy.Channel.LossRate,
		},
		ReadBufferSize:  cfg.Phy.ReadBufferSize,
		WriteBufferSize: cfg.Phy.WriteBufferSize,
		QueueSize:       cfg.Phy.QueueSize,
		Logger:          logging.Component(log, "phy"),
	})
	if err != nil {
		return err
	}
	defer phy.Close()

	deps := handler.Deps{
		Modulator: phy,
		App: handler.AppHandlerFunc(func(payload []byte, from protocol.MacAddress) {
			fmt.Printf("[%s] %s\n", from, payload)
		}),
		TxCounter: metrics.NewFileCounter(cfg.Counters.TxFile, cfg.Counters.AtomicReplace),
		RxCounter: metrics.NewFileCounter(cfg.Counters.RxFile, cfg.Counters.AtomicReplace),
		Logger:    log,
	}

	// 遥测
	var telemetry *transport.TelemetryServer
	if cfg.Telemetry.Enabled {
		telemetry = transport.NewTelemetryServer(transport.TelemetryConfig{
			Listen: cfg.Telemetry.Listen,
			Path:   cfg.Telemetry.Path,
			Logger: logging.Component(log, "telemetry"),
		})
		if err := telemetry.Start(ctx); err != nil {
			return fmt.Errorf("遥测启动失败: %w", err)
		}
		defer telemetry.Stop()
		deps.Telemetry = telemetry
	}

	// 抓包
	if cfg.Capture.Enabled {
		w, err := capture.Create(cfg.Capture.Path, cfg.Capture.SnapLen)
		if err != nil {
			return err
		}
		defer w.Close()
		deps.Capture = w
	}

	// 指标
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(metrics.ServerConfig{
			Listen:      cfg.Metrics.Listen,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  cfg.Metrics.HealthPath,
			EnablePprof: cfg.Metrics.EnablePprof,
			Logger:      logging.Component(log, "metrics"),
		})
		deps.Metrics = metricsServer.Link()
	}

	link, err := handler.New(linkCfg, deps)
	if err != nil {
		return err
	}

	if metricsServer != nil {
		if err := metricsServer.RegisterCollector(metrics.NewLinkCollector(link)); err != nil {
			return fmt.Errorf("注册收集器失败: %w", err)
		}
		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			return createHealthStatus(link, phy)
		})
		if err := metricsServer.Start(ctx); err != nil {
			log.Warnw("指标服务启动失败 (继续运行)", "error", err)
		}
		defer metricsServer.Stop()
	}

	phy.Start()
	printBanner(cfg, link)

	app := make(chan []byte, 64)
	if sendOnce != "" {
		app <- []byte(sendOnce)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		readStdin(gctx, app, logging.Component(log, "stdin"))
		return nil
	})
	g.Go(func() error {
		defer cancel()
		err := link.Run(gctx, app, phy.Frames())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Infow("正在关闭...")
		return phy.Close()
	})

	err = g.Wait()
	st := link.Stats()
	log.Infow("链路已停止",
		"data_sent", st.DataSent,
		"data_received", st.DataReceived,
		"acks_received", st.AcksReceived,
		"timeouts", st.Timeouts,
		"level", st.Level)
	return err
}

// readStdin 每行一个负载
func readStdin(ctx context.Context, app chan<- []byte, log *zap.SugaredLogger) {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		err := scanPayloads(os.Stdin, protocol.MTU, log, func(line []byte) bool {
			select {
			case lines <- line:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil {
			log.Warnw("读取标准输入失败", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			select {
			case app <- line:
			case <-ctx.Done():
				return
			}
		}
	}
}

// scanPayloads 逐行读取，超过 maxLen 的行记录后丢弃并继续读取
// emit 返回 false 时停止；EOF 返回 nil
func scanPayloads(r io.Reader, maxLen int, log *zap.SugaredLogger, emit func([]byte) bool) error {
	br := bufio.NewReaderSize(r, maxLen+1)
	for {
		line, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if isPrefix || len(line) > maxLen {
			total := len(line)
			for isPrefix {
				line, isPrefix, err = br.ReadLine()
				total += len(line)
				if err != nil {
					break
				}
			}
			log.Warnw("输入行超过 MTU，已丢弃", "len", total, "max", maxLen)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			continue
		}

		if len(line) == 0 {
			continue
		}
		if !emit(append([]byte(nil), line...)) {
			return nil
		}
	}
}

func createHealthStatus(link *handler.LinkCoordinator, phy *transport.UDPPhy) metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Components: make(map[string]metrics.ComponentHealth),
	}

	st := link.Stats()
	if st.State == handler.StateStopped {
		status.Status = "unhealthy"
		status.Components["link"] = metrics.ComponentHealth{Status: "unhealthy", Message: "stopped"}
	} else {
		status.Components["link"] = metrics.ComponentHealth{
			Status:  "healthy",
			Message: fmt.Sprintf("state: %s, level: %s", st.State, st.Level),
		}
	}

	ps := phy.Stats()
	if ps.BadDatagrams > 0 && ps.BadDatagrams > ps.PacketsRecv/2 {
		if status.Status == "healthy" {
			status.Status = "degraded"
		}
		status.Components["phy"] = metrics.ComponentHealth{
			Status:  "degraded",
			Message: fmt.Sprintf("bad datagrams: %d / %d", ps.BadDatagrams, ps.PacketsRecv),
		}
	} else {
		status.Components["phy"] = metrics.ComponentHealth{Status: "healthy"}
	}

	return status
}

func printVersion() {
	fmt.Printf("ofdm-mac %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
	fmt.Printf("  Go Version: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printBanner(cfg *config.Config, link *handler.LinkCoordinator) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Printf("║  ofdm-mac %-43s║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════╣")
	fmt.Printf("║  本站: %-46s║\n", cfg.Station.Address)
	fmt.Printf("║  对端: %-46s║\n", cfg.Station.Peer)
	fmt.Printf("║  空口: %-46s║\n", cfg.Phy.Listen+" -> "+cfg.Phy.Peer)
	fmt.Printf("║  编码: %-46s║\n", link.Level().String())
	fmt.Printf("║  ACK 超时: %-42s║\n", cfg.AckTimeout().String())
	fmt.Printf("║  丢帧估算: %-42s║\n", cfg.LossVariant().String())
	if cfg.Metrics.Enabled {
		fmt.Printf("║  指标: %-46s║\n", cfg.Metrics.Listen+cfg.Metrics.Path)
	}
	if cfg.Telemetry.Enabled {
		fmt.Printf("║  遥测: %-46s║\n", cfg.Telemetry.Listen+cfg.Telemetry.Path)
	}
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()
}
