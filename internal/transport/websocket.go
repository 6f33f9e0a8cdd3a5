// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 遥测推送 - 丢帧率、帧数据、编码变更实时广播
// =============================================================================

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	defaultTelemetryPath   = "/telemetry"
	defaultSessionBuffer   = 256
	telemetryWriteDeadline = 5 * time.Second
	telemetryPingPeriod    = 30 * time.Second
	telemetryReadDeadline  = 2 * telemetryPingPeriod
)

// 遥测消息类型
const (
	TelemetryLoss      = "loss"
	TelemetryFrameData = "frame_data"
	TelemetryEncoding  = "encoding"
)

// TelemetryMessage 推送消息
type TelemetryMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// TelemetryConfig 配置
type TelemetryConfig struct {
	Listen        string
	Path          string
	SessionBuffer int
	Logger        *zap.SugaredLogger
}

// telemetrySession 订阅者
type telemetrySession struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string
	once   sync.Once
	done   chan struct{}
}

func (s *telemetrySession) close() {
	s.once.Do(func() { close(s.done) })
}

// TelemetryServer WebSocket 遥测服务器
type TelemetryServer struct {
	cfg    TelemetryConfig
	logger *zap.SugaredLogger

	httpServer *http.Server
	upgrader   websocket.Upgrader
	sessions   sync.Map // *telemetrySession -> struct{}

	latestMu sync.RWMutex
	latest   map[string]TelemetryMessage

	activeConns atomic.Int64
	published   atomic.Uint64
	dropped     atomic.Uint64

	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// NewTelemetryServer 创建遥测服务器
func NewTelemetryServer(cfg TelemetryConfig) *TelemetryServer {
	if cfg.Path == "" {
		cfg.Path = defaultTelemetryPath
	}
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = defaultSessionBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TelemetryServer{
		cfg:    cfg,
		logger: logger,
		latest: make(map[string]TelemetryMessage),
		stopCh: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler 返回 HTTP 处理器，便于挂载或测试
func (s *TelemetryServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	mux.HandleFunc("/", s.handleLatest)
	return mux
}

// Start 启动服务器
func (s *TelemetryServer) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("遥测 HTTP 服务器错误", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-s.stopCh:
		}
	}()

	s.logger.Infow("遥测服务器已启动", "listen", s.cfg.Listen, "path", s.cfg.Path)
	return nil
}

// handleWebSocket 订阅遥测流
func (s *TelemetryServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("WebSocket 升级失败", "error", err)
		return
	}

	sess := &telemetrySession{
		conn:   conn,
		send:   make(chan []byte, s.cfg.SessionBuffer),
		remote: r.RemoteAddr,
		done:   make(chan struct{}),
	}
	s.sessions.Store(sess, struct{}{})
	s.activeConns.Inc()
	s.logger.Debugw("遥测订阅者接入", "remote", sess.remote)

	// 新订阅者先收到各类型最新值
	for _, msg := range s.Latest() {
		if b, err := json.Marshal(msg); err == nil {
			sess.send <- b
		}
	}

	go s.writeLoop(sess)
	s.readLoop(sess)

	s.sessions.Delete(sess)
	s.activeConns.Dec()
	sess.close()
	conn.Close()
	s.logger.Debugw("遥测订阅者断开", "remote", sess.remote)
}

// readLoop 仅用于感知断开与 pong
func (s *TelemetryServer) readLoop(sess *telemetrySession) {
	sess.conn.SetReadLimit(1024)
	_ = sess.conn.SetReadDeadline(time.Now().Add(telemetryReadDeadline))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(telemetryReadDeadline))
	})
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debugw("遥测读取结束", "remote", sess.remote, "error", err)
			}
			return
		}
	}
}

func (s *TelemetryServer) writeLoop(sess *telemetrySession) {
	ticker := time.NewTicker(telemetryPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-s.stopCh:
			_ = sess.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			sess.conn.Close()
			return
		case b := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(telemetryWriteDeadline))
			if err := sess.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.logger.Debugw("遥测写入失败", "remote", sess.remote, "error", err)
				sess.conn.Close()
				return
			}
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(telemetryWriteDeadline)); err != nil {
				sess.conn.Close()
				return
			}
		}
	}
}

// Publish 广播消息，慢订阅者丢弃
func (s *TelemetryServer) Publish(msgType string, data interface{}) {
	msg := TelemetryMessage{Type: msgType, Timestamp: time.Now(), Data: data}

	s.latestMu.Lock()
	s.latest[msgType] = msg
	s.latestMu.Unlock()

	b, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warnw("遥测序列化失败", "type", msgType, "error", err)
		return
	}
	s.published.Inc()

	s.sessions.Range(func(key, _ interface{}) bool {
		sess := key.(*telemetrySession)
		select {
		case sess.send <- b:
		default:
			s.dropped.Inc()
		}
		return true
	})
}

// Latest 各类型最新消息
func (s *TelemetryServer) Latest() []TelemetryMessage {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	out := make([]TelemetryMessage, 0, len(s.latest))
	for _, m := range s.latest {
		out = append(out, m)
	}
	return out
}

func (s *TelemetryServer) handleLatest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Latest())
}

// ActiveConns 当前订阅者数量
func (s *TelemetryServer) ActiveConns() int64 {
	return s.activeConns.Load()
}

// Published 已广播消息数
func (s *TelemetryServer) Published() uint64 {
	return s.published.Load()
}

// Dropped 因订阅者过慢而丢弃的消息数
func (s *TelemetryServer) Dropped() uint64 {
	return s.dropped.Load()
}

// Stop 停止服务器，可重复调用
func (s *TelemetryServer) Stop() {
	s.shutdown()
	s.wg.Wait()
}

func (s *TelemetryServer) shutdown() {
	s.stop.Do(func() {
		close(s.stopCh)
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.httpServer.Shutdown(ctx)
		}
	})
}
