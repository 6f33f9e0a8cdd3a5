// =============================================================================
// 文件: internal/transport/websocket_test.go
// =============================================================================

package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTelemetry(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + defaultTelemetryPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接遥测失败: %v", err)
	}
	return conn
}

func waitSubscribers(t *testing.T, s *TelemetryServer, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ActiveConns() < n {
		if time.Now().After(deadline) {
			t.Fatalf("订阅者数量 = %d, want %d", s.ActiveConns(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTelemetryBroadcast(t *testing.T) {
	s := NewTelemetryServer(TelemetryConfig{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Stop()

	conn := dialTelemetry(t, srv)
	defer conn.Close()
	waitSubscribers(t, s, 1)

	s.Publish(TelemetryLoss, map[string]float64{"percent": 12.5})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}

	var msg struct {
		Type string             `json:"type"`
		Data map[string]float64 `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if msg.Type != TelemetryLoss || msg.Data["percent"] != 12.5 {
		t.Errorf("消息内容错误: %+v", msg)
	}
	if s.Published() != 1 {
		t.Errorf("Published = %d, want 1", s.Published())
	}
}

func TestTelemetryLatestReplay(t *testing.T) {
	s := NewTelemetryServer(TelemetryConfig{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Stop()

	s.Publish(TelemetryEncoding, map[string]string{"level": "QPSK-1/2"})

	conn := dialTelemetry(t, srv)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if !strings.Contains(string(data), "QPSK-1/2") {
		t.Errorf("新订阅者应收到最新编码: %s", data)
	}

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var latest []TelemetryMessage
	if err := json.NewDecoder(resp.Body).Decode(&latest); err != nil {
		t.Fatalf("解析最新值失败: %v", err)
	}
	if len(latest) != 1 || latest[0].Type != TelemetryEncoding {
		t.Errorf("最新值错误: %+v", latest)
	}
}

func TestTelemetryDisconnect(t *testing.T) {
	s := NewTelemetryServer(TelemetryConfig{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Stop()

	conn := dialTelemetry(t, srv)
	waitSubscribers(t, s, 1)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.ActiveConns() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("断开后订阅者未移除")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 无订阅者时发布不应阻塞
	s.Publish(TelemetryFrameData, 1)
}
