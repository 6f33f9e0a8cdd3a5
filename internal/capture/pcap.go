// =============================================================================
// 文件: internal/capture/pcap.go
// 描述: 帧抓包 - 以 802.11 链路类型写入 pcap，便于 Wireshark 分析
// =============================================================================

package capture

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Direction 帧方向
type Direction uint8

const (
	DirTx Direction = iota
	DirRx
)

func (d Direction) String() string {
	if d == DirRx {
		return "rx"
	}
	return "tx"
}

// Writer 线程安全的 pcap 写入器
type Writer struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	buf     *bufio.Writer
	closer  io.Closer
	snapLen uint32

	frames uint64
	bytes  uint64
	closed bool
}

// NewWriter 在 w 上写入文件头
func NewWriter(w io.Writer, snapLen int) (*Writer, error) {
	if snapLen <= 0 {
		snapLen = 65535
	}
	buf := bufio.NewWriter(w)
	pw := pcapgo.NewWriter(buf)
	if err := pw.WriteFileHeader(uint32(snapLen), layers.LinkTypeIEEE802_11); err != nil {
		return nil, fmt.Errorf("写入 pcap 文件头失败: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return nil, fmt.Errorf("写入 pcap 文件头失败: %w", err)
	}
	wr := &Writer{w: pw, buf: buf, snapLen: uint32(snapLen)}
	if c, ok := w.(io.Closer); ok {
		wr.closer = c
	}
	return wr, nil
}

// Create 创建 pcap 文件
func Create(path string, snapLen int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("创建抓包文件失败: %w", err)
	}
	w, err := NewWriter(f, snapLen)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// WriteFrame 写入一帧 (含 FCS)
func (w *Writer) WriteFrame(frame []byte, ts time.Time, dir Direction) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("抓包已关闭")
	}

	data := frame
	if uint32(len(data)) > w.snapLen {
		data = data[:w.snapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(frame),
	}
	if err := w.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("写入 %s 帧失败: %w", dir, err)
	}
	w.frames++
	w.bytes += uint64(len(frame))
	return nil
}

// Flush 刷新缓冲
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Frames 已写入帧数
func (w *Writer) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close 刷新并关闭底层文件
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	err := w.buf.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
