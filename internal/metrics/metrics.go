// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 持久化计数 - 将收发帧数以十进制文本写入文件，供外部脚本轮询
// =============================================================================

package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/atomic"
)

// FileCounter 单调计数器，每次更新覆盖写入文件
type FileCounter struct {
	path          string
	atomicReplace bool

	value atomic.Uint64
	mu    sync.Mutex
}

// NewFileCounter 创建计数器，path 为空时只计数不落盘
func NewFileCounter(path string, atomicReplace bool) *FileCounter {
	return &FileCounter{path: path, atomicReplace: atomicReplace}
}

// Inc 加一并写出
func (c *FileCounter) Inc() error {
	return c.Add(1)
}

// Add 增加 n 并写出
func (c *FileCounter) Add(n uint64) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.value.Add(n)
	return c.writeLocked(v)
}

// Value 当前值
func (c *FileCounter) Value() uint64 {
	if c == nil {
		return 0
	}
	return c.value.Load()
}

// Path 文件路径
func (c *FileCounter) Path() string {
	return c.path
}

// Flush 写出当前值
func (c *FileCounter) Flush() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(c.value.Load())
}

func (c *FileCounter) writeLocked(v uint64) error {
	if c.path == "" {
		return nil
	}
	data := []byte(strconv.FormatUint(v, 10))

	if !c.atomicReplace {
		if err := os.WriteFile(c.path, data, 0o644); err != nil {
			return fmt.Errorf("写入计数文件 %s 失败: %w", c.path, err)
		}
		return nil
	}

	// 写临时文件再 rename，读者不会看到半截内容
	tmp, err := os.CreateTemp(filepath.Dir(c.path), "."+filepath.Base(c.path)+".*")
	if err != nil {
		return fmt.Errorf("创建临时计数文件失败: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("写入临时计数文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("关闭临时计数文件失败: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("替换计数文件失败: %w", err)
	}
	return nil
}
