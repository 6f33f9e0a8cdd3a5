// =============================================================================
// 文件: internal/loss/sequence.go
// 描述: 发送侧 12 位序号计数器
// =============================================================================

package loss

import (
	"sync"

	"github.com/mrcgq/ofdmlink/internal/protocol"
)

// SequenceCounter 每发送一个数据帧递增，4096 回绕
type SequenceCounter struct {
	mu   sync.Mutex
	next uint16
}

// NewSequenceCounter 创建计数器，从 0 开始
func NewSequenceCounter() *SequenceCounter {
	return &SequenceCounter{}
}

// Next 返回当前序号并递增
func (c *SequenceCounter) Next() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.next
	c.next = (c.next + 1) % protocol.SequenceModulo
	return seq
}

// Peek 返回下一个将使用的序号
func (c *SequenceCounter) Peek() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}
