// =============================================================================
// 文件: internal/protocol/mac.go
// 描述: 6 字节 MAC 地址值类型
// =============================================================================

package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// MacAddressLen MAC 地址长度
const MacAddressLen = 6

// MacAddress 站点地址，可直接比较
type MacAddress [MacAddressLen]byte

// BroadcastAddress 广播地址
var BroadcastAddress = MacAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// MacAddressFromBytes 从字节切片构造，长度必须为 6
func MacAddressFromBytes(b []byte) (MacAddress, error) {
	var m MacAddress
	if len(b) != MacAddressLen {
		return m, Fatal("mac", fmt.Errorf("%w: got %d", ErrInvalidMacLength, len(b)))
	}
	copy(m[:], b)
	return m, nil
}

// ParseMacAddress 解析 "aa:bb:cc:dd:ee:ff" 或 "aa-bb-..." 格式
func ParseMacAddress(s string) (MacAddress, error) {
	var m MacAddress
	parts := strings.FieldsFunc(strings.TrimSpace(s), func(r rune) bool {
		return r == ':' || r == '-'
	})
	if len(parts) != MacAddressLen {
		return m, Fatal("mac", fmt.Errorf("%w: %q", ErrInvalidMacLength, s))
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return m, Fatal("mac", fmt.Errorf("无效的 MAC 字节 %q: %w", p, err))
		}
		m[i] = byte(v)
	}
	return m, nil
}

// MustParseMacAddress 解析失败时 panic，仅用于常量与测试
func MustParseMacAddress(s string) MacAddress {
	m, err := ParseMacAddress(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m MacAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast 是否为广播地址
func (m MacAddress) IsBroadcast() bool {
	return m == BroadcastAddress
}
