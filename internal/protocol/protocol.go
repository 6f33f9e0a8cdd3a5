// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: 类 802.11 MAC 帧编解码 - 数据帧/ACK 帧构建、解析、FCS 校验
// =============================================================================

package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// =============================================================================
// 帧格式常量
// =============================================================================

const (
	// HeaderLen 数据/管理帧头: FC(2) + Duration(2) + Addr1/2/3(18) + Seq(2)
	HeaderLen = 24

	// QoSHeaderLen QoS 数据帧额外携带 2 字节 QoS Control
	QoSHeaderLen = 26

	// ControlHeaderLen 控制帧头: FC(2) + Duration(2) + RA(6)
	ControlHeaderLen = 10

	// FCSLen 帧尾 CRC-32
	FCSLen = 4

	// MTU 单帧最大负载
	MTU = 1500

	// DataOverhead 数据帧固定开销
	DataOverhead = HeaderLen + FCSLen

	// AckFrameLen ACK 帧总长
	AckFrameLen = ControlHeaderLen + FCSLen

	// SequenceModulo 序列号取值范围 0..4095
	SequenceModulo = 4096
)

// 帧控制字段取值
const (
	FrameControlData uint16 = 0x0008
	FrameControlAck  uint16 = 0x00D4
)

// 信标固定参数: Timestamp(8) + Interval(2) + Capability(2) + ElementID(1)
const (
	beaconSSIDLenOffset = HeaderLen + 13
	beaconSSIDOffset    = HeaderLen + 14
)

// =============================================================================
// 帧头
// =============================================================================

// FrameHeader 24 字节数据帧头，Sequence 为逻辑 12 位序号
type FrameHeader struct {
	FrameControl uint16
	Duration     uint16
	Addr1        MacAddress // 接收方
	Addr2        MacAddress // 发送方
	Addr3        MacAddress // BSS
	Sequence     uint16
}

// MarshalTo 写入 b[0:24]
func (h *FrameHeader) MarshalTo(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], h.FrameControl)
	binary.LittleEndian.PutUint16(b[2:4], h.Duration)
	copy(b[4:10], h.Addr1[:])
	copy(b[10:16], h.Addr2[:])
	copy(b[16:22], h.Addr3[:])
	binary.LittleEndian.PutUint16(b[22:24], EncodeSequence(h.Sequence))
}

// EncodeSequence 12 位序号左移 4 位存入 16 位字段，低 4 位为分片号(恒 0)
func EncodeSequence(seq uint16) uint16 {
	return (seq % SequenceModulo) << 4
}

// DecodeSequence 从 16 位字段取出序号
func DecodeSequence(field uint16) uint16 {
	return field >> 4
}

// =============================================================================
// 构建
// =============================================================================

// BuildDataFrame 构建数据帧
// 格式: Header(24) + Payload(N) + FCS(4)
func BuildDataFrame(dst, src, bss MacAddress, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > MTU {
		return nil, Fatal("build data", fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MTU))
	}

	frame := make([]byte, HeaderLen+len(payload)+FCSLen)
	hdr := FrameHeader{
		FrameControl: FrameControlData,
		Addr1:        dst,
		Addr2:        src,
		Addr3:        bss,
		Sequence:     seq,
	}
	hdr.MarshalTo(frame)
	copy(frame[HeaderLen:], payload)
	putFCS(frame)
	return frame, nil
}

// BuildAckFrame 构建 14 字节 ACK 帧
func BuildAckFrame(ra MacAddress) []byte {
	frame := make([]byte, AckFrameLen)
	binary.LittleEndian.PutUint16(frame[0:2], FrameControlAck)
	copy(frame[4:10], ra[:])
	putFCS(frame)
	return frame
}

// putFCS 计算除末尾 4 字节外的 CRC-32 并写入末尾
func putFCS(frame []byte) {
	n := len(frame) - FCSLen
	binary.LittleEndian.PutUint32(frame[n:], crc32.ChecksumIEEE(frame[:n]))
}

// ValidateChecksum 校验末尾 FCS
func ValidateChecksum(frame []byte) error {
	if len(frame) < FCSLen {
		return Recoverable("checksum", fmt.Errorf("%w: 长度 %d", ErrMalformed, len(frame)))
	}
	n := len(frame) - FCSLen
	want := binary.LittleEndian.Uint32(frame[n:])
	if got := crc32.ChecksumIEEE(frame[:n]); got != want {
		return Recoverable("checksum", fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrChecksumMismatch, got, want))
	}
	return nil
}

// =============================================================================
// 解析
// =============================================================================

// ParsedFrame 解析结果
type ParsedFrame struct {
	Type         FrameType
	Subtype      uint8
	FrameControl uint16
	Duration     uint16
	Addr1        MacAddress
	Addr2        MacAddress
	Addr3        MacAddress
	Sequence     uint16
	HasSequence  bool

	BodyOffset int
	Body       []byte
	FCS        uint32

	// Recognized 为 false 表示保留类型/子类型，调用方只记录不处理
	Recognized bool

	// 信标
	SSID      string
	Truncated bool
}

// IsAck 是否为 ACK 控制帧
func (p *ParsedFrame) IsAck() bool {
	return p.Type == TypeControl && p.Subtype == SubtypeAck
}

// IsQoS 是否为 QoS 数据子类型
func (p *ParsedFrame) IsQoS() bool {
	return p.Type == TypeData && p.Subtype&0x08 != 0
}

// CarriesPayload 是否为携带应用负载的 Data 或 QoS Data 子类型
func (p *ParsedFrame) CarriesPayload() bool {
	return p.Type == TypeData && (p.Subtype == SubtypeData || p.Subtype == SubtypeQoSData)
}

// Parse 解析完整帧(含 FCS)，不做校验和检查
func Parse(frame []byte) (*ParsedFrame, error) {
	if len(frame) < ControlHeaderLen+FCSLen {
		return nil, malformed("帧太短", len(frame), ControlHeaderLen+FCSLen)
	}

	fc := binary.LittleEndian.Uint16(frame[0:2])
	p := &ParsedFrame{
		Type:         frameTypeOf(fc),
		Subtype:      subtypeOf(fc),
		FrameControl: fc,
		Duration:     binary.LittleEndian.Uint16(frame[2:4]),
		BodyOffset:   ControlHeaderLen,
	}
	copy(p.Addr1[:], frame[4:10])

	switch p.Type {
	case TypeControl:
		p.Recognized = SubtypeName(p.Type, p.Subtype) != reservedName

	case TypeManagement, TypeData:
		hdrLen := HeaderLen
		if p.IsQoS() {
			hdrLen = QoSHeaderLen
		}
		if len(frame) < hdrLen+FCSLen {
			return nil, malformed(p.Type.String()+" 帧太短", len(frame), hdrLen+FCSLen)
		}
		copy(p.Addr2[:], frame[10:16])
		copy(p.Addr3[:], frame[16:22])
		p.Sequence = DecodeSequence(binary.LittleEndian.Uint16(frame[22:24]))
		p.HasSequence = true
		p.BodyOffset = hdrLen
		p.Recognized = SubtypeName(p.Type, p.Subtype) != reservedName

		if p.Type == TypeManagement && p.Subtype == SubtypeBeacon {
			p.SSID, p.Truncated = beaconSSID(frame)
		}

	default:
		p.Recognized = false
	}

	end := len(frame) - FCSLen
	p.Body = frame[p.BodyOffset:end]
	p.FCS = binary.LittleEndian.Uint32(frame[end:])
	return p, nil
}

// beaconSSID 读取信标中的 SSID，长度不足时返回 truncated
// 边界不含末尾 FCS
func beaconSSID(frame []byte) (string, bool) {
	end := len(frame) - FCSLen
	if end < beaconSSIDOffset {
		return "", true
	}
	n := int(frame[beaconSSIDLenOffset])
	if end < beaconSSIDOffset+n {
		return "", true
	}
	return string(frame[beaconSSIDOffset : beaconSSIDOffset+n]), false
}

func malformed(what string, got, want int) error {
	return Recoverable("parse", fmt.Errorf("%w: %s %d < %d", ErrMalformed, what, got, want))
}

func frameTypeOf(fc uint16) FrameType {
	return FrameType((fc >> 2) & 0x3)
}

func subtypeOf(fc uint16) uint8 {
	return uint8((fc >> 4) & 0xF)
}
