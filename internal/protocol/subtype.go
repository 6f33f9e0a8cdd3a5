// =============================================================================
// 文件: internal/protocol/subtype.go
// 描述: 帧类型与子类型名称表(用于日志)
// =============================================================================

package protocol

// FrameType 帧控制字段 bit 2-3
type FrameType uint8

const (
	TypeManagement FrameType = 0
	TypeControl    FrameType = 1
	TypeData       FrameType = 2
	TypeExtension  FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case TypeManagement:
		return "Management"
	case TypeControl:
		return "Control"
	case TypeData:
		return "Data"
	default:
		return "Extension"
	}
}

// 常用子类型
const (
	SubtypeData    uint8 = 0
	SubtypeBeacon  uint8 = 8
	SubtypeAck     uint8 = 13
	SubtypeQoSData uint8 = 8
)

const reservedName = "Reserved"

var managementSubtypes = [16]string{
	"Association Request",
	"Association Response",
	"Reassociation Request",
	"Reassociation Response",
	"Probe Request",
	"Probe Response",
	"Timing Advertisement",
	reservedName,
	"Beacon",
	"ATIM",
	"Disassociation",
	"Authentication",
	"Deauthentication",
	"Action",
	"Action No ACK",
	reservedName,
}

var controlSubtypes = [16]string{
	reservedName, reservedName, reservedName, reservedName,
	reservedName, reservedName, reservedName,
	"Control Wrapper",
	"Block ACK Request",
	"Block ACK",
	"PS Poll",
	"RTS",
	"CTS",
	"ACK",
	"CF-End",
	"CF-End + CF-ACK",
}

var dataSubtypes = [16]string{
	"Data",
	"Data + CF-ACK",
	"Data + CF-Poll",
	"Data + CF-ACK + CF-Poll",
	"Null",
	"CF-ACK",
	"CF-Poll",
	"CF-ACK + CF-Poll",
	"QoS Data",
	"QoS Data + CF-ACK",
	"QoS Data + CF-Poll",
	"QoS Data + CF-ACK + CF-Poll",
	"QoS Null",
	reservedName,
	"QoS CF-Poll",
	"QoS CF-ACK + CF-Poll",
}

// SubtypeName 返回子类型名称，未知返回 "Reserved"
func SubtypeName(t FrameType, subtype uint8) string {
	if subtype > 15 {
		return reservedName
	}
	switch t {
	case TypeManagement:
		return managementSubtypes[subtype]
	case TypeControl:
		return controlSubtypes[subtype]
	case TypeData:
		return dataSubtypes[subtype]
	default:
		return reservedName
	}
}
