// Package radio translates between Meshtastic device frames and the domain
// types the session works with.
package radio

import (
	pb "github.com/kabili207/meshtastic-go/core/proto"

	"github.com/aminovpavel/meshlink/internal/mesh"
)

// MaxPayloadLen is the largest application payload a single packet can carry.
// Outgoing payloads must be strictly shorter.
const MaxPayloadLen = int(pb.Constants_DATA_PAYLOAD_LEN)

// FrameKind tags the variant carried by a FromRadio frame.
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindPacket
	KindMyInfo
	KindNodeInfo
	KindConfig
	KindMetadata
	KindConfigComplete
)

func (k FrameKind) String() string {
	switch k {
	case KindPacket:
		return "MeshPacket"
	case KindMyInfo:
		return "MyNodeInfo"
	case KindNodeInfo:
		return "NodeInfo"
	case KindConfig:
		return "Config"
	case KindMetadata:
		return "DeviceMetadata"
	case KindConfigComplete:
		return "ConfigCompleteId"
	default:
		return "Unknown"
	}
}

// MeshPacket is a decoded application packet as exchanged with the device.
type MeshPacket struct {
	From         uint32
	To           uint32
	ID           uint32
	Channel      uint32
	RxTime       uint32
	WantAck      bool
	Port         mesh.Port
	Payload      []byte
	WantResponse bool
	RequestID    uint32
	// Encrypted is set when the device handed us a packet it could not decode.
	Encrypted bool
}

// FromRadio is the tagged variant decoded from one inbound device frame.
// Exactly one of the pointer fields matching Kind is set.
type FromRadio struct {
	Kind             FrameKind
	Packet           *MeshPacket
	MyInfo           *mesh.LocalNodeInfo
	NodeInfo         *mesh.NodeInfo
	Config           *mesh.RadioConfig
	FirmwareVersion  string
	ConfigCompleteID uint32
	// Text is a human readable rendering of the frame for the packet log.
	Text string
}
