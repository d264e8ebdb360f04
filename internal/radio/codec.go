package radio

import (
	"errors"
	"fmt"
	"time"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"github.com/aminovpavel/meshlink/internal/mesh"
)

// ErrEmptyFrame is returned for frames that carry no payload variant.
var ErrEmptyFrame = errors.New("radio: empty frame")

// Codec converts raw device frames to domain values and back.
type Codec interface {
	DecodeFromRadio(raw []byte) (FromRadio, error)
	EncodeWantConfig(nonce uint32) ([]byte, error)
	EncodePacket(pkt MeshPacket) ([]byte, error)
	EncodeSetConfig(localNum uint32, cfg mesh.RadioConfig) ([][]byte, error)
	EncodeSetOwner(localNum uint32, user mesh.User) ([]byte, error)
}

// ProtoCodec implements Codec with the Meshtastic protobuf schema.
type ProtoCodec struct {
	// SkipText disables the prototext rendering stored in FromRadio.Text.
	SkipText bool
}

// NewProtoCodec constructs the default codec.
func NewProtoCodec() ProtoCodec {
	return ProtoCodec{}
}

// DecodeFromRadio parses one FromRadio frame.
func (c ProtoCodec) DecodeFromRadio(raw []byte) (FromRadio, error) {
	var msg pb.FromRadio
	if err := proto.Unmarshal(raw, &msg); err != nil {
		return FromRadio{}, fmt.Errorf("radio: decode FromRadio: %w", err)
	}

	var out FromRadio
	switch v := msg.GetPayloadVariant().(type) {
	case *pb.FromRadio_Packet:
		pkt, err := meshPacketFromProto(v.Packet)
		if err != nil {
			return FromRadio{}, err
		}
		out.Kind = KindPacket
		out.Packet = &pkt
		if !c.SkipText {
			out.Text = prototext.Format(v.Packet)
		}
	case *pb.FromRadio_MyInfo:
		info := localInfoFromProto(v.MyInfo)
		out.Kind = KindMyInfo
		out.MyInfo = &info
		if !c.SkipText {
			out.Text = prototext.Format(v.MyInfo)
		}
	case *pb.FromRadio_NodeInfo:
		node := nodeInfoFromProto(v.NodeInfo)
		out.Kind = KindNodeInfo
		out.NodeInfo = &node
		if !c.SkipText {
			out.Text = prototext.Format(v.NodeInfo)
		}
	case *pb.FromRadio_Config:
		cfg, err := radioConfigFromProto(v.Config)
		if err != nil {
			return FromRadio{}, err
		}
		out.Kind = KindConfig
		out.Config = &cfg
		if !c.SkipText {
			out.Text = prototext.Format(v.Config)
		}
	case *pb.FromRadio_Metadata:
		out.Kind = KindMetadata
		out.FirmwareVersion = v.Metadata.GetFirmwareVersion()
		if !c.SkipText {
			out.Text = prototext.Format(v.Metadata)
		}
	case *pb.FromRadio_ConfigCompleteId:
		out.Kind = KindConfigComplete
		out.ConfigCompleteID = v.ConfigCompleteId
		out.Text = fmt.Sprintf("config_complete_id: %d", v.ConfigCompleteId)
	case nil:
		return FromRadio{}, ErrEmptyFrame
	default:
		// Frames the session has no use for (channels, module config, log records).
		out.Kind = KindUnknown
		if !c.SkipText {
			out.Text = prototext.Format(&msg)
		}
	}
	return out, nil
}

// EncodeWantConfig builds the handshake request carrying nonce.
func (c ProtoCodec) EncodeWantConfig(nonce uint32) ([]byte, error) {
	msg := &pb.ToRadio{
		PayloadVariant: &pb.ToRadio_WantConfigId{WantConfigId: nonce},
	}
	return marshal("want_config", msg)
}

// EncodePacket wraps an application packet in a ToRadio frame.
func (c ProtoCodec) EncodePacket(pkt MeshPacket) ([]byte, error) {
	msg := &pb.ToRadio{
		PayloadVariant: &pb.ToRadio_Packet{Packet: meshPacketToProto(pkt)},
	}
	return marshal("packet", msg)
}

// EncodeSetConfig builds one admin set_config frame per section present in cfg.
func (c ProtoCodec) EncodeSetConfig(localNum uint32, cfg mesh.RadioConfig) ([][]byte, error) {
	sections, err := configSections(cfg)
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, 0, len(sections))
	for _, section := range sections {
		admin := &pb.AdminMessage{
			PayloadVariant: &pb.AdminMessage_SetConfig{SetConfig: section},
		}
		frame, err := c.encodeAdmin(localNum, admin)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// EncodeSetOwner builds the admin set_owner frame for the local node.
func (c ProtoCodec) EncodeSetOwner(localNum uint32, user mesh.User) ([]byte, error) {
	admin := &pb.AdminMessage{
		PayloadVariant: &pb.AdminMessage_SetOwner{SetOwner: userToProto(user)},
	}
	return c.encodeAdmin(localNum, admin)
}

func (c ProtoCodec) encodeAdmin(localNum uint32, admin *pb.AdminMessage) ([]byte, error) {
	payload, err := proto.Marshal(admin)
	if err != nil {
		return nil, fmt.Errorf("radio: marshal admin: %w", err)
	}
	return c.EncodePacket(MeshPacket{
		To:           localNum,
		Port:         mesh.PortAdmin,
		Payload:      payload,
		WantResponse: true,
	})
}

func marshal(what string, msg proto.Message) ([]byte, error) {
	raw, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("radio: encode %s: %w", what, err)
	}
	return raw, nil
}

func meshPacketFromProto(p *pb.MeshPacket) (MeshPacket, error) {
	if p == nil {
		return MeshPacket{}, fmt.Errorf("radio: packet variant without packet")
	}
	out := MeshPacket{
		From:    p.GetFrom(),
		To:      p.GetTo(),
		ID:      p.GetId(),
		Channel: p.GetChannel(),
		RxTime:  p.GetRxTime(),
		WantAck: p.GetWantAck(),
	}
	if data := p.GetDecoded(); data != nil {
		out.Port = mesh.Port(data.GetPortnum())
		out.Payload = append([]byte(nil), data.GetPayload()...)
		out.WantResponse = data.GetWantResponse()
		out.RequestID = data.GetRequestId()
	} else if encrypted := p.GetEncrypted(); encrypted != nil {
		out.Encrypted = true
		out.Payload = append([]byte(nil), encrypted...)
	}
	return out, nil
}

func meshPacketToProto(p MeshPacket) *pb.MeshPacket {
	return &pb.MeshPacket{
		From:    p.From,
		To:      p.To,
		Id:      p.ID,
		Channel: p.Channel,
		WantAck: p.WantAck,
		PayloadVariant: &pb.MeshPacket_Decoded{
			Decoded: &pb.Data{
				Portnum:      pb.PortNum(p.Port),
				Payload:      p.Payload,
				WantResponse: p.WantResponse,
				RequestId:    p.RequestID,
			},
		},
	}
}

// Current firmware uses full width node numbers and packet ids and no longer
// reports them, nor the packet counter or message timeout.
func localInfoFromProto(m *pb.MyNodeInfo) mesh.LocalNodeInfo {
	info := mesh.LocalNodeInfo{
		Num:            m.GetMyNodeNum(),
		NodeNumBits:    32,
		PacketIDBits:   32,
		MessageTimeout: mesh.DefaultMessageTimeout,
		MinAppVersion:  m.GetMinAppVersion(),
	}
	info.Normalize()
	return info
}

func nodeInfoFromProto(n *pb.NodeInfo) mesh.NodeInfo {
	out := mesh.NodeInfo{Num: n.GetNum()}
	if u := n.GetUser(); u != nil {
		user := userFromProto(u)
		out.User = &user
	}
	if p := n.GetPosition(); p != nil {
		pos := positionFromProto(p)
		out.Position = &pos
	}
	if dm := n.GetDeviceMetrics(); dm != nil {
		if lvl := dm.GetBatteryLevel(); lvl > 0 {
			out.BatteryLevel = &lvl
		}
	}
	if heard := n.GetLastHeard(); heard > 0 {
		out.LastSeen = time.Unix(int64(heard), 0)
	}
	return out
}
