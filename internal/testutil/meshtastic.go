// Package testutil builds Meshtastic device frames for tests.
package testutil

import (
	"testing"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"
)

// BytesRepeating creates a slice filled with a repeated byte.
func BytesRepeating(b byte, count int) []byte {
	buf := make([]byte, count)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// NodeID renders a node number the way devices name their users.
func NodeID(num uint32) string {
	const hex = "0123456789abcdef"
	out := []byte("!00000000")
	for i := 8; i >= 1; i-- {
		out[i] = hex[num&0xf]
		num >>= 4
	}
	return string(out)
}

func marshalFromRadio(t testing.TB, msg *pb.FromRadio) []byte {
	t.Helper()
	raw, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal FromRadio: %v", err)
	}
	return raw
}

// BuildMyInfoFrame returns a FromRadio my_info frame for the local node.
func BuildMyInfoFrame(t testing.TB, num uint32) []byte {
	t.Helper()
	return marshalFromRadio(t, &pb.FromRadio{
		PayloadVariant: &pb.FromRadio_MyInfo{
			MyInfo: &pb.MyNodeInfo{MyNodeNum: num, MinAppVersion: 30200},
		},
	})
}

// BuildNodeInfoFrame returns a FromRadio node_info frame; the user id is
// derived from num and longName names the node.
func BuildNodeInfoFrame(t testing.TB, num uint32, longName string, lastHeard uint32) []byte {
	t.Helper()
	return marshalFromRadio(t, &pb.FromRadio{
		PayloadVariant: &pb.FromRadio_NodeInfo{
			NodeInfo: &pb.NodeInfo{
				Num: num,
				User: &pb.User{
					Id:        NodeID(num),
					LongName:  longName,
					ShortName: "N",
				},
				LastHeard: lastHeard,
				DeviceMetrics: &pb.DeviceMetrics{
					BatteryLevel: proto.Uint32(87),
				},
			},
		},
	})
}

// BuildMetadataFrame returns a FromRadio metadata frame.
func BuildMetadataFrame(t testing.TB, firmware string) []byte {
	t.Helper()
	return marshalFromRadio(t, &pb.FromRadio{
		PayloadVariant: &pb.FromRadio_Metadata{
			Metadata: &pb.DeviceMetadata{FirmwareVersion: firmware},
		},
	})
}

// BuildLoRaConfigFrame returns a FromRadio config frame with the LoRa section.
func BuildLoRaConfigFrame(t testing.TB, region pb.Config_LoRaConfig_RegionCode) []byte {
	t.Helper()
	return marshalFromRadio(t, &pb.FromRadio{
		PayloadVariant: &pb.FromRadio_Config{
			Config: &pb.Config{
				PayloadVariant: &pb.Config_Lora{
					Lora: &pb.Config_LoRaConfig{Region: region, HopLimit: 3},
				},
			},
		},
	})
}

// BuildPowerConfigFrame returns a FromRadio config frame with the power section.
func BuildPowerConfigFrame(t testing.TB, lightSleepSecs uint32) []byte {
	t.Helper()
	return marshalFromRadio(t, &pb.FromRadio{
		PayloadVariant: &pb.FromRadio_Config{
			Config: &pb.Config{
				PayloadVariant: &pb.Config_Power{
					Power: &pb.Config_PowerConfig{LsSecs: lightSleepSecs},
				},
			},
		},
	})
}

// BuildConfigCompleteFrame returns the FromRadio handshake completion marker.
func BuildConfigCompleteFrame(t testing.TB, nonce uint32) []byte {
	t.Helper()
	return marshalFromRadio(t, &pb.FromRadio{
		PayloadVariant: &pb.FromRadio_ConfigCompleteId{ConfigCompleteId: nonce},
	})
}

// BuildPacketFrame wraps a decoded data payload in a FromRadio packet frame.
func BuildPacketFrame(t testing.TB, from, to, id uint32, data *pb.Data) []byte {
	t.Helper()
	return marshalFromRadio(t, &pb.FromRadio{
		PayloadVariant: &pb.FromRadio_Packet{
			Packet: &pb.MeshPacket{
				From:     from,
				To:       to,
				Id:       id,
				RxTime:   1_700_000_000,
				Priority: pb.MeshPacket_DEFAULT,
				PayloadVariant: &pb.MeshPacket_Decoded{
					Decoded: data,
				},
			},
		},
	})
}

// BuildTextData returns a TEXT_MESSAGE_APP payload.
func BuildTextData(text string) *pb.Data {
	return &pb.Data{
		Portnum: pb.PortNum_TEXT_MESSAGE_APP,
		Payload: []byte(text),
	}
}

// BuildPositionData returns a POSITION_APP payload.
func BuildPositionData(t testing.TB, latI, lonI, alt int32, when uint32) *pb.Data {
	t.Helper()
	position := &pb.Position{
		LatitudeI:  proto.Int32(latI),
		LongitudeI: proto.Int32(lonI),
		Altitude:   proto.Int32(alt),
		Time:       when,
	}
	payload, err := proto.Marshal(position)
	if err != nil {
		t.Fatalf("marshal position: %v", err)
	}
	return &pb.Data{
		Portnum: pb.PortNum_POSITION_APP,
		Payload: payload,
	}
}

// BuildUserData returns a NODEINFO_APP payload announcing a user.
func BuildUserData(t testing.TB, id, longName, shortName string) *pb.Data {
	t.Helper()
	payload, err := proto.Marshal(&pb.User{Id: id, LongName: longName, ShortName: shortName})
	if err != nil {
		t.Fatalf("marshal user: %v", err)
	}
	return &pb.Data{
		Portnum: pb.PortNum_NODEINFO_APP,
		Payload: payload,
	}
}

// BuildRoutingData returns a ROUTING_APP payload answering requestID.
func BuildRoutingData(t testing.TB, requestID uint32, reason pb.Routing_Error) *pb.Data {
	t.Helper()
	payload, err := proto.Marshal(&pb.Routing{
		Variant: &pb.Routing_ErrorReason{ErrorReason: reason},
	})
	if err != nil {
		t.Fatalf("marshal routing: %v", err)
	}
	return &pb.Data{
		Portnum:   pb.PortNum_ROUTING_APP,
		Payload:   payload,
		RequestId: requestID,
	}
}

// DecodeToRadio parses an outbound frame written by the session.
func DecodeToRadio(t testing.TB, raw []byte) *pb.ToRadio {
	t.Helper()
	var msg pb.ToRadio
	if err := proto.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal ToRadio: %v", err)
	}
	return &msg
}
