package radio

import (
	"fmt"

	pb "github.com/kabili207/meshtastic-go/core/proto"
	"google.golang.org/protobuf/proto"

	"github.com/aminovpavel/meshlink/internal/mesh"
)

// EncodePosition marshals a POSITION_APP payload.
func EncodePosition(pos mesh.Position) ([]byte, error) {
	msg := &pb.Position{
		LatitudeI:  proto.Int32(mesh.DegI(pos.Latitude)),
		LongitudeI: proto.Int32(mesh.DegI(pos.Longitude)),
		Altitude:   proto.Int32(pos.Altitude),
		Time:       pos.Time,
	}
	return marshal("position", msg)
}

// DecodePosition parses a POSITION_APP payload.
func DecodePosition(payload []byte) (mesh.Position, error) {
	var msg pb.Position
	if err := proto.Unmarshal(payload, &msg); err != nil {
		return mesh.Position{}, fmt.Errorf("radio: decode position: %w", err)
	}
	return positionFromProto(&msg), nil
}

func positionFromProto(p *pb.Position) mesh.Position {
	return mesh.Position{
		Latitude:  mesh.DegD(p.GetLatitudeI()),
		Longitude: mesh.DegD(p.GetLongitudeI()),
		Altitude:  p.GetAltitude(),
		Time:      p.GetTime(),
	}
}

// EncodeUser marshals a NODEINFO_APP payload.
func EncodeUser(user mesh.User) ([]byte, error) {
	return marshal("user", userToProto(user))
}

// DecodeUser parses a NODEINFO_APP payload.
func DecodeUser(payload []byte) (mesh.User, error) {
	var msg pb.User
	if err := proto.Unmarshal(payload, &msg); err != nil {
		return mesh.User{}, fmt.Errorf("radio: decode user: %w", err)
	}
	return userFromProto(&msg), nil
}

func userFromProto(u *pb.User) mesh.User {
	return mesh.User{
		ID:        u.GetId(),
		LongName:  u.GetLongName(),
		ShortName: u.GetShortName(),
	}
}

func userToProto(u mesh.User) *pb.User {
	return &pb.User{
		Id:        u.ID,
		LongName:  u.LongName,
		ShortName: u.ShortName,
	}
}

// RoutingResult is the outcome carried by a ROUTING_APP payload.
type RoutingResult struct {
	// IsError is false for route discovery traffic, which carries no outcome.
	IsError bool
	Reason  string
	Acked   bool
}

// DecodeRouting parses a ROUTING_APP payload. An error reason of NONE is an ack.
func DecodeRouting(payload []byte) (RoutingResult, error) {
	var msg pb.Routing
	if err := proto.Unmarshal(payload, &msg); err != nil {
		return RoutingResult{}, fmt.Errorf("radio: decode routing: %w", err)
	}
	if _, ok := msg.GetVariant().(*pb.Routing_ErrorReason); !ok {
		return RoutingResult{}, nil
	}
	reason := msg.GetErrorReason()
	return RoutingResult{
		IsError: true,
		Reason:  reason.String(),
		Acked:   reason == pb.Routing_NONE,
	}, nil
}

// EncodeRouting marshals a ROUTING_APP error reason payload; name is a
// Routing_Error enum name such as "NONE" or "MAX_RETRANSMIT".
func EncodeRouting(name string) ([]byte, error) {
	code, ok := pb.Routing_Error_value[name]
	if !ok {
		return nil, fmt.Errorf("radio: unknown routing error %q", name)
	}
	msg := &pb.Routing{
		Variant: &pb.Routing_ErrorReason{ErrorReason: pb.Routing_Error(code)},
	}
	return marshal("routing", msg)
}

// PortName returns the Meshtastic name for a port, or "" if unknown.
func PortName(port mesh.Port) string {
	if name, ok := pb.PortNum_name[int32(port)]; ok {
		return name
	}
	return ""
}
