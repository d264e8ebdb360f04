// Package mesh holds the domain types shared by the session engine and its
// collaborators: node records, local node info, data packets and statuses.
package mesh

import (
	"fmt"
	"strings"
	"time"
)

// Reserved identities used in DataPacket.From / DataPacket.To.
const (
	IDLocal     = "^local"
	IDBroadcast = "^all"
)

// NodeNumBroadcast is the numeric destination for "everyone on the mesh".
const NodeNumBroadcast uint32 = 0xffffffff

// Port identifies the purpose of a data payload. Values match Meshtastic portnums.
type Port int32

const (
	PortUnknown  Port = 0
	PortText     Port = 1
	PortPosition Port = 3
	PortNodeInfo Port = 4
	PortRouting  Port = 5
	PortAdmin    Port = 6
)

// ConnectionState describes the link to the radio device.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
	DeviceSleep
)

func (s ConnectionState) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case DeviceSleep:
		return "DEVICE_SLEEP"
	default:
		return "DISCONNECTED"
	}
}

// MarshalText renders the state name for JSON payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MessageStatus tracks a DataPacket through the pipeline.
type MessageStatus int

const (
	StatusUnknown MessageStatus = iota
	StatusReceived
	StatusQueued
	StatusEnroute
	StatusDelivered
	StatusError
)

var statusNames = map[MessageStatus]string{
	StatusUnknown:   "UNKNOWN",
	StatusReceived:  "RECEIVED",
	StatusQueued:    "QUEUED",
	StatusEnroute:   "ENROUTE",
	StatusDelivered: "DELIVERED",
	StatusError:     "ERROR",
}

func (s MessageStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("MessageStatus(%d)", int(s))
}

// Terminal reports whether no further status change is expected.
func (s MessageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusError || s == StatusReceived
}

func (s MessageStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *MessageStatus) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	for status, candidate := range statusNames {
		if candidate == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("mesh: unknown message status %q", string(text))
}

// DataPacket is an application message exchanged with the mesh.
type DataPacket struct {
	From    string        `json:"from"`
	To      string        `json:"to"`
	Port    Port          `json:"port"`
	Payload []byte        `json:"payload,omitempty"`
	ID      uint32        `json:"id"`
	Status  MessageStatus `json:"status"`
	Time    time.Time     `json:"time"`
	// WantResponse asks the recipient to answer, e.g. with its own position.
	WantResponse bool `json:"want_response,omitempty"`
}

// Clone returns a deep copy of the packet.
func (p DataPacket) Clone() DataPacket {
	p.Payload = append([]byte(nil), p.Payload...)
	return p
}

// Text returns the payload as a string for text messages.
func (p DataPacket) Text() string {
	if p.Port != PortText {
		return ""
	}
	return string(p.Payload)
}

// User is the identity a node advertises about itself.
type User struct {
	ID        string `json:"id"`
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
}

// Position is a location fix; Time is in unix seconds.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  int32   `json:"altitude"`
	Time      uint32  `json:"time"`
}

// DegI converts degrees to the 1e-7 fixed point integer used on the wire.
func DegI(deg float64) int32 {
	return int32(deg * 1e7)
}

// DegD converts the wire fixed point value back to degrees.
func DegD(i int32) float64 {
	return float64(i) * 1e-7
}

// NodeInfo is one mesh participant as mirrored on this side of the link.
type NodeInfo struct {
	Num          uint32    `json:"num"`
	User         *User     `json:"user,omitempty"`
	Position     *Position `json:"position,omitempty"`
	BatteryLevel *uint32   `json:"battery_level,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// ID returns the node's user identity, or "" if not yet known.
func (n NodeInfo) ID() string {
	if n.User == nil {
		return ""
	}
	return n.User.ID
}

// IsOnline reports whether the node was heard within window of now.
func (n NodeInfo) IsOnline(now time.Time, window time.Duration) bool {
	if n.LastSeen.IsZero() {
		return false
	}
	return now.Sub(n.LastSeen) <= window
}

// Clone returns a copy that shares no pointers with n.
func (n NodeInfo) Clone() NodeInfo {
	if n.User != nil {
		u := *n.User
		n.User = &u
	}
	if n.Position != nil {
		p := *n.Position
		n.Position = &p
	}
	if n.BatteryLevel != nil {
		b := *n.BatteryLevel
		n.BatteryLevel = &b
	}
	return n
}

// Default values applied to LocalNodeInfo fields the device left unset.
const (
	DefaultIDBits         = 8
	DefaultMessageTimeout = 5 * time.Minute
)

// LocalNodeInfo describes the radio the session is attached to.
type LocalNodeInfo struct {
	Num             uint32        `json:"num"`
	FirmwareVersion string        `json:"firmware_version"`
	Region          string        `json:"region"`
	HasGPS          bool          `json:"has_gps"`
	NodeNumBits     int           `json:"node_num_bits"`
	PacketIDBits    int           `json:"packet_id_bits"`
	MessageTimeout  time.Duration `json:"message_timeout"`
	CurrentPacketID uint32        `json:"current_packet_id"`
	MinAppVersion   uint32        `json:"min_app_version"`
}

// Normalize fills the defaults older firmware does not report.
func (l *LocalNodeInfo) Normalize() {
	if l.NodeNumBits == 0 {
		l.NodeNumBits = DefaultIDBits
	}
	if l.PacketIDBits == 0 {
		l.PacketIDBits = DefaultIDBits
	}
	if l.MessageTimeout <= 0 {
		l.MessageTimeout = DefaultMessageTimeout
	}
}

// RegionCode is the numeric LoRa region setting; 0 means unset.
type RegionCode int32

const RegionUnset RegionCode = 0

// RadioConfig keeps the device configuration sections as opaque blobs,
// alongside the few values the session itself needs to read.
type RadioConfig struct {
	LoRa           []byte     `json:"lora,omitempty"`
	Power          []byte     `json:"power,omitempty"`
	Position       []byte     `json:"position,omitempty"`
	Region         RegionCode `json:"region"`
	LightSleepSecs uint32     `json:"light_sleep_secs"`
	HasGPS         bool       `json:"has_gps"`
}

// Merge overlays the sections present in other onto c.
func (c *RadioConfig) Merge(other RadioConfig) {
	if other.LoRa != nil {
		c.LoRa = append([]byte(nil), other.LoRa...)
		c.Region = other.Region
	}
	if other.Power != nil {
		c.Power = append([]byte(nil), other.Power...)
		c.LightSleepSecs = other.LightSleepSecs
	}
	if other.Position != nil {
		c.Position = append([]byte(nil), other.Position...)
		c.HasGPS = other.HasGPS
	}
}

// Clone returns a deep copy.
func (c RadioConfig) Clone() RadioConfig {
	out := RadioConfig{Region: c.Region, LightSleepSecs: c.LightSleepSecs, HasGPS: c.HasGPS}
	out.Merge(c)
	return out
}
