package mesh_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aminovpavel/meshlink/internal/mesh"
)

func TestNodeIDRoundTrip(t *testing.T) {
	id := mesh.FormatNodeID(0x1234abcd)
	if id != "!1234abcd" {
		t.Fatalf("expected !1234abcd, got %q", id)
	}
	num, ok := mesh.ParseNodeID(id)
	if !ok || num != 0x1234abcd {
		t.Fatalf("expected 0x1234abcd, got %x (ok=%v)", num, ok)
	}
	if _, ok := mesh.ParseNodeID("not-hex"); ok {
		t.Fatalf("expected parse failure for invalid id")
	}
	if _, ok := mesh.ParseNodeID(""); ok {
		t.Fatalf("expected parse failure for empty id")
	}
}

func TestLocalNodeInfoNormalize(t *testing.T) {
	info := mesh.LocalNodeInfo{Num: 1}
	info.Normalize()
	if info.PacketIDBits != 8 || info.NodeNumBits != 8 {
		t.Fatalf("expected 8-bit defaults, got %d/%d", info.NodeNumBits, info.PacketIDBits)
	}
	if info.MessageTimeout != 5*time.Minute {
		t.Fatalf("expected 5m message timeout, got %s", info.MessageTimeout)
	}

	wide := mesh.LocalNodeInfo{PacketIDBits: 32, MessageTimeout: time.Second}
	wide.Normalize()
	if wide.PacketIDBits != 32 || wide.MessageTimeout != time.Second {
		t.Fatalf("expected explicit values to be kept, got %+v", wide)
	}
}

func TestNodeInfoOnlineAndClone(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	node := mesh.NodeInfo{
		Num:      7,
		User:     &mesh.User{ID: "!00000007", LongName: "Seven"},
		LastSeen: now.Add(-10 * time.Minute),
	}
	if !node.IsOnline(now, 15*time.Minute) {
		t.Fatalf("expected node to be online")
	}
	if node.IsOnline(now, 5*time.Minute) {
		t.Fatalf("expected node to be offline for short window")
	}

	clone := node.Clone()
	clone.User.LongName = "Changed"
	if node.User.LongName != "Seven" {
		t.Fatalf("clone shares user pointer with original")
	}
}

func TestMessageStatusJSON(t *testing.T) {
	pkt := mesh.DataPacket{ID: 5, Status: mesh.StatusEnroute}
	raw, err := json.Marshal(pkt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded mesh.DataPacket
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Status != mesh.StatusEnroute {
		t.Fatalf("expected ENROUTE, got %s", decoded.Status)
	}
}

func TestRadioConfigMerge(t *testing.T) {
	var cfg mesh.RadioConfig
	cfg.Merge(mesh.RadioConfig{LoRa: []byte{1}, Region: 3})
	cfg.Merge(mesh.RadioConfig{Power: []byte{2}, LightSleepSecs: 300})
	if cfg.Region != 3 || cfg.LightSleepSecs != 300 {
		t.Fatalf("unexpected merged config %+v", cfg)
	}
	if len(cfg.LoRa) != 1 || len(cfg.Power) != 1 {
		t.Fatalf("expected both sections to be kept")
	}
}
