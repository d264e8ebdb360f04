package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/aminovpavel/meshlink/internal/mesh"
	"github.com/aminovpavel/meshlink/internal/radio"
)

// ProgressNotStarted is the firmware update progress reported when no update is running.
const ProgressNotStarted = -1

// Send queues pkt for delivery and returns it with its assigned id and
// current status. Failures resolve the message to ERROR and are also
// returned; the message is never lost silently.
func (s *Service) Send(ctx context.Context, pkt mesh.DataPacket) (mesh.DataPacket, error) {
	var (
		out     mesh.DataPacket
		sendErr error
	)
	if err := s.call(ctx, func() { out, sendErr = s.sendPacket(pkt) }); err != nil {
		return pkt, err
	}
	return out, sendErr
}

// SendText is a convenience wrapper for text messages.
func (s *Service) SendText(ctx context.Context, to, text string) (mesh.DataPacket, error) {
	return s.Send(ctx, mesh.DataPacket{To: to, Port: mesh.PortText, Payload: []byte(text)})
}

// SendPosition records pos on the local node and sends it to dest
// (mesh.IDBroadcast, mesh.IDLocal or a node id). The local record is updated
// even when the send fails.
func (s *Service) SendPosition(ctx context.Context, pos mesh.Position, dest string, wantResponse bool) error {
	var sendErr error
	if err := s.call(ctx, func() { sendErr = s.sendPosition(pos, dest, wantResponse) }); err != nil {
		return err
	}
	return sendErr
}

func (s *Service) sendPosition(pos mesh.Position, dest string, wantResponse bool) error {
	if s.myInfo == nil {
		return ErrNoLocalNode
	}
	now := s.now()
	if pos.Time == 0 {
		pos.Time = uint32(now.Unix())
	}
	s.db.Update(s.myInfo.Num, func(n *mesh.NodeInfo) {
		p := pos
		n.Position = &p
		n.LastSeen = now
	})

	if dest == "" {
		dest = mesh.IDBroadcast
	}
	to, err := s.resolveDest(dest)
	if err != nil {
		return fmt.Errorf("%w: %s", err, dest)
	}
	if s.state != mesh.Connected {
		return ErrNotConnected
	}
	payload, err := radio.EncodePosition(pos)
	if err != nil {
		return err
	}
	frame, err := s.codec.EncodePacket(radio.MeshPacket{
		To:           to,
		ID:           s.nextPacketID(),
		Port:         mesh.PortPosition,
		Payload:      payload,
		WantResponse: wantResponse,
	})
	if err != nil {
		return err
	}
	return s.send(frame)
}

// Nodes returns every node whose identity is known, ordered by number.
func (s *Service) Nodes(ctx context.Context) ([]mesh.NodeInfo, error) {
	var out []mesh.NodeInfo
	err := s.call(ctx, func() {
		for _, n := range s.db.All() {
			if n.ID() != "" {
				out = append(out, n)
			}
		}
	})
	return out, err
}

// Node looks up one node by identity.
func (s *Service) Node(ctx context.Context, id string) (mesh.NodeInfo, error) {
	var (
		out   mesh.NodeInfo
		found bool
	)
	if err := s.call(ctx, func() { out, found = s.db.GetByID(id) }); err != nil {
		return out, err
	}
	if !found {
		return out, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	return out, nil
}

// MyNodeInfo returns the local node description.
func (s *Service) MyNodeInfo(ctx context.Context) (mesh.LocalNodeInfo, error) {
	var (
		out   mesh.LocalNodeInfo
		found bool
	)
	err := s.call(ctx, func() {
		if s.myInfo != nil {
			out, found = *s.myInfo, true
		}
	})
	if err != nil {
		return out, err
	}
	if !found {
		return out, ErrNoLocalNode
	}
	return out, nil
}

// MyID returns the local node identity.
func (s *Service) MyID(ctx context.Context) (string, error) {
	var id string
	if err := s.call(ctx, func() { id = s.myID() }); err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrNoLocalNode
	}
	return id, nil
}

// RecentMessages returns the recent message history, oldest first.
func (s *Service) RecentMessages(ctx context.Context) ([]mesh.DataPacket, error) {
	var out []mesh.DataPacket
	err := s.call(ctx, func() {
		out = make([]mesh.DataPacket, 0, len(s.recent))
		for _, msg := range s.recent {
			out = append(out, msg.Clone())
		}
	})
	return out, err
}

// LastTextMessage returns the most recent inbound text message.
func (s *Service) LastTextMessage(ctx context.Context) (mesh.DataPacket, bool, error) {
	var (
		out   mesh.DataPacket
		found bool
	)
	err := s.call(ctx, func() {
		if s.lastText != nil {
			out, found = s.lastText.Clone(), true
		}
	})
	return out, found, err
}

// ConnectionState returns the current link state.
func (s *Service) ConnectionState(ctx context.Context) (mesh.ConnectionState, error) {
	var state mesh.ConnectionState
	err := s.call(ctx, func() { state = s.state })
	return state, err
}

// OnlineCount returns how many nodes were heard within the online window.
func (s *Service) OnlineCount(ctx context.Context) (int, error) {
	var n int
	err := s.call(ctx, func() { n = s.db.OnlineCount(s.now(), s.cfg.OnlineWindow) })
	return n, err
}

// SetOwner renames the local node. Unchanged names are a no-op. The local
// record is updated before the device is told.
func (s *Service) SetOwner(ctx context.Context, id, longName, shortName string) error {
	var opErr error
	if err := s.call(ctx, func() { opErr = s.setOwner(id, longName, shortName) }); err != nil {
		return err
	}
	return opErr
}

func (s *Service) setOwner(id, longName, shortName string) error {
	if s.myInfo == nil {
		return ErrNoLocalNode
	}
	num := s.myInfo.Num
	if cur, ok := s.db.Get(num); ok && cur.User != nil &&
		cur.User.LongName == longName && cur.User.ShortName == shortName {
		return nil
	}
	if id == "" {
		id = s.myID()
	}
	if id == "" {
		id = mesh.FormatNodeID(num)
	}
	user := mesh.User{ID: id, LongName: longName, ShortName: shortName}
	s.db.Update(num, func(n *mesh.NodeInfo) {
		u := user
		n.User = &u
	})

	if s.state != mesh.Connected {
		return ErrNotConnected
	}
	frame, err := s.codec.EncodeSetOwner(num, user)
	if err != nil {
		return err
	}
	if err := s.send(frame); err != nil {
		return fmt.Errorf("session: set owner: %w", err)
	}
	s.logger.Info("owner updated", slog.String("long_name", longName), slog.String("short_name", shortName))
	return nil
}

// RadioConfig returns the cached device configuration.
func (s *Service) RadioConfig(ctx context.Context) (mesh.RadioConfig, error) {
	var cfg mesh.RadioConfig
	err := s.call(ctx, func() { cfg = s.radioCfg.Clone() })
	return cfg, err
}

// SetRadioConfig writes the sections present in cfg to the device and
// updates the cached copy.
func (s *Service) SetRadioConfig(ctx context.Context, cfg mesh.RadioConfig) error {
	var opErr error
	if err := s.call(ctx, func() { opErr = s.writeConfig(cfg) }); err != nil {
		return err
	}
	return opErr
}

// ResetDevice forgets everything learned about the current radio, e.g.
// after switching to a different device. Message history is kept.
func (s *Service) ResetDevice(ctx context.Context) error {
	return s.call(ctx, func() {
		s.db.Discard()
		s.myInfo = nil
		s.radioCfg = mesh.RadioConfig{}
		s.regionCode = mesh.RegionUnset
		s.early = nil
		s.alloc.Reset()
		s.metrics.ObserveNodeCount(0)
		s.saveSnapshot()
		s.logger.Info("device state discarded")
	})
}

// BeginFirmwareUpdate hands the transport to a firmware update. Radio sends
// fail with ErrUpdateInProgress until EndFirmwareUpdate or a reconnect.
func (s *Service) BeginFirmwareUpdate(ctx context.Context) error {
	var opErr error
	err := s.call(ctx, func() {
		if s.updating {
			opErr = ErrUpdateInProgress
			return
		}
		s.updating = true
		s.progress = 0
	})
	if err != nil {
		return err
	}
	return opErr
}

// EndFirmwareUpdate returns the transport to normal traffic.
func (s *Service) EndFirmwareUpdate(ctx context.Context) error {
	return s.call(ctx, func() {
		s.updating = false
		s.progress = ProgressNotStarted
	})
}

// SetUpdateProgress records firmware update progress in percent.
func (s *Service) SetUpdateProgress(ctx context.Context, percent int) error {
	return s.call(ctx, func() { s.progress = percent })
}

// UpdateProgress returns the firmware update progress, or ProgressNotStarted.
func (s *Service) UpdateProgress(ctx context.Context) (int, error) {
	var p int
	err := s.call(ctx, func() { p = s.progress })
	return p, err
}

// Status summarises the session for diagnostics.
type Status struct {
	State           string   `json:"state"`
	MyID            string   `json:"my_id,omitempty"`
	FirmwareVersion string   `json:"firmware_version,omitempty"`
	Region          string   `json:"region,omitempty"`
	Authoritative   bool     `json:"authoritative"`
	Nodes           int      `json:"nodes"`
	Online          int      `json:"online"`
	OfflineQueue    int      `json:"offline_queue"`
	AwaitingAck     []uint32 `json:"awaiting_ack,omitempty"`
	UpdateProgress  int      `json:"update_progress"`
}

// Status returns a diagnostic summary.
func (s *Service) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.call(ctx, func() {
		st = Status{
			State:          s.state.String(),
			MyID:           s.myID(),
			Authoritative:  s.db.Authoritative(),
			Nodes:          s.db.Len(),
			Online:         s.db.OnlineCount(s.now(), s.cfg.OnlineWindow),
			OfflineQueue:   len(s.offline),
			UpdateProgress: s.progress,
		}
		if s.myInfo != nil {
			st.FirmwareVersion = s.myInfo.FirmwareVersion
		}
		if s.regionCode != mesh.RegionUnset {
			st.Region = radio.RegionName(s.regionCode)
		}
		for id := range s.sent {
			st.AwaitingAck = append(st.AwaitingAck, id)
		}
		sort.Slice(st.AwaitingAck, func(i, j int) bool { return st.AwaitingAck[i] < st.AwaitingAck[j] })
	})
	return st, err
}
