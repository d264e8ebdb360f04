package session

import (
	"fmt"
	"log/slog"

	"github.com/aminovpavel/meshlink/internal/mesh"
	"github.com/aminovpavel/meshlink/internal/radio"
)

// startConfigSync opens a new handshake. The nonce starts at 1, so the first
// request carries 2; 0 is never used.
func (s *Service) startConfigSync() error {
	s.nonce++
	if s.nonce == 0 {
		s.nonce++
	}
	s.sync = &syncSession{nonce: s.nonce}

	frame, err := s.codec.EncodeWantConfig(s.nonce)
	if err != nil {
		s.sync = nil
		return err
	}
	if err := s.send(frame); err != nil {
		s.sync = nil
		return err
	}
	s.logger.Info("config sync started", slog.Uint64("nonce", uint64(s.nonce)))
	return nil
}

func (s *Service) handleFrame(raw []byte) {
	s.metrics.IncFramesReceived()
	frame, err := s.codec.DecodeFromRadio(raw)
	if err != nil {
		s.metrics.IncDecodeErrors()
		s.logger.Warn("dropping malformed frame", slog.Int("bytes", len(raw)), slog.Any("error", err))
		return
	}
	if s.packetLog != nil && frame.Kind != radio.KindUnknown {
		s.packetLog.Record(frame.Kind.String(), frame.Text)
	}

	switch frame.Kind {
	case radio.KindPacket:
		s.handlePacket(*frame.Packet)
	case radio.KindMyInfo:
		s.handleMyInfo(*frame.MyInfo)
	case radio.KindMetadata:
		s.handleMetadata(frame.FirmwareVersion)
	case radio.KindNodeInfo:
		s.handleNodeInfo(*frame.NodeInfo)
	case radio.KindConfig:
		s.handleConfig(*frame.Config)
	case radio.KindConfigComplete:
		s.handleConfigComplete(frame.ConfigCompleteID)
	default:
		s.logger.Debug("ignoring frame", slog.String("kind", frame.Kind.String()))
	}
}

func (s *Service) handleMyInfo(info mesh.LocalNodeInfo) {
	if s.sync == nil {
		s.logger.Debug("my_info outside of config sync ignored", slog.Uint64("num", uint64(info.Num)))
		return
	}
	if s.sync.firmware != "" {
		info.FirmwareVersion = s.sync.firmware
	}
	s.sync.myInfo = &info
}

func (s *Service) handleMetadata(firmware string) {
	if s.sync != nil {
		s.sync.firmware = firmware
		if s.sync.myInfo != nil {
			s.sync.myInfo.FirmwareVersion = firmware
		}
		return
	}
	if s.myInfo != nil {
		s.myInfo.FirmwareVersion = firmware
	}
}

func (s *Service) handleNodeInfo(node mesh.NodeInfo) {
	if s.sync == nil {
		// Unsolicited node updates go straight into the live database.
		s.db.Update(node.Num, func(rec *mesh.NodeInfo) { mergeNode(rec, node) })
		return
	}
	if len(s.sync.nodes) >= s.cfg.ProvisionalLimit {
		s.metrics.IncPacketsDropped("provisional_overflow")
		s.logger.Error("config sync node list over limit, dropping record",
			slog.Int("limit", s.cfg.ProvisionalLimit), slog.Uint64("num", uint64(node.Num)))
		return
	}
	s.sync.nodes = append(s.sync.nodes, node)
}

func mergeNode(rec *mesh.NodeInfo, node mesh.NodeInfo) {
	if node.User != nil {
		u := *node.User
		rec.User = &u
	}
	if node.Position != nil {
		p := *node.Position
		rec.Position = &p
	}
	if node.BatteryLevel != nil {
		b := *node.BatteryLevel
		rec.BatteryLevel = &b
	}
	if node.LastSeen.After(rec.LastSeen) {
		rec.LastSeen = node.LastSeen
	}
}

func (s *Service) handleConfig(cfg mesh.RadioConfig) {
	s.radioCfg.Merge(cfg)
	if cfg.Position != nil {
		if s.sync != nil && s.sync.myInfo != nil {
			s.sync.myInfo.HasGPS = cfg.HasGPS
		}
		if s.myInfo != nil {
			s.myInfo.HasGPS = cfg.HasGPS
		}
	}
}

func (s *Service) handleConfigComplete(nonce uint32) {
	if s.sync == nil || nonce != s.sync.nonce {
		s.metrics.IncConfigSync("stale")
		s.logger.Debug("ignoring stale config complete", slog.Uint64("nonce", uint64(nonce)))
		return
	}
	sess := s.sync
	s.sync = nil

	if sess.myInfo == nil || len(sess.nodes) == 0 {
		s.metrics.IncConfigSync("failed")
		s.logger.Error("config sync incomplete, keeping previous node database",
			slog.Bool("have_my_info", sess.myInfo != nil), slog.Int("nodes", len(sess.nodes)))
		return
	}

	info := *sess.myInfo
	if info.Region == "" && s.myInfo != nil {
		info.Region = s.myInfo.Region
	}
	if s.radioCfg.Position != nil {
		info.HasGPS = s.radioCfg.HasGPS
	}
	info.Normalize()
	s.myInfo = &info
	s.db.Install(sess.nodes)

	s.holding = true
	early := s.early
	s.early = nil
	for _, pkt := range early {
		s.processPacket(pkt)
	}
	s.flushOffline()
	s.holding = false
	held := s.held
	s.held = nil

	for _, node := range s.db.All() {
		s.hub.NodeChanged(node)
	}
	for _, fn := range held {
		fn()
	}
	if s.announce && s.state == mesh.Connected {
		s.announce = false
		s.emitConnection(mesh.Connected)
	}
	s.maybeStartLocation()
	s.reconcileRegion()

	s.metrics.IncConfigSync("complete")
	s.metrics.ObserveNodeCount(s.db.Len())
	s.logger.Info("config sync complete",
		slog.Uint64("nonce", uint64(nonce)),
		slog.String("my_id", s.myID()),
		slog.Int("nodes", s.db.Len()),
		slog.Int("early_packets", len(early)),
		slog.String("firmware", info.FirmwareVersion))
	s.saveSnapshot()
}

// reconcileRegion prefers the region stored in the device config; failing
// that it upgrades the legacy region string and pushes the result back to a
// device whose config region is still unset.
func (s *Service) reconcileRegion() {
	deviceRegion := s.radioCfg.Region
	resolved := deviceRegion
	if resolved == mesh.RegionUnset && s.myInfo != nil && s.myInfo.Region != "" {
		if code, ok := radio.ParseLegacyRegion(s.myInfo.Region); ok {
			s.logger.Info("upgrading legacy region", slog.String("legacy", s.myInfo.Region), slog.String("region", radio.RegionName(code)))
			resolved = code
		}
	}
	if resolved == mesh.RegionUnset && s.regionCode != mesh.RegionUnset {
		resolved = s.regionCode
	}
	s.regionCode = resolved

	if deviceRegion != mesh.RegionUnset || resolved == mesh.RegionUnset || s.radioCfg.LoRa == nil {
		return
	}
	if err := s.pushRegion(resolved); err != nil {
		s.logger.Warn("region push failed", slog.Any("error", err))
		return
	}
	s.logger.Info("told device to upgrade region", slog.String("region", radio.RegionName(resolved)))
}

func (s *Service) pushRegion(region mesh.RegionCode) error {
	section, err := radio.LoRaSectionWithRegion(s.radioCfg, region)
	if err != nil {
		return err
	}
	if err := s.writeConfig(section); err != nil {
		return fmt.Errorf("session: push region: %w", err)
	}
	return nil
}

func (s *Service) writeConfig(cfg mesh.RadioConfig) error {
	if s.myInfo == nil {
		return ErrNoLocalNode
	}
	if s.state != mesh.Connected {
		return ErrNotConnected
	}
	frames, err := s.codec.EncodeSetConfig(s.myInfo.Num, cfg)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := s.send(frame); err != nil {
			return err
		}
	}
	s.radioCfg.Merge(cfg)
	return nil
}
