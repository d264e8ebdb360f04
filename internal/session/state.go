package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aminovpavel/meshlink/internal/mesh"
)

// setState performs a connection state transition: cancel any pending sleep
// timeout, run the entry actions of next, then announce the new state once.
// Entering CONNECTED defers its announcement until the config sync that it
// starts has completed; if the sync request cannot be sent the transition
// rolls back to DEVICE_SLEEP and the error is returned.
func (s *Service) setState(next mesh.ConnectionState) error {
	s.cancelSleepTimer()
	prev := s.state
	s.state = next
	s.metrics.ObserveConnectionState(int(next))
	s.logger.Debug("connection state change", slog.String("from", prev.String()), slog.String("to", next.String()))

	switch next {
	case mesh.Connected:
		s.connectedAt = s.now()
		s.progress = ProgressNotStarted
		s.updating = false
		if err := s.startConfigSync(); err != nil {
			s.state = mesh.DeviceSleep
			s.metrics.ObserveConnectionState(int(mesh.DeviceSleep))
			s.enterDeviceSleep()
			s.emitConnection(mesh.DeviceSleep)
			return fmt.Errorf("session: start config sync: %w", err)
		}
		s.announce = true
		return nil
	case mesh.DeviceSleep:
		s.enterDeviceSleep()
	case mesh.Disconnected:
		s.leaveConnected()
		s.saveSnapshot()
		s.stopLocation()
	}
	s.emitConnection(next)
	return nil
}

func (s *Service) leaveConnected() {
	s.announce = false
	if s.sync != nil {
		s.logger.Debug("abandoning config sync", slog.Uint64("nonce", uint64(s.sync.nonce)))
		s.sync = nil
	}
	if !s.connectedAt.IsZero() {
		s.logger.Info("radio connection ended", slog.Duration("connected_for", s.now().Sub(s.connectedAt)))
		s.connectedAt = time.Time{}
	}
}

func (s *Service) enterDeviceSleep() {
	s.leaveConnected()
	s.saveSnapshot()
	s.stopLocation()

	timeout := time.Duration(s.radioCfg.LightSleepSecs)*time.Second + s.cfg.SleepGrace
	s.sleepGen++
	gen := s.sleepGen
	s.sleepTimer = s.clock.AfterFunc(timeout, func() {
		s.post(func() { s.onSleepTimeout(gen) })
	})
	s.logger.Debug("waiting for sleeping device", slog.Duration("timeout", timeout))
}

// onSleepTimeout fires at most once per armed timer; a timer cancelled or
// superseded by a later transition carries a stale generation.
func (s *Service) onSleepTimeout(gen uint64) {
	if gen != s.sleepGen || s.state != mesh.DeviceSleep {
		return
	}
	s.sleepTimer = nil
	s.logger.Warn("device sleep timed out, marking disconnected")
	_ = s.setState(mesh.Disconnected)
}

func (s *Service) cancelSleepTimer() {
	if s.sleepTimer != nil {
		s.sleepTimer.Stop()
		s.sleepTimer = nil
	}
	s.sleepGen++
}

func (s *Service) emitConnection(state mesh.ConnectionState) {
	s.hub.ConnectionChanged(state)
}

func (s *Service) emitNode(node mesh.NodeInfo) {
	if s.holding {
		s.held = append(s.held, func() { s.hub.NodeChanged(node) })
		return
	}
	s.hub.NodeChanged(node)
}

func (s *Service) emitData(pkt mesh.DataPacket) {
	if s.holding {
		s.held = append(s.held, func() { s.hub.DataReceived(pkt) })
		return
	}
	s.hub.DataReceived(pkt)
}

func (s *Service) emitStatus(id uint32, status mesh.MessageStatus) {
	s.metrics.ObserveMessageStatus(status.String())
	if id == 0 {
		return
	}
	if s.holding {
		s.held = append(s.held, func() { s.hub.MessageStatusChanged(id, status) })
		return
	}
	s.hub.MessageStatusChanged(id, status)
}

// Location sampling is wanted while connected to a radio without its own GPS
// and with at least one other node online.
func (s *Service) maybeStartLocation() {
	if s.location == nil || s.state != mesh.Connected || s.myInfo == nil {
		return
	}
	if s.myInfo.HasGPS || s.radioCfg.HasGPS {
		return
	}
	if s.db.OnlineCount(s.now(), s.cfg.OnlineWindow) < 2 {
		return
	}
	if !s.locationOn {
		s.logger.Info("starting location reports")
	}
	s.locationOn = true
	s.location.Start()
}

func (s *Service) stopLocation() {
	if s.location == nil || !s.locationOn {
		return
	}
	s.locationOn = false
	s.location.Stop()
}

func (s *Service) armSweep() {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	s.sweepTimer = s.clock.AfterFunc(s.cfg.SweepInterval, func() {
		s.post(func() {
			s.sweepSent()
			if s.replay != nil {
				s.replay.DeleteExpired()
			}
			s.armSweep()
		})
	})
}
