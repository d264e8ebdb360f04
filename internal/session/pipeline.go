package session

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/aminovpavel/meshlink/internal/mesh"
	"github.com/aminovpavel/meshlink/internal/radio"
)

// sendPacket runs the outgoing contract for one message and returns the
// message as resolved so far.
func (s *Service) sendPacket(pkt mesh.DataPacket) (mesh.DataPacket, error) {
	if s.updating {
		return pkt, ErrUpdateInProgress
	}
	p := pkt.Clone()
	p.Time = s.now()
	if p.From == "" || p.From == mesh.IDLocal {
		if id := s.myID(); id != "" {
			p.From = id
		} else {
			p.From = mesh.IDLocal
		}
	}
	if p.To == "" {
		p.To = mesh.IDBroadcast
	}

	if len(p.Payload) >= s.cfg.MaxPayloadLen {
		p.Status = mesh.StatusError
		s.emitStatus(0, p.Status)
		return p, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(p.Payload), s.cfg.MaxPayloadLen)
	}
	if _, err := s.resolveDest(p.To); errors.Is(err, ErrUnknownID) && s.db.Authoritative() {
		p.Status = mesh.StatusError
		s.emitStatus(0, p.Status)
		return p, fmt.Errorf("%w: %s", ErrUnknownID, p.To)
	}

	if p.ID == 0 {
		p.ID = s.nextPacketID()
	}
	msg := &p
	s.remember(msg)
	if msg.ID != 0 {
		s.sweepSent()
	}

	var sendErr error
	if s.state == mesh.Connected {
		sendErr = s.transmit(msg)
		if sendErr != nil {
			s.logger.Warn("send failed, queueing for later", slog.Uint64("id", uint64(msg.ID)), slog.Any("error", sendErr))
		}
	}
	if s.state != mesh.Connected || sendErr != nil {
		msg.Status = mesh.StatusQueued
		s.offline = append(s.offline, msg)
		s.metrics.ObserveMessageStatus(msg.Status.String())
	}
	if msg.ID != 0 {
		s.sent[msg.ID] = msg
	}
	s.metrics.ObserveQueues(len(s.offline), len(s.sent))
	return msg.Clone(), nil
}

// nextPacketID returns 0, letting the device pick, until the local node is known.
func (s *Service) nextPacketID() uint32 {
	if s.myInfo == nil {
		return 0
	}
	return s.alloc.Next(s.myInfo.PacketIDBits, s.myInfo.CurrentPacketID)
}

func (s *Service) resolveDest(id string) (uint32, error) {
	switch id {
	case mesh.IDBroadcast:
		return mesh.NodeNumBroadcast, nil
	case mesh.IDLocal:
		if s.myInfo == nil {
			return 0, ErrNoLocalNode
		}
		return s.myInfo.Num, nil
	}
	if num, ok := s.db.NumForID(id); ok {
		return num, nil
	}
	return 0, ErrUnknownID
}

// transmit writes msg to the radio and marks it ENROUTE.
func (s *Service) transmit(msg *mesh.DataPacket) error {
	to, err := s.resolveDest(msg.To)
	if err != nil {
		return err
	}
	frame, err := s.codec.EncodePacket(radio.MeshPacket{
		To:           to,
		ID:           msg.ID,
		WantAck:      true,
		Port:         msg.Port,
		Payload:      msg.Payload,
		WantResponse: msg.WantResponse,
	})
	if err != nil {
		return err
	}
	if err := s.send(frame); err != nil {
		return err
	}
	msg.Status = mesh.StatusEnroute
	msg.Time = s.now()
	s.metrics.IncMessagesSent()
	s.metrics.ObserveMessageStatus(msg.Status.String())
	return nil
}

// flushOffline transmits queued messages in FIFO order. A failed transmit
// leaves that message and the rest queued.
func (s *Service) flushOffline() {
	for len(s.offline) > 0 {
		msg := s.offline[0]
		if err := s.transmit(msg); err != nil {
			if errors.Is(err, ErrUnknownID) || errors.Is(err, ErrNoLocalNode) {
				s.logger.Warn("dropping queued message with unresolvable destination",
					slog.Uint64("id", uint64(msg.ID)), slog.String("to", msg.To))
				s.offline = s.offline[1:]
				delete(s.sent, msg.ID)
				msg.Status = mesh.StatusError
				s.emitStatus(msg.ID, msg.Status)
				continue
			}
			s.logger.Warn("offline flush stopped", slog.Uint64("id", uint64(msg.ID)), slog.Any("error", err))
			break
		}
		s.offline = s.offline[1:]
		s.emitStatus(msg.ID, msg.Status)
	}
	if len(s.offline) == 0 {
		s.offline = nil
	}
	s.metrics.ObserveQueues(len(s.offline), len(s.sent))
}

// sweepSent fails ENROUTE messages that have waited longer than the device's
// message timeout for an ack.
func (s *Service) sweepSent() {
	timeout := mesh.DefaultMessageTimeout
	if s.myInfo != nil && s.myInfo.MessageTimeout > 0 {
		timeout = s.myInfo.MessageTimeout
	}
	now := s.now()
	for id, msg := range s.sent {
		if msg.Status == mesh.StatusEnroute && msg.Time.Add(timeout).Before(now) {
			delete(s.sent, id)
			msg.Status = mesh.StatusError
			s.logger.Debug("message timed out", slog.Uint64("id", uint64(id)))
			s.emitStatus(id, msg.Status)
		}
	}
	s.metrics.ObserveQueues(len(s.offline), len(s.sent))
}

func (s *Service) resolveSent(id uint32, acked bool) {
	msg, ok := s.sent[id]
	if !ok {
		return
	}
	delete(s.sent, id)
	if acked {
		msg.Status = mesh.StatusDelivered
	} else {
		msg.Status = mesh.StatusError
	}
	s.emitStatus(id, msg.Status)
	s.metrics.ObserveQueues(len(s.offline), len(s.sent))
}

func (s *Service) remember(msg *mesh.DataPacket) {
	s.recent = append(s.recent, msg)
	s.trimRecent()
}

func (s *Service) trimRecent() {
	if over := len(s.recent) - s.cfg.RecentLimit; over > 0 {
		for i := 0; i < over; i++ {
			s.recent[i] = nil
		}
		s.recent = s.recent[over:]
	}
}

// handlePacket processes a packet now if the node DB is authoritative and
// buffers it otherwise.
func (s *Service) handlePacket(pkt radio.MeshPacket) {
	if !s.db.Authoritative() {
		if len(s.early) >= s.cfg.EarlyPacketLimit {
			s.metrics.IncEarlyOverflow()
			s.logger.Error("early packet buffer full, device may be misbehaving; evicting oldest",
				slog.Int("limit", s.cfg.EarlyPacketLimit))
			s.early[0] = radio.MeshPacket{}
			s.early = s.early[1:]
		}
		s.early = append(s.early, pkt)
		return
	}
	s.processPacket(pkt)
	s.metrics.ObserveNodeCount(s.db.Len())
	s.maybeStartLocation()
}

func (s *Service) processPacket(pkt radio.MeshPacket) {
	if s.isReplay(pkt) {
		s.metrics.IncPacketsDropped("duplicate")
		s.logger.Debug("dropping duplicate packet", slog.Uint64("from", uint64(pkt.From)), slog.Uint64("id", uint64(pkt.ID)))
		return
	}

	now := s.now()
	rxTime := now
	if pkt.RxTime != 0 {
		rxTime = time.Unix(int64(pkt.RxTime), 0)
	}

	// Anything passing through the local radio proves it is alive.
	if s.myInfo != nil && pkt.From != s.myInfo.Num {
		s.db.Update(s.myInfo.Num, func(n *mesh.NodeInfo) { n.LastSeen = now })
	}

	s.updateSender(pkt, rxTime)

	if pkt.Encrypted {
		s.metrics.IncPacketsDropped("encrypted")
		s.logger.Debug("ignoring packet we cannot decrypt", slog.Uint64("from", uint64(pkt.From)))
		return
	}

	if pkt.Port == mesh.PortRouting && pkt.RequestID != 0 {
		res, err := radio.DecodeRouting(pkt.Payload)
		if err != nil {
			s.metrics.IncDecodeErrors()
			s.logger.Warn("bad routing payload", slog.Any("error", err))
		} else if res.IsError {
			if !res.Acked {
				s.logger.Info("message not delivered", slog.Uint64("id", uint64(pkt.RequestID)), slog.String("reason", res.Reason))
			}
			s.resolveSent(pkt.RequestID, res.Acked)
		}
	}

	fromID, ok := s.idForNum(pkt.From)
	if !ok {
		s.metrics.IncPacketsDropped("unknown_sender")
		s.logger.Warn("ignoring data from node with unknown id", slog.Uint64("from", uint64(pkt.From)))
		return
	}
	toID, ok := s.idForNum(pkt.To)
	if !ok {
		s.metrics.IncPacketsDropped("unknown_recipient")
		s.logger.Warn("ignoring data to node with unknown id", slog.Uint64("to", uint64(pkt.To)))
		return
	}
	if s.myInfo != nil && pkt.From == s.myInfo.Num {
		s.logger.Debug("ignoring packet sent from our node", slog.Uint64("id", uint64(pkt.ID)))
		return
	}

	data := &mesh.DataPacket{
		From:    fromID,
		To:      toID,
		Port:    pkt.Port,
		Payload: append([]byte(nil), pkt.Payload...),
		ID:      pkt.ID,
		Status:  mesh.StatusReceived,
		Time:    rxTime,
	}
	s.remember(data)
	if data.Port == mesh.PortText {
		s.lastText = data
	}
	s.emitData(data.Clone())
}

// updateSender applies the sender's presence and any identity or position
// carried by the packet. Identity is applied before the packet's addresses
// are resolved, since it is how an unknown sender becomes known.
func (s *Service) updateSender(pkt radio.MeshPacket, rxTime time.Time) {
	var (
		user *mesh.User
		pos  *mesh.Position
	)
	if !pkt.Encrypted {
		switch pkt.Port {
		case mesh.PortNodeInfo:
			u, err := radio.DecodeUser(pkt.Payload)
			if err != nil {
				s.metrics.IncDecodeErrors()
				s.logger.Warn("bad user payload", slog.Uint64("from", uint64(pkt.From)), slog.Any("error", err))
			} else {
				user = &u
			}
		case mesh.PortPosition:
			p, err := radio.DecodePosition(pkt.Payload)
			if err != nil {
				s.metrics.IncDecodeErrors()
				s.logger.Warn("bad position payload", slog.Uint64("from", uint64(pkt.From)), slog.Any("error", err))
			} else {
				if p.Time == 0 {
					p.Time = uint32(rxTime.Unix())
				}
				pos = &p
			}
		}
	}

	s.db.Update(pkt.From, func(n *mesh.NodeInfo) {
		if rxTime.After(n.LastSeen) {
			n.LastSeen = rxTime
		}
		if pos != nil {
			n.Position = pos
		}
		if user != nil {
			if user.ID == "" && n.User != nil {
				user.ID = n.User.ID
			}
			n.User = user
		}
	})
}

func (s *Service) idForNum(num uint32) (string, bool) {
	if num == mesh.NodeNumBroadcast {
		return mesh.IDBroadcast, true
	}
	return s.db.IDForNum(num)
}

func (s *Service) isReplay(pkt radio.MeshPacket) bool {
	if s.replay == nil || pkt.ID == 0 {
		return false
	}
	key := replayKey{from: pkt.From, id: pkt.ID}
	if item := s.replay.Get(key); item != nil {
		return true
	}
	s.replay.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return false
}

func (s *Service) myID() string {
	if s.myInfo == nil {
		return ""
	}
	id, _ := s.db.IDForNum(s.myInfo.Num)
	return id
}
