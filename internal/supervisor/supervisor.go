package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dantte-lp/goscada/internal/config"
	"github.com/dantte-lp/goscada/internal/facility"
	"github.com/dantte-lp/goscada/internal/protocol"
	"github.com/dantte-lp/goscada/internal/transport"
)

// -------------------------------------------------------------------------
// Device Events (peripheral manager interface, consumed)
// -------------------------------------------------------------------------

// DeviceEvent is an out-of-band attach or detach notification from the
// peripheral mount manager.
type DeviceEvent struct {
	// Attach is true for a mount, false for a detach.
	Attach bool

	// Name is the peripheral name the device was advertised under.
	Name string

	// Kind is the reported hardware kind (attach only).
	Kind protocol.RTUKind
}

// -------------------------------------------------------------------------
// Supervisor — event pump
// -------------------------------------------------------------------------

// tickInterval is the facility update cadence (2 Hz).
const tickInterval = 500 * time.Millisecond

// formedPollInterval is the multiblock formed-state poll cadence.
const formedPollInterval = 250 * time.Millisecond

// deviceEventQueue buffers peripheral manager events.
const deviceEventQueue = 16

// Supervisor owns the event pump: it pulls datagrams off the transport,
// routes them into sessions, and drives the tick clock. The facility
// struct is confined to this task; no other goroutine touches it.
type Supervisor struct {
	logger  *slog.Logger
	metrics MetricsReporter

	tr    transport.Transport
	comms config.Comms
	fac   *facility.Facility
	reg   *Registry

	authKey []byte
	started time.Time

	devListen   uint16
	coordListen uint16

	devEvents chan DeviceEvent
}

// New wires a supervisor over the given transport and facility model.
func New(tr transport.Transport, comms config.Comms, fac *facility.Facility, logger *slog.Logger, metrics MetricsReporter) *Supervisor {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	sv := &Supervisor{
		logger:      logger.With(slog.String("component", "supervisor")),
		metrics:     metrics,
		tr:          tr,
		comms:       comms,
		fac:         fac,
		started:     time.Now(),
		devListen:   uint16(comms.SVRChannel),
		coordListen: uint16(comms.CRDChannel),
		devEvents:   make(chan DeviceEvent, deviceEventQueue),
	}
	if comms.AuthKey != "" {
		sv.authKey = []byte(comms.AuthKey)
	}
	sv.reg = NewRegistry(fac, Timeouts{
		PLC: comms.PLCTimeout,
		RTU: comms.RTUTimeout,
		CRD: comms.CRDTimeout,
		PKT: comms.PKTTimeout,
	}, logger, metrics)
	sv.reg.SetTransmit(sv.transmit)
	return sv
}

// Registry exposes the session registry for inspection.
func (sv *Supervisor) Registry() *Registry { return sv.reg }

// HandleDeviceEvent queues a peripheral manager event for the pump.
func (sv *Supervisor) HandleDeviceEvent(ev DeviceEvent) {
	select {
	case sv.devEvents <- ev:
	default:
		sv.logger.Warn("device event queue full, dropping event",
			slog.String("name", ev.Name),
		)
	}
}

// Run opens the listen channels and drives the event pump until ctx is
// cancelled. Datagram handling, ticks, and device events all execute on
// this goroutine, so no two of them ever observe a partially mutated
// facility snapshot.
func (sv *Supervisor) Run(ctx context.Context) error {
	if err := sv.tr.Open(sv.devListen); err != nil {
		return fmt.Errorf("open device listen channel: %w", err)
	}
	if err := sv.tr.Open(sv.coordListen); err != nil {
		return fmt.Errorf("open coordinator listen channel: %w", err)
	}

	dgrams := make(chan transport.Datagram, 64)
	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go sv.recvLoop(recvCtx, dgrams)

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	poll := time.NewTicker(formedPollInterval)
	defer poll.Stop()

	sv.logger.Info("supervisor started",
		slog.Int("dev_listen", int(sv.devListen)),
		slog.Int("coord_listen", int(sv.coordListen)),
		slog.Bool("authenticated", len(sv.authKey) > 0),
	)

	for {
		select {
		case <-ctx.Done():
			sv.logger.Info("supervisor stopped")
			return nil
		case d := <-dgrams:
			sv.HandleDatagram(d, time.Now())
		case ev := <-sv.devEvents:
			sv.handleDeviceEvent(ev)
		case <-poll.C:
			sv.reg.PollFormed()
		case now := <-tick.C:
			sv.TickOnce(now)
		}
	}
}

// recvLoop pulls datagrams off the transport into the pump's queue.
func (sv *Supervisor) recvLoop(ctx context.Context, out chan<- transport.Datagram) {
	for {
		d, err := sv.tr.Recv(ctx)
		if err != nil {
			return
		}
		select {
		case out <- d:
		case <-ctx.Done():
			return
		}
	}
}

// TickOnce runs one full tick boundary: session watchdogs and device
// projections, then the facility update, then outbound command refresh
// and telemetry pushes.
func (sv *Supervisor) TickOnce(now time.Time) {
	sv.reg.Tick(now)
	sv.fac.Tick()

	if sv.fac.TakeScramBroadcast() {
		sv.reg.EachPLC(func(p *PLCSession) { p.Scram() })
		sv.logger.Warn("scram_all broadcast issued",
			slog.String("reason", sv.fac.ScramReasonNow().String()),
		)
	}

	sv.reg.RefreshCommands()
	sv.reg.EachCoord(func(c *CoordSession) { c.PushStatus() })
}

// handleDeviceEvent fans a peripheral manager event to RTU sessions.
func (sv *Supervisor) handleDeviceEvent(ev DeviceEvent) {
	for _, ps := range sv.reg.sessions {
		rtu, ok := ps.(*RTUSession)
		if !ok {
			continue
		}
		if ev.Attach {
			rtu.HandleAttach(ev.Name, ev.Kind)
		} else {
			rtu.HandleDetach(ev.Name)
		}
	}
}

// -------------------------------------------------------------------------
// Inbound Routing
// -------------------------------------------------------------------------

// HandleDatagram validates and routes one received datagram. Decode and
// auth failures drop the frame; orphan non-link packets earn a DENY hint
// so the peer re-links.
func (sv *Supervisor) HandleDatagram(d transport.Datagram, now time.Time) {
	if d.Dst != sv.devListen && d.Dst != sv.coordListen {
		return
	}
	if sv.comms.TrustedRange > 0 && d.Distance > sv.comms.TrustedRange {
		sv.logger.Warn("datagram outside trusted range",
			slog.Int("distance", d.Distance),
			slog.Int("src", int(d.Src)),
		)
		sv.metrics.IncPacketsDropped("distance")
		return
	}

	var f protocol.Frame
	if err := protocol.UnmarshalFrame(d.Payload, &f); err != nil {
		sv.logger.Debug("frame decode failed",
			slog.Int("src", int(d.Src)),
			slog.String("error", err.Error()),
		)
		sv.metrics.IncPacketsDropped("decode")
		return
	}

	if err := f.Verify(sv.authKey, sv.nowMillis(now)); err != nil {
		sv.logger.Warn("frame authentication failed",
			slog.Int("src", int(d.Src)),
			slog.String("error", err.Error()),
		)
		sv.metrics.IncAuthFailures()
		sv.metrics.IncPacketsDropped(f.Protocol.String())
		return
	}

	switch f.Protocol {
	case protocol.ProtoRPLC:
		sv.routeRPLC(d.Src, &f, now)
	case protocol.ProtoModbus:
		sv.routeModbus(d.Src, &f, now)
	case protocol.ProtoMgmt:
		sv.routeMgmt(d.Src, &f, now)
	case protocol.ProtoCoord:
		sv.routeCoord(d.Src, &f, now)
	}
}

// acceptInbound runs the shared per-session inbound checks: replay window
// and watchdog refresh.
func (sv *Supervisor) acceptInbound(s *Session, f *protocol.Frame, now time.Time) bool {
	if err := s.CheckSeq(f.Seq); err != nil {
		sv.logger.Warn("sequence replay rejected",
			slog.Int("addr", int(s.Addr)),
			slog.String("error", err.Error()),
		)
		sv.metrics.IncAuthFailures()
		sv.metrics.IncPacketsDropped(f.Protocol.String())
		return false
	}
	s.TouchRx(now)
	sv.metrics.IncPacketsReceived(f.Protocol.String())
	return true
}

// routeRPLC delivers RPLC traffic to its PLC session, or begins a
// handshake for LINK_REQ.
func (sv *Supervisor) routeRPLC(src uint16, f *protocol.Frame, now time.Time) {
	pkt, err := protocol.UnmarshalRPLC(f.Payload)
	if err != nil {
		sv.logger.Debug("rplc decode failed", slog.String("error", err.Error()))
		sv.metrics.IncPacketsDropped(f.Protocol.String())
		return
	}

	if ps := sv.reg.Find(protocol.KindPLC, src); ps != nil {
		plc := ps.(*PLCSession)
		if !sv.acceptInbound(&plc.Session, f, now) {
			return
		}
		plc.HandlePacket(pkt)
		return
	}

	if pkt.Type != protocol.RPLCLinkReq {
		sv.denyHint(protocol.ProtoRPLC, src)
		sv.metrics.IncPacketsDropped(f.Protocol.String())
		return
	}

	plc, code := sv.reg.EstablishPLC(src, pkt.LinkReq.Version, int(pkt.LinkReq.ReactorID), now)
	if plc != nil {
		sv.metrics.IncPacketsReceived(f.Protocol.String())
		plc.sendAck(protocol.LinkAllow)
		return
	}

	sv.logger.Warn("plc link refused",
		slog.Int("addr", int(src)),
		slog.Int("reactor", int(pkt.LinkReq.ReactorID)),
		slog.String("reason", code.String()),
	)
	sv.sendUnsessioned(protocol.ProtoRPLC, src, linkRefusePayload(code))
}

// linkRefusePayload maps an establish code onto the wire LINK_ACK.
func linkRefusePayload(code EstablishCode) []byte {
	result := protocol.LinkDeny
	switch code {
	case EstBadVersion:
		result = protocol.LinkBadVersion
	case EstCollision, EstDuplicateReactor:
		result = protocol.LinkCollision
	}
	pkt := protocol.RPLCPacket{
		Type:    protocol.RPLCLinkAck,
		LinkAck: &protocol.LinkAck{Result: result},
	}
	payload, _ := pkt.Marshal()
	return payload
}

// routeModbus delivers MODBUS requests to their RTU session.
func (sv *Supervisor) routeModbus(src uint16, f *protocol.Frame, now time.Time) {
	ps := sv.reg.Find(protocol.KindRTU, src)
	if ps == nil {
		sv.denyHint(protocol.ProtoMgmt, src)
		sv.metrics.IncPacketsDropped(f.Protocol.String())
		return
	}
	rtu := ps.(*RTUSession)
	if !sv.acceptInbound(&rtu.Session, f, now) {
		return
	}

	q, err := protocol.UnmarshalRequest(f.Payload)
	if err != nil {
		sv.logger.Debug("modbus decode failed", slog.String("error", err.Error()))
		sv.metrics.IncPacketsDropped(f.Protocol.String())
		return
	}
	rtu.HandleModbus(q)
}

// routeMgmt handles SCADA_MGMT traffic: session lifecycle for every role
// plus the diagnostics channels.
func (sv *Supervisor) routeMgmt(src uint16, f *protocol.Frame, now time.Time) {
	pkt, err := protocol.UnmarshalMgmt(f.Payload)
	if err != nil {
		sv.logger.Debug("mgmt decode failed", slog.String("error", err.Error()))
		sv.metrics.IncPacketsDropped(f.Protocol.String())
		return
	}

	if ps := sv.reg.FindAnyKind(src); ps != nil {
		if !sv.acceptInbound(ps.base(), f, now) {
			return
		}
		sv.handleSessionMgmt(ps, pkt, now)
		return
	}

	// No session yet: only establishment traffic may proceed.
	switch pkt.Type {
	case protocol.MgmtEstablish:
		sv.handleEstablish(src, pkt.Establish, now)
	case protocol.MgmtRTUAdvert:
		sv.handleAdvert(src, pkt.Advert, now)
	default:
		sv.denyHint(protocol.ProtoMgmt, src)
		sv.metrics.IncPacketsDropped(f.Protocol.String())
	}
}

// handleSessionMgmt processes management traffic on a live session.
func (sv *Supervisor) handleSessionMgmt(ps peerSession, pkt *protocol.MgmtPacket, now time.Time) {
	s := ps.base()

	switch pkt.Type {
	case protocol.MgmtKeepAlive:
		// Reflect the peer's timestamp so it can measure round trip.
		reply := protocol.MgmtPacket{
			Type:      protocol.MgmtKeepAlive,
			KeepAlive: &protocol.KeepAlive{EchoTS: pkt.KeepAlive.EchoTS},
		}
		if payload, err := reply.Marshal(); err == nil {
			sv.reg.send(protocol.ProtoMgmt, s, payload)
		}

	case protocol.MgmtClose:
		sv.reg.close(ps, "peer close")

	case protocol.MgmtRTUAdvert:
		// Live RTU re-advertising its device set.
		sv.handleAdvert(s.Addr, pkt.Advert, now)

	case protocol.MgmtDiagToneTest:
		sv.fac.SetToneTest(pkt.ToneTest.Mask)

	case protocol.MgmtDiagAlarmTest:
		sv.fac.SetAlarmTest(int(pkt.AlarmTest.Index), pkt.AlarmTest.Active)

	case protocol.MgmtEstablish:
		// Duplicate establish on a live session: re-ack so a lost ack
		// does not strand the peer.
		sv.sendEstablishAck(s, protocol.EstablishOK)

	default:
		sv.logger.Debug("unhandled mgmt type",
			slog.String("type", pkt.Type.String()),
		)
	}
}

// handleEstablish begins a coordinator or pocket handshake.
func (sv *Supervisor) handleEstablish(src uint16, est *protocol.Establish, now time.Time) {
	cs, code := sv.reg.EstablishCoord(src, est.Version, est.Kind, now)
	if cs != nil {
		sv.sendEstablishAck(&cs.Session, protocol.EstablishOK)
		return
	}

	result := protocol.EstablishDenied
	switch code {
	case EstBadVersion:
		result = protocol.EstablishBadVersion
	case EstCollision:
		result = protocol.EstablishCollision
	}
	sv.logger.Warn("establish refused",
		slog.Int("addr", int(src)),
		slog.String("kind", est.Kind.String()),
		slog.String("reason", code.String()),
	)
	sv.sendUnsessioned(protocol.ProtoMgmt, src, establishAckPayload(result))
}

// handleAdvert begins or refreshes an RTU session.
func (sv *Supervisor) handleAdvert(src uint16, advert *protocol.RTUAdvert, now time.Time) {
	rtu, ack, code := sv.reg.EstablishRTU(src, advert, now)
	if rtu == nil {
		sv.logger.Warn("rtu advert refused",
			slog.Int("addr", int(src)),
			slog.String("reason", code.String()),
		)
		sv.sendUnsessioned(protocol.ProtoMgmt, src, establishAckPayload(protocol.EstablishBadVersion))
		return
	}

	reply := protocol.MgmtPacket{Type: protocol.MgmtRTUAdvertAck, AdvertAck: ack}
	if payload, err := reply.Marshal(); err == nil {
		sv.reg.send(protocol.ProtoMgmt, &rtu.Session, payload)
	}
}

// routeCoord delivers COORD_DATA to a coordinator or pocket session.
func (sv *Supervisor) routeCoord(src uint16, f *protocol.Frame, now time.Time) {
	var cs *CoordSession
	if ps := sv.reg.Find(protocol.KindCoordinator, src); ps != nil {
		cs = ps.(*CoordSession)
	} else if ps := sv.reg.Find(protocol.KindPocket, src); ps != nil {
		cs = ps.(*CoordSession)
	}
	if cs == nil {
		sv.denyHint(protocol.ProtoMgmt, src)
		sv.metrics.IncPacketsDropped(f.Protocol.String())
		return
	}
	if !sv.acceptInbound(&cs.Session, f, now) {
		return
	}

	pkt, err := protocol.UnmarshalCoord(f.Payload)
	if err != nil {
		sv.logger.Debug("coord decode failed", slog.String("error", err.Error()))
		sv.metrics.IncPacketsDropped(f.Protocol.String())
		return
	}
	cs.HandlePacket(pkt)
}

// -------------------------------------------------------------------------
// Outbound
// -------------------------------------------------------------------------

// transmit frames a payload for a session and sends it. This is the hook
// the registry and sessions use for all outbound traffic.
func (sv *Supervisor) transmit(proto protocol.Protocol, s *Session, payload []byte) {
	sv.sendFrame(proto, s.Addr, s.NextSeq(), payload)
	sv.metrics.IncPacketsSent(proto.String())
}

// sendUnsessioned transmits to a peer with no session (handshake refusals
// and DENY hints). Sequence zero: the peer has no window for us yet.
func (sv *Supervisor) sendUnsessioned(proto protocol.Protocol, addr uint16, payload []byte) {
	if payload == nil {
		return
	}
	sv.sendFrame(proto, addr, 0, payload)
}

// sendFrame marshals and transmits one frame from the appropriate listen
// channel.
func (sv *Supervisor) sendFrame(proto protocol.Protocol, addr uint16, seq uint32, payload []byte) {
	f := protocol.Frame{
		Seq:       seq,
		Protocol:  proto,
		Timestamp: sv.nowMillis(time.Now()),
		Payload:   payload,
	}

	bufp := protocol.FramePool.Get().(*[]byte)
	defer protocol.FramePool.Put(bufp)

	n, err := protocol.MarshalFrame(&f, sv.authKey, *bufp)
	if err != nil {
		sv.logger.Error("frame marshal failed", slog.String("error", err.Error()))
		return
	}

	src := sv.devListen
	if proto == protocol.ProtoCoord {
		src = sv.coordListen
	}
	if err := sv.tr.Send(src, addr, (*bufp)[:n]); err != nil {
		sv.logger.Warn("frame send failed",
			slog.Int("dst", int(addr)),
			slog.String("error", err.Error()),
		)
	}
}

// denyHint nudges an orphan sender to re-link.
func (sv *Supervisor) denyHint(proto protocol.Protocol, addr uint16) {
	var payload []byte
	if proto == protocol.ProtoRPLC {
		pkt := protocol.RPLCPacket{
			Type:    protocol.RPLCLinkAck,
			LinkAck: &protocol.LinkAck{Result: protocol.LinkDeny},
		}
		payload, _ = pkt.Marshal()
	} else {
		payload = establishAckPayload(protocol.EstablishDenied)
	}
	sv.sendUnsessioned(proto, addr, payload)
}

// establishAckPayload builds an ESTABLISH_ACK payload.
func establishAckPayload(result protocol.EstablishResult) []byte {
	pkt := protocol.MgmtPacket{
		Type:         protocol.MgmtEstablishAck,
		EstablishAck: &protocol.EstablishAck{Result: result},
	}
	payload, _ := pkt.Marshal()
	return payload
}

// sendEstablishAck transmits an ESTABLISH_ACK on a live session.
func (sv *Supervisor) sendEstablishAck(s *Session, result protocol.EstablishResult) {
	sv.reg.send(protocol.ProtoMgmt, s, establishAckPayload(result))
}

// nowMillis converts wall time to the supervisor's monotonic millisecond
// clock used for frame freshness.
func (sv *Supervisor) nowMillis(now time.Time) int64 {
	return now.Sub(sv.started).Milliseconds()
}
