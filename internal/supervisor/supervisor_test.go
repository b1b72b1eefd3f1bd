package supervisor_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dantte-lp/goscada/internal/config"
	"github.com/dantte-lp/goscada/internal/facility"
	"github.com/dantte-lp/goscada/internal/protocol"
	"github.com/dantte-lp/goscada/internal/supervisor"
	"github.com/dantte-lp/goscada/internal/transport"
)

// Channel plan used across the tests.
const (
	svrChannel  = 16240
	crdChannel  = 16243
	plcAddr     = 20001
	rtuAddr     = 20002
	coordAddr   = 20003
	strangerAdr = 20009
)

// testHarness bundles a supervisor over a loopback transport.
type testHarness struct {
	sv  *supervisor.Supervisor
	fac *facility.Facility
	lb  *transport.Loopback
	now time.Time

	seqs map[uint16]uint32
}

// newHarness builds a supervisor with n ready-to-link units and no
// authentication key.
func newHarness(t *testing.T, n int) *testHarness {
	t.Helper()

	fc := &config.Facility{
		UnitCount: n,
		TankMode:  0,
		TankDefs:  []int{1, 0, 0, 0},
	}
	for i := 0; i < n; i++ {
		fc.Cooling = append(fc.Cooling, config.CoolingConfig{BoilerCount: 1, TurbineCount: 1})
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fac, err := facility.New(fc, logger, nil)
	if err != nil {
		t.Fatalf("facility.New: %v", err)
	}

	comms := config.Comms{
		SVRChannel: svrChannel,
		PLCChannel: 16241,
		RTUChannel: 16242,
		CRDChannel: crdChannel,
		PKTChannel: 16244,
		PLCTimeout: 5 * time.Second,
		RTUTimeout: 5 * time.Second,
		CRDTimeout: 5 * time.Second,
		PKTTimeout: 5 * time.Second,
	}

	lb := transport.NewLoopback()
	sv := supervisor.New(lb, comms, fac, logger, nil)

	return &testHarness{
		sv:   sv,
		fac:  fac,
		lb:   lb,
		now:  time.Unix(1700000000, 0),
		seqs: make(map[uint16]uint32),
	}
}

// deliver frames a payload from a peer and hands it to the supervisor.
func (h *testHarness) deliver(t *testing.T, src uint16, dst uint16, proto protocol.Protocol, payload []byte) {
	t.Helper()

	h.seqs[src]++
	f := protocol.Frame{Seq: h.seqs[src], Protocol: proto, Payload: payload}
	buf := make([]byte, protocol.MaxFrameSize)
	n, err := protocol.MarshalFrame(&f, nil, buf)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}

	h.sv.HandleDatagram(transport.Datagram{
		Src:     src,
		Dst:     dst,
		Payload: buf[:n],
	}, h.now)
}

// linkPLC performs a PLC handshake for the given reactor.
func (h *testHarness) linkPLC(t *testing.T, src uint16, reactor uint8) {
	t.Helper()
	pkt := protocol.RPLCPacket{
		Type:    protocol.RPLCLinkReq,
		LinkReq: &protocol.LinkReq{Version: protocol.CommsVersion, ReactorID: reactor},
	}
	payload, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	h.deliver(t, src, svrChannel, protocol.ProtoRPLC, payload)
}

// lastRPLCTo decodes the most recent RPLC packet sent to addr.
func (h *testHarness) lastRPLCTo(t *testing.T, addr uint16) *protocol.RPLCPacket {
	t.Helper()
	var last *protocol.RPLCPacket
	for _, d := range h.lb.SentTo(addr) {
		var f protocol.Frame
		if err := protocol.UnmarshalFrame(d.Payload, &f); err != nil {
			t.Fatalf("sent frame decode: %v", err)
		}
		if f.Protocol != protocol.ProtoRPLC {
			continue
		}
		pkt, err := protocol.UnmarshalRPLC(f.Payload)
		if err != nil {
			t.Fatalf("sent rplc decode: %v", err)
		}
		last = pkt
	}
	return last
}

// lastMgmtTo decodes the most recent SCADA_MGMT packet sent to addr.
func (h *testHarness) lastMgmtTo(t *testing.T, addr uint16) *protocol.MgmtPacket {
	t.Helper()
	var last *protocol.MgmtPacket
	for _, d := range h.lb.SentTo(addr) {
		var f protocol.Frame
		if err := protocol.UnmarshalFrame(d.Payload, &f); err != nil {
			t.Fatalf("sent frame decode: %v", err)
		}
		if f.Protocol != protocol.ProtoMgmt {
			continue
		}
		pkt, err := protocol.UnmarshalMgmt(f.Payload)
		if err != nil {
			t.Fatalf("sent mgmt decode: %v", err)
		}
		last = pkt
	}
	return last
}

// -------------------------------------------------------------------------
// PLC link lifecycle
// -------------------------------------------------------------------------

// TestPLCLinkAllow verifies a version-matched LINK_REQ creates exactly one
// session and is answered ALLOW.
func TestPLCLinkAllow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.linkPLC(t, plcAddr, 1)

	ack := h.lastRPLCTo(t, plcAddr)
	if ack == nil || ack.Type != protocol.RPLCLinkAck {
		t.Fatalf("no LINK_ACK sent: %+v", ack)
	}
	if ack.LinkAck.Result != protocol.LinkAllow {
		t.Fatalf("ack = %s, want ALLOW", ack.LinkAck.Result)
	}
	if !h.fac.Unit(1).PLCLinked() {
		t.Error("unit 1 not marked PLC-linked")
	}
	if h.sv.Registry().SessionCount() != 1 {
		t.Errorf("session count = %d, want 1", h.sv.Registry().SessionCount())
	}
}

// TestPLCLinkCollision verifies a second LINK_REQ for the same reactor
// from another address returns COLLISION and keeps the first session.
func TestPLCLinkCollision(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.linkPLC(t, plcAddr, 1)
	h.lb.DropSent()

	h.linkPLC(t, strangerAdr, 1)

	ack := h.lastRPLCTo(t, strangerAdr)
	if ack == nil || ack.LinkAck == nil || ack.LinkAck.Result != protocol.LinkCollision {
		t.Fatalf("second link ack = %+v, want COLLISION", ack)
	}
	if h.sv.Registry().SessionCount() != 1 {
		t.Errorf("session count = %d, want 1 (original kept)", h.sv.Registry().SessionCount())
	}
}

// TestPLCLinkBadVersion verifies a comms version mismatch is refused.
func TestPLCLinkBadVersion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	pkt := protocol.RPLCPacket{
		Type:    protocol.RPLCLinkReq,
		LinkReq: &protocol.LinkReq{Version: protocol.CommsVersion + 1, ReactorID: 1},
	}
	payload, _ := pkt.Marshal()
	h.deliver(t, plcAddr, svrChannel, protocol.ProtoRPLC, payload)

	ack := h.lastRPLCTo(t, plcAddr)
	if ack == nil || ack.LinkAck == nil || ack.LinkAck.Result != protocol.LinkBadVersion {
		t.Fatalf("ack = %+v, want BAD_VERSION", ack)
	}
	if h.sv.Registry().SessionCount() != 0 {
		t.Error("session created despite version mismatch")
	}
}

// TestOrphanPacketDenied verifies non-link traffic from a stranger earns a
// DENY hint.
func TestOrphanPacketDenied(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	pkt := protocol.RPLCPacket{
		Type:   protocol.RPLCStatus,
		Status: &protocol.ReactorStatus{Formed: true},
	}
	payload, _ := pkt.Marshal()
	h.deliver(t, strangerAdr, svrChannel, protocol.ProtoRPLC, payload)

	ack := h.lastRPLCTo(t, strangerAdr)
	if ack == nil || ack.LinkAck == nil || ack.LinkAck.Result != protocol.LinkDeny {
		t.Fatalf("orphan reply = %+v, want DENY hint", ack)
	}
}

// TestPLCWatchdogTimeout verifies the session is pruned at the first tick
// past the timeout, the unit back-reference clears, and a fresh LINK_REQ
// from the same address succeeds.
func TestPLCWatchdogTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.linkPLC(t, plcAddr, 1)

	// A tick inside the timeout keeps the session.
	h.sv.TickOnce(h.now.Add(4 * time.Second))
	if h.sv.Registry().SessionCount() != 1 {
		t.Fatal("session pruned before timeout")
	}

	// Past the timeout the watchdog fires.
	h.sv.TickOnce(h.now.Add(6 * time.Second))
	if h.sv.Registry().SessionCount() != 0 {
		t.Fatal("session not pruned after timeout")
	}
	if h.fac.Unit(1).PLCLinked() {
		t.Error("unit back-reference not cleared")
	}

	// Re-link from the same address succeeds with ALLOW.
	h.lb.DropSent()
	h.now = h.now.Add(10 * time.Second)
	h.linkPLC(t, plcAddr, 1)
	ack := h.lastRPLCTo(t, plcAddr)
	if ack == nil || ack.LinkAck == nil || ack.LinkAck.Result != protocol.LinkAllow {
		t.Fatalf("re-link ack = %+v, want ALLOW", ack)
	}
}

// TestPLCBurnResend verifies the idempotent burn command refresh: the
// setpoint is re-sent until the PLC reports a matching burn.
func TestPLCBurnResend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.linkPLC(t, plcAddr, 1)

	// Manual request while INACTIVE drives the setpoint.
	h.fac.Unit(1).RequestedBurn = 2.5

	h.lb.DropSent()
	h.sv.TickOnce(h.now.Add(500 * time.Millisecond))

	cmd := h.lastRPLCTo(t, plcAddr)
	if cmd == nil || cmd.Type != protocol.RPLCCommand || cmd.Command.Op != protocol.OpSetBurnRate {
		t.Fatalf("no burn command sent: %+v", cmd)
	}
	if cmd.Command.Value != 2.5 {
		t.Fatalf("burn command = %v, want 2.5", cmd.Command.Value)
	}

	// PLC confirms the burn: after enough ticks, no further re-sends.
	status := protocol.RPLCPacket{
		Type:   protocol.RPLCStatus,
		Status: &protocol.ReactorStatus{Formed: true, BurnRate: 2.5, ActualBurnRate: 2.5},
	}
	payload, _ := status.Marshal()
	h.deliver(t, plcAddr, svrChannel, protocol.ProtoRPLC, payload)

	h.lb.DropSent()
	for i := 0; i < 6; i++ {
		h.sv.TickOnce(h.now.Add(time.Duration(i+2) * 500 * time.Millisecond))
	}
	if cmd := h.lastRPLCTo(t, plcAddr); cmd != nil && cmd.Type == protocol.RPLCCommand {
		t.Errorf("burn re-sent after confirmation: %+v", cmd.Command)
	}
}

// -------------------------------------------------------------------------
// RTU lifecycle
// -------------------------------------------------------------------------

// advertPayload builds an RTU_ADVERT payload.
func advertPayload(t *testing.T, units []protocol.AdvertUnit) []byte {
	t.Helper()
	pkt := protocol.MgmtPacket{
		Type:   protocol.MgmtRTUAdvert,
		Advert: &protocol.RTUAdvert{Version: protocol.CommsVersion, Units: units},
	}
	payload, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

// TestRTUAdvertDuplicateIMatrix verifies the facility-wide induction
// matrix uniqueness constraint: first accepted, second rejected.
func TestRTUAdvertDuplicateIMatrix(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.deliver(t, rtuAddr, svrChannel, protocol.ProtoMgmt, advertPayload(t, []protocol.AdvertUnit{
		{Type: protocol.KindIMatrix, Name: "ind1", Index: 1, Reactor: 0},
		{Type: protocol.KindIMatrix, Name: "ind2", Index: 1, Reactor: 0},
	}))

	ack := h.lastMgmtTo(t, rtuAddr)
	if ack == nil || ack.Type != protocol.MgmtRTUAdvertAck {
		t.Fatalf("no advert ack: %+v", ack)
	}
	if len(ack.AdvertAck.Accepted) != 1 {
		t.Errorf("accepted = %v, want one entry", ack.AdvertAck.Accepted)
	}
	if len(ack.AdvertAck.Rejected) != 1 ||
		ack.AdvertAck.Rejected[0].Reason != protocol.RejectDuplicateIMatrix {
		t.Errorf("rejected = %+v, want DUPLICATE_IMATRIX", ack.AdvertAck.Rejected)
	}
}

// TestRTUAdvertValidation covers index and reactor range checks.
func TestRTUAdvertValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.deliver(t, rtuAddr, svrChannel, protocol.ProtoMgmt, advertPayload(t, []protocol.AdvertUnit{
		{Type: protocol.KindBoilerValve, Name: "b1", Index: 1, Reactor: 1},  // ok
		{Type: protocol.KindBoilerValve, Name: "b2", Index: 2, Reactor: 1},  // index > boiler count
		{Type: protocol.KindTurbineValve, Name: "t1", Index: 1, Reactor: 3}, // reactor out of range
	}))

	ack := h.lastMgmtTo(t, rtuAddr)
	if ack == nil || ack.Type != protocol.MgmtRTUAdvertAck {
		t.Fatalf("no advert ack: %+v", ack)
	}
	if len(ack.AdvertAck.Accepted) != 1 {
		t.Errorf("accepted = %v, want one entry", ack.AdvertAck.Accepted)
	}
	wantReasons := map[uint8]protocol.AdvertReason{
		1: protocol.RejectBadIndex,
		2: protocol.RejectBadReactor,
	}
	for _, rej := range ack.AdvertAck.Rejected {
		if want, ok := wantReasons[rej.Index]; !ok || rej.Reason != want {
			t.Errorf("reject %+v unexpected", rej)
		}
	}
}

// TestRTUModbusFlow verifies the request/reply pairing: the gateway
// pushes a register write and receives a success reply; the formed poll
// then remounts the matrix and the projection reaches the facility.
func TestRTUModbusFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.deliver(t, rtuAddr, svrChannel, protocol.ProtoMgmt, advertPayload(t, []protocol.AdvertUnit{
		{Type: protocol.KindIMatrix, Name: "imatrix", Index: 1, Reactor: 0},
	}))

	// Gateway pushes formed=1 and charge telemetry (unit id 1).
	req := protocol.MbRequest{
		UnitID: 1,
		Func:   protocol.MbWriteMultiRegs,
		Addr:   0,
		Count:  3,
		// formed=1, fault=0, charge=0.42 scaled by 1e4.
		Values: []uint16{1, 0, 4200},
	}
	payload, err := req.MarshalRequest()
	if err != nil {
		t.Fatal(err)
	}
	h.lb.DropSent()
	h.deliver(t, rtuAddr, svrChannel, protocol.ProtoModbus, payload)

	// The write earns a success reply.
	var reply *protocol.MbReply
	for _, d := range h.lb.SentTo(rtuAddr) {
		var f protocol.Frame
		if err := protocol.UnmarshalFrame(d.Payload, &f); err != nil {
			t.Fatal(err)
		}
		if f.Protocol != protocol.ProtoModbus {
			continue
		}
		reply, err = protocol.UnmarshalReply(f.Payload)
		if err != nil {
			t.Fatal(err)
		}
	}
	if reply == nil || !reply.Ok() || reply.UnitID != 1 {
		t.Fatalf("modbus reply = %+v, want success for unit 1", reply)
	}

	// Formed poll remounts the matrix; the tick publishes the projection.
	h.sv.Registry().PollFormed()
	h.sv.TickOnce(h.now.Add(500 * time.Millisecond))

	fs := h.fac.StatusFrame()
	if fs.Charge != 0.42 {
		t.Errorf("facility charge = %v, want 0.42", fs.Charge)
	}
}

// -------------------------------------------------------------------------
// Coordinator lifecycle
// -------------------------------------------------------------------------

// TestCoordinatorEstablishAndPush verifies the coordinator handshake and
// the per-tick telemetry push.
func TestCoordinatorEstablishAndPush(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	est := protocol.MgmtPacket{
		Type:      protocol.MgmtEstablish,
		Establish: &protocol.Establish{Version: protocol.CommsVersion, Kind: protocol.KindCoordinator},
	}
	payload, _ := est.Marshal()
	h.deliver(t, coordAddr, crdChannel, protocol.ProtoMgmt, payload)

	ack := h.lastMgmtTo(t, coordAddr)
	if ack == nil || ack.Type != protocol.MgmtEstablishAck ||
		ack.EstablishAck.Result != protocol.EstablishOK {
		t.Fatalf("establish ack = %+v, want OK", ack)
	}

	// One tick pushes builds and status frames.
	h.lb.DropSent()
	h.sv.TickOnce(h.now.Add(500 * time.Millisecond))

	var sawBuilds, sawFacStatus, sawUnitStatus bool
	for _, d := range h.lb.SentTo(coordAddr) {
		var f protocol.Frame
		if err := protocol.UnmarshalFrame(d.Payload, &f); err != nil {
			t.Fatal(err)
		}
		if f.Protocol != protocol.ProtoCoord {
			continue
		}
		pkt, err := protocol.UnmarshalCoord(f.Payload)
		if err != nil {
			t.Fatal(err)
		}
		switch pkt.Type {
		case protocol.CoordFacBuilds:
			sawBuilds = true
		case protocol.CoordFacStatus:
			sawFacStatus = true
		case protocol.CoordUnitStatus:
			sawUnitStatus = true
		}
	}
	if !sawBuilds || !sawFacStatus || !sawUnitStatus {
		t.Errorf("push incomplete: builds=%t fac=%t unit=%t", sawBuilds, sawFacStatus, sawUnitStatus)
	}
}

// TestCoordinatorSingleton verifies a second coordinator is refused while
// the first holds the link.
func TestCoordinatorSingleton(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	est := protocol.MgmtPacket{
		Type:      protocol.MgmtEstablish,
		Establish: &protocol.Establish{Version: protocol.CommsVersion, Kind: protocol.KindCoordinator},
	}
	payload, _ := est.Marshal()
	h.deliver(t, coordAddr, crdChannel, protocol.ProtoMgmt, payload)
	h.lb.DropSent()

	h.deliver(t, strangerAdr, crdChannel, protocol.ProtoMgmt, payload)
	ack := h.lastMgmtTo(t, strangerAdr)
	if ack == nil || ack.Type != protocol.MgmtEstablishAck ||
		ack.EstablishAck.Result != protocol.EstablishCollision {
		t.Fatalf("second establish = %+v, want COLLISION", ack)
	}
}

// TestKeepAliveEcho verifies the keepalive reflection and watchdog reset.
func TestKeepAliveEcho(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	est := protocol.MgmtPacket{
		Type:      protocol.MgmtEstablish,
		Establish: &protocol.Establish{Version: protocol.CommsVersion, Kind: protocol.KindPocket},
	}
	payload, _ := est.Marshal()
	h.deliver(t, coordAddr, crdChannel, protocol.ProtoMgmt, payload)
	h.lb.DropSent()

	ka := protocol.MgmtPacket{
		Type:      protocol.MgmtKeepAlive,
		KeepAlive: &protocol.KeepAlive{EchoTS: 424242},
	}
	payload, _ = ka.Marshal()
	h.deliver(t, coordAddr, crdChannel, protocol.ProtoMgmt, payload)

	echo := h.lastMgmtTo(t, coordAddr)
	if echo == nil || echo.Type != protocol.MgmtKeepAlive || echo.KeepAlive.EchoTS != 424242 {
		t.Fatalf("keepalive echo = %+v", echo)
	}
}

// TestTrustedRange verifies distant datagrams are dropped before routing.
func TestTrustedRange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	// Rebuild the supervisor with a 8-hop trusted range.
	comms := config.Comms{
		SVRChannel: svrChannel, PLCChannel: 16241, RTUChannel: 16242,
		CRDChannel: crdChannel, PKTChannel: 16244,
		PLCTimeout: 5 * time.Second, RTUTimeout: 5 * time.Second,
		CRDTimeout: 5 * time.Second, PKTTimeout: 5 * time.Second,
		TrustedRange: 8,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sv := supervisor.New(h.lb, comms, h.fac, logger, nil)

	pkt := protocol.RPLCPacket{
		Type:    protocol.RPLCLinkReq,
		LinkReq: &protocol.LinkReq{Version: protocol.CommsVersion, ReactorID: 1},
	}
	payload, _ := pkt.Marshal()
	f := protocol.Frame{Seq: 1, Protocol: protocol.ProtoRPLC, Payload: payload}
	buf := make([]byte, protocol.MaxFrameSize)
	n, _ := protocol.MarshalFrame(&f, nil, buf)

	sv.HandleDatagram(transport.Datagram{
		Src: plcAddr, Dst: svrChannel, Payload: buf[:n], Distance: 30,
	}, h.now)

	if sv.Registry().SessionCount() != 0 {
		t.Error("session established from outside the trusted range")
	}
}
